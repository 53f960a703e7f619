package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"drawsync/core"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const (
	roomPrefix     = "rooms/"
	activityPrefix = "activity/"
	assetPrefix    = "assets/"

	fileNameMeta = "filename"
)

type Store struct {
	client *s3.Client
	bucket string
}

// NewStore creates an S3-backed store using the default credential chain.
func NewStore(bucketName string) *Store {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}
	return NewStoreWithClient(s3.NewFromConfig(cfg), bucketName)
}

func NewStoreWithClient(client *s3.Client, bucketName string) *Store {
	return &Store{client: client, bucket: bucketName}
}

func validKey(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *Store) get(ctx context.Context, key string) (*s3.GetObjectOutput, []byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, fmt.Errorf("%s: %w", key, core.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return resp, data, nil
}

func (s *Store) put(ctx context.Context, in *s3.PutObjectInput, data []byte) error {
	in.Bucket = aws.String(s.bucket)
	in.Body = bytes.NewReader(data)
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("failed to put object %s: %w", aws.ToString(in.Key), err)
	}
	return nil
}

func (s *Store) FindRoom(ctx context.Context, roomID string) (*core.Document, error) {
	if err := validKey(roomID); err != nil {
		return nil, err
	}
	_, data, err := s.get(ctx, roomPrefix+roomID)
	if err != nil {
		return nil, err
	}
	return &core.Document{Data: *bytes.NewBuffer(data)}, nil
}

func (s *Store) SaveRoom(ctx context.Context, roomID string, document *core.Document) error {
	if err := validKey(roomID); err != nil {
		return err
	}
	err := s.put(ctx, &s3.PutObjectInput{
		Key:         aws.String(roomPrefix + roomID),
		ContentType: aws.String("application/octet-stream"),
	}, document.Data.Bytes())
	if err != nil {
		return err
	}
	return s.TouchRoom(ctx, roomID)
}

// TouchRoom writes an empty marker whose modification time records the
// room's last activity.
func (s *Store) TouchRoom(ctx context.Context, roomID string) error {
	if err := validKey(roomID); err != nil {
		return err
	}
	return s.put(ctx, &s3.PutObjectInput{Key: aws.String(activityPrefix + roomID)}, nil)
}

func (s *Store) ListRooms(ctx context.Context) ([]core.Room, error) {
	rooms := make([]core.Room, 0)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(activityPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list rooms: %w", err)
		}
		for _, object := range page.Contents {
			room := core.Room{ID: strings.TrimPrefix(aws.ToString(object.Key), activityPrefix)}
			if object.LastModified != nil {
				room.LastActive = object.LastModified.UnixMilli()
			}
			rooms = append(rooms, room)
		}
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})
	return rooms, nil
}

func (s *Store) PutAsset(ctx context.Context, blob *core.Blob) (string, error) {
	id := blob.ID
	if id == "" {
		id = ulid.Make().String()
	}
	if err := validKey(id); err != nil {
		return "", err
	}

	in := &s3.PutObjectInput{Key: aws.String(assetPrefix + id)}
	if blob.ContentType != "" {
		in.ContentType = aws.String(blob.ContentType)
	}
	if blob.FileName != "" {
		in.Metadata = map[string]string{fileNameMeta: blob.FileName}
	}
	if err := s.put(ctx, in, blob.Data); err != nil {
		logrus.WithError(err).WithField("asset_id", id).Error("Failed to upload asset")
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"asset_id":    id,
		"data_length": len(blob.Data),
	}).Info("Asset stored successfully")
	return id, nil
}

func (s *Store) GetAsset(ctx context.Context, id string) (*core.Blob, error) {
	if err := validKey(id); err != nil {
		return nil, err
	}
	resp, data, err := s.get(ctx, assetPrefix+id)
	if err != nil {
		return nil, err
	}
	return &core.Blob{
		ID:          id,
		FileName:    resp.Metadata[fileNameMeta],
		ContentType: aws.ToString(resp.ContentType),
		Data:        data,
	}, nil
}
