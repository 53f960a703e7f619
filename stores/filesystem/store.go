package filesystem

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"drawsync/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const (
	roomsDir  = "rooms"
	assetsDir = "assets"
	metaExt   = ".meta.json"
)

// ErrInvalidID is returned for ids that would escape the store's directory.
var ErrInvalidID = errors.New("invalid id")

// Store keeps one file per room document and per asset under basePath.
// A room's last activity is its file's modification time.
type Store struct {
	basePath string
}

type assetMeta struct {
	FileName    string `json:"fileName,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

func NewStore(basePath string) *Store {
	for _, dir := range []string{roomsDir, assetsDir} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			log.Fatalf("failed to create storage directory: %v", err)
		}
	}
	return &Store{basePath: basePath}
}

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func (s *Store) roomPath(roomID string) (string, error) {
	if err := checkID(roomID); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, roomsDir, roomID), nil
}

func (s *Store) FindRoom(ctx context.Context, roomID string) (*core.Document, error) {
	filePath, err := s.roomPath(roomID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
		}
		logrus.WithError(err).WithField("file_path", filePath).Error("Failed to read room")
		return nil, err
	}
	if len(data) == 0 {
		// touched but never saved
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
	}
	return &core.Document{Data: *bytes.NewBuffer(data)}, nil
}

// SaveRoom writes through a temporary file so a crash never leaves a torn
// document behind.
func (s *Store) SaveRoom(ctx context.Context, roomID string, document *core.Document) error {
	filePath, err := s.roomPath(roomID)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filePath, document.Data.Bytes()); err != nil {
		logrus.WithError(err).WithField("file_path", filePath).Error("Failed to save room")
		return err
	}
	return nil
}

func (s *Store) TouchRoom(ctx context.Context, roomID string) error {
	filePath, err := s.roomPath(roomID)
	if err != nil {
		return err
	}
	now := time.Now()
	err = os.Chtimes(filePath, now, now)
	if os.IsNotExist(err) {
		return os.WriteFile(filePath, nil, 0644)
	}
	return err
}

func (s *Store) ListRooms(ctx context.Context) ([]core.Room, error) {
	entries, err := os.ReadDir(filepath.Join(s.basePath, roomsDir))
	if err != nil {
		return nil, err
	}

	rooms := make([]core.Room, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			logrus.WithError(err).Warnf("Failed to stat room %s, skipping", entry.Name())
			continue
		}
		rooms = append(rooms, core.Room{ID: entry.Name(), LastActive: info.ModTime().UnixMilli()})
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
	if err := checkID(id); err != nil {
		return "", err
	}
	filePath := filepath.Join(s.basePath, assetsDir, id)
	log := logrus.WithFields(logrus.Fields{
		"asset_id":  id,
		"file_path": filePath,
	})

	meta, err := json.Marshal(assetMeta{FileName: blob.FileName, ContentType: blob.ContentType})
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(filePath+metaExt, meta); err != nil {
		log.WithError(err).Error("Failed to write asset metadata")
		return "", err
	}
	if err := writeFileAtomic(filePath, blob.Data); err != nil {
		log.WithError(err).Error("Failed to write asset")
		return "", err
	}

	log.Info("Asset stored successfully")
	return id, nil
}

func (s *Store) GetAsset(ctx context.Context, id string) (*core.Blob, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	filePath := filepath.Join(s.basePath, assetsDir, id)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("asset %s: %w", id, core.ErrNotFound)
		}
		return nil, err
	}

	blob := &core.Blob{ID: id, Data: data}
	if raw, err := os.ReadFile(filePath + metaExt); err == nil {
		var meta assetMeta
		if err := json.Unmarshal(raw, &meta); err == nil {
			blob.FileName = meta.FileName
			blob.ContentType = meta.ContentType
		}
	}
	return blob, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
