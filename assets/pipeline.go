package assets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"drawsync/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrEmptyFile = errors.New("empty file")

// AssetWriter commits asset records into the shared document.
type AssetWriter interface {
	PutAsset(ctx context.Context, asset core.Asset) error
}

// Pipeline ingests local files: the caller gets an embedded data URI right
// away, and exactly one asset record is written once the upload and the
// dimension probe have both finished.
type Pipeline struct {
	uploader     Uploader
	writer       AssetWriter
	probeTimeout time.Duration
}

type PipelineOption func(*Pipeline)

func WithProbeTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.probeTimeout = d
	}
}

// NewPipeline creates a pipeline. A nil uploader keeps every asset embedded.
func NewPipeline(uploader Uploader, writer AssetWriter, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		uploader:     uploader,
		writer:       writer,
		probeTimeout: DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingestion tracks one file on its way to a committed asset record.
type Ingestion struct {
	ID      string
	DataURI string

	done  chan struct{}
	asset core.Asset
	err   error
}

// Wait blocks until the asset record is committed and returns it.
func (in *Ingestion) Wait(ctx context.Context) (core.Asset, error) {
	select {
	case <-in.done:
		return in.asset, in.err
	case <-ctx.Done():
		return core.Asset{}, ctx.Err()
	}
}

// Create starts ingesting f under the given asset id, generating one when id
// is empty. The returned ingestion already carries the data URI the editor
// should display. Cancelling ctx does not abort an upload in flight.
func (p *Pipeline) Create(ctx context.Context, id string, f File) (*Ingestion, error) {
	if len(f.Data) == 0 {
		return nil, ErrEmptyFile
	}
	if id == "" {
		id = ulid.Make().String()
	}
	in := &Ingestion{
		ID:      id,
		DataURI: EncodeDataURI(f),
		done:    make(chan struct{}),
	}
	go p.ingest(context.WithoutCancel(ctx), in, f)
	return in, nil
}

func (p *Pipeline) ingest(ctx context.Context, in *Ingestion, f File) {
	defer close(in.done)

	var (
		src  string
		size [2]float64
		g    errgroup.Group
	)
	g.Go(func() error {
		url, err := p.Upload(ctx, f)
		if err != nil {
			logrus.WithError(err).WithField("asset_id", in.ID).Warn("Upload failed, keeping embedded source")
			return nil
		}
		src = url
		return nil
	})
	g.Go(func() error {
		size = ProbeSize(ctx, f, p.probeTimeout)
		return nil
	})
	_ = g.Wait()

	if src == "" {
		src = in.DataURI
	}
	asset := core.Asset{
		ID:       in.ID,
		Type:     f.AssetType(),
		Src:      src,
		FileName: f.Name,
		Size:     size,
	}
	if err := p.writer.PutAsset(ctx, asset); err != nil {
		in.err = fmt.Errorf("write asset %s: %w", in.ID, err)
		logrus.WithError(err).WithField("asset_id", in.ID).Error("Failed to commit asset")
		return
	}
	in.asset = asset
	logrus.WithFields(logrus.Fields{
		"asset_id": in.ID,
		"durable":  asset.Durable(),
	}).Debug("Asset committed")
}

// Upload sends f to the configured uploader.
func (p *Pipeline) Upload(ctx context.Context, f File) (string, error) {
	if p.uploader == nil {
		return "", fmt.Errorf("%w: no uploader", ErrUploadFailed)
	}
	return p.uploader.Upload(ctx, f)
}
