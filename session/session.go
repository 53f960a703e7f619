// Package session owns everything one collaborating client shares between
// its components: the replicated document and its maps, the presence
// channel, the undo controller, the asset pipeline and the relay transport.
package session

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"drawsync/assets"
	"drawsync/core"
	"drawsync/presence"
	"drawsync/replica"
	"drawsync/transport"
	"drawsync/undo"

	"github.com/sirupsen/logrus"
)

const (
	DefaultRoom = "drawsync-1"

	ShapesMap   = core.ShapesMap
	BindingsMap = core.BindingsMap
	AssetsMap   = core.AssetsMap
)

type Config struct {
	// ServerURL is the relay address. Empty means offline.
	ServerURL string
	Room      string
	// UploadURL is the asset upload endpoint. Empty keeps assets embedded.
	UploadURL  string
	ForceHTTPS bool
	ClientID   uint64
}

// ConfigFromEnv reads DRAWSYNC_SERVER_URL, DRAWSYNC_ROOM, DRAWSYNC_UPLOAD_URL
// and ASSET_FORCE_HTTPS.
func ConfigFromEnv() Config {
	cfg := Config{
		ServerURL: os.Getenv("DRAWSYNC_SERVER_URL"),
		Room:      os.Getenv("DRAWSYNC_ROOM"),
		UploadURL: os.Getenv("DRAWSYNC_UPLOAD_URL"),
	}
	if cfg.Room == "" {
		cfg.Room = DefaultRoom
	}
	if v, err := strconv.ParseBool(os.Getenv("ASSET_FORCE_HTTPS")); err == nil {
		cfg.ForceHTTPS = v
	}
	return cfg
}

type Session struct {
	Config Config

	Doc       *replica.Doc
	Shapes    *replica.Map
	Bindings  *replica.Map
	Assets    *replica.Map
	Awareness *presence.Channel
	Presence  *presence.Synchronizer
	Undo      *undo.Controller
	Blobs     *assets.BlobRegistry
	Pipeline  *assets.Pipeline

	provider  *transport.Provider
	closeOnce sync.Once
}

type options struct {
	uploader  assets.Uploader
	transport []transport.Option
	undo      []replica.UndoOption
	pipeline  []assets.PipelineOption
}

type Option func(*options)

// WithUploader replaces the HTTP uploader built from Config.UploadURL.
func WithUploader(u assets.Uploader) Option {
	return func(o *options) {
		o.uploader = u
	}
}

func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) {
		o.transport = append(o.transport, opts...)
	}
}

func WithUndoOptions(opts ...replica.UndoOption) Option {
	return func(o *options) {
		o.undo = append(o.undo, opts...)
	}
}

func WithPipelineOptions(opts ...assets.PipelineOption) Option {
	return func(o *options) {
		o.pipeline = append(o.pipeline, opts...)
	}
}

// New builds a session. When a server is configured the transport connects
// right away and keeps reconnecting until Close.
func New(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Room == "" {
		cfg.Room = DefaultRoom
	}

	var docOpts []replica.Option
	if cfg.ClientID != 0 {
		docOpts = append(docOpts, replica.WithClientID(cfg.ClientID))
	}
	doc := replica.NewDoc(docOpts...)

	s := &Session{
		Config:   cfg,
		Doc:      doc,
		Shapes:   doc.Map(ShapesMap),
		Bindings: doc.Map(BindingsMap),
		Assets:   doc.Map(AssetsMap),
		Blobs:    assets.NewBlobRegistry(),
	}
	s.Awareness = presence.NewChannel(doc.ClientID())
	s.Presence = presence.NewSynchronizer(s.Awareness)
	s.Undo = undo.NewController(doc, s.Shapes, s.Bindings, o.undo...)

	uploader := o.uploader
	if uploader == nil && cfg.UploadURL != "" {
		uploader = assets.NewHTTPUploader(cfg.UploadURL)
	}
	s.Pipeline = assets.NewPipeline(uploader, s, o.pipeline...)

	if cfg.ServerURL != "" {
		p, err := transport.NewProvider(cfg.ServerURL, cfg.Room, doc, s.Awareness, o.transport...)
		if err != nil {
			s.Undo.Close()
			return nil, fmt.Errorf("create transport: %w", err)
		}
		s.provider = p
		p.Connect(ctx)
	}

	logrus.WithFields(logrus.Fields{
		"room":      cfg.Room,
		"client_id": doc.ClientID(),
		"online":    s.provider != nil,
	}).Info("Session started")
	return s, nil
}

// PutAsset writes one asset record in its own transaction.
func (s *Session) PutAsset(_ context.Context, asset core.Asset) error {
	return s.Assets.Set(asset.ID, asset)
}

// Transport returns the relay connection, or nil when offline.
func (s *Session) Transport() *transport.Provider {
	return s.provider
}

// Flush waits until local changes have reached the relay. Offline sessions
// return immediately.
func (s *Session) Flush(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	return s.provider.Flush(ctx)
}

// Close disconnects from the relay. The document and in-flight uploads are
// left alone.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.provider != nil {
			s.provider.Disconnect()
		}
		logrus.WithField("room", s.Config.Room).Info("Session closed")
	})
}
