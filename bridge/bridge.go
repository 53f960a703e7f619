// Package bridge keeps a local editor and the replicated document consistent
// in both directions. Local edits are pushed as transactions; every change of
// the shared maps is pulled back as a full, filtered page replacement.
package bridge

import (
	"context"
	"errors"
	"sync"

	"drawsync/assets"
	"drawsync/core"
	"drawsync/replica"
	"drawsync/session"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrNotMounted = errors.New("no editor mounted")

type Bridge struct {
	s *session.Session

	mu  sync.Mutex
	app core.Editor

	bg sync.WaitGroup
}

func New(s *session.Session) *Bridge {
	return &Bridge{s: s}
}

// OnMount attaches the editor to the session's room and presents the current
// shared content.
func (b *Bridge) OnMount(app core.Editor) {
	b.mu.Lock()
	b.app = app
	b.mu.Unlock()

	app.LoadRoom(b.s.Config.Room)
	app.Pause()
	b.SyncContent()
}

func (b *Bridge) mounted() core.Editor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.app
}

// Snapshot returns what the editor may present of the session's maps.
func (b *Bridge) Snapshot() core.Content {
	return SnapshotOf(b.s.Shapes, b.s.Bindings, b.s.Assets)
}

// SnapshotOf reads the shared maps and returns what an editor may present:
// incomplete assets are left out, shapes referencing a missing asset are
// dropped and every shape carries a style.
func SnapshotOf(shapes, bindings, assets *replica.Map) core.Content {
	c := core.NewContent()

	for _, e := range assets.Entries() {
		var a core.Asset
		if err := e.Value.Decode(&a); err != nil || !a.Valid() {
			continue
		}
		c.Assets[a.ID] = a
	}

	for _, e := range shapes.Entries() {
		var s core.Shape
		if err := e.Value.Decode(&s); err != nil {
			logrus.WithError(err).WithField("shape_id", e.Key).Warn("Skipping undecodable shape")
			continue
		}
		if s.AssetID != "" {
			if _, ok := c.Assets[s.AssetID]; !ok {
				logrus.WithFields(logrus.Fields{
					"shape_id": e.Key,
					"asset_id": s.AssetID,
				}).Debug("Shape omitted, asset not present yet")
				continue
			}
		}
		c.Shapes[e.Key] = s.WithDefaultStyle()
	}

	for _, e := range bindings.Entries() {
		var bd core.Binding
		if err := e.Value.Decode(&bd); err != nil {
			continue
		}
		c.Bindings[e.Key] = bd
	}
	return c
}

// SyncContent replaces the mounted editor's page with the current snapshot.
func (b *Bridge) SyncContent() {
	app := b.mounted()
	if app == nil {
		return
	}
	c := b.Snapshot()
	app.ReplacePageContent(c.Shapes, c.Bindings, c.Assets)
}

// Run pulls on every change of the shapes, bindings or assets map and feeds
// presence into the mounted editor until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	app := b.mounted()
	if app == nil {
		return ErrNotMounted
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.pull(gctx)
	})
	g.Go(func() error {
		return b.s.Presence.Run(gctx, app)
	})
	if b.s.Config.ForceHTTPS {
		g.Go(func() error {
			return assets.UpgradeInsecure(gctx, b.s.Doc, b.s.Assets)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bridge) pull(ctx context.Context) error {
	subs := []*replica.Subscription{
		b.s.Shapes.ObserveDeep(),
		b.s.Bindings.ObserveDeep(),
		b.s.Assets.ObserveDeep(),
	}
	defer func() {
		for _, sub := range subs {
			sub.Unobserve()
		}
	}()

	// catch up on anything written before the subscriptions existed
	b.SyncContent()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-subs[0].C:
		case <-subs[1].C:
		case <-subs[2].C:
		}
		b.SyncContent()
	}
}

// OnChangePage pushes a local delta in one transaction. A nil value deletes
// the key. Image and video shapes still pointing at a local source are made
// durable in the background afterwards.
func (b *Bridge) OnChangePage(app core.PageEditor, shapes map[string]*core.Shape, bindings map[string]*core.Binding) error {
	b.s.Undo.StopCapturing()

	var (
		errs  []error
		local []core.Shape
	)
	b.s.Doc.Transact(nil, func(tx *replica.Transaction) {
		for id, s := range shapes {
			if s == nil {
				tx.Delete(b.s.Shapes, id)
				continue
			}
			n := s.WithDefaultStyle()
			// the delta key is the shape's identity in the shared map
			n.ID = id
			if err := tx.Set(b.s.Shapes, id, n); err != nil {
				errs = append(errs, err)
				continue
			}
			if n.IsMedia() && n.Src() != "" && !core.IsRemoteURL(n.Src()) {
				local = append(local, n)
			}
		}
		for id, bd := range bindings {
			if bd == nil {
				tx.Delete(b.s.Bindings, id)
				continue
			}
			if err := tx.Set(b.s.Bindings, id, *bd); err != nil {
				errs = append(errs, err)
			}
		}
	})

	if len(local) > 0 {
		b.repoint(app, local)
	}
	return errors.Join(errs...)
}

// Wait blocks until background re-pointing has finished.
func (b *Bridge) Wait() {
	b.bg.Wait()
}

func (b *Bridge) OnUndo() bool {
	return b.s.Undo.Undo()
}

func (b *Bridge) OnRedo() bool {
	return b.s.Undo.Redo()
}

// OnChangePresence publishes the local user. The editor argument is unused
// and kept for symmetry with the other editor callbacks.
func (b *Bridge) OnChangePresence(_ core.PageEditor, user core.User) {
	if err := b.s.Presence.Publish(user); err != nil {
		logrus.WithError(err).WithField("user_id", user.ID).Warn("Failed to publish presence")
	}
}
