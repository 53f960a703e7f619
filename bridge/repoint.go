package bridge

import (
	"context"
	"sync"

	"drawsync/assets"
	"drawsync/core"
	"drawsync/replica"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const repointConcurrency = 4

// repointOrigin marks background source rewrites. The undo controller does
// not track it, so re-pointing never becomes an undo step of its own.
type repointOrigin struct{}

type repointed struct {
	shape core.Shape
	from  string
}

func (b *Bridge) repoint(app core.PageEditor, shapes []core.Shape) {
	b.bg.Add(1)
	go func() {
		defer b.bg.Done()
		b.repointNow(context.Background(), app, shapes)
	}()
}

func (b *Bridge) repointNow(ctx context.Context, app core.PageEditor, shapes []core.Shape) {
	var (
		mu   sync.Mutex
		done []repointed
		g    errgroup.Group
	)
	g.SetLimit(repointConcurrency)
	for _, s := range shapes {
		g.Go(func() error {
			log := logrus.WithField("shape_id", s.ID)
			mime := s.MimeType()
			if mime == "" {
				mime = assets.DefaultMime(s.Type)
			}
			f, err := b.s.Blobs.Resolve(s.Src(), mime)
			if err != nil {
				log.WithError(err).Warn("Cannot read local media source")
				return nil
			}
			url, err := b.s.Pipeline.Upload(ctx, f)
			if err != nil {
				log.WithError(err).Warn("Upload failed, shape keeps its local source")
				return nil
			}
			mu.Lock()
			done = append(done, repointed{shape: s.WithSrc(url), from: s.Src()})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if len(done) == 0 {
		return
	}

	var patched []core.Shape
	b.s.Doc.Transact(repointOrigin{}, func(tx *replica.Transaction) {
		for _, r := range done {
			v, ok := tx.Get(b.s.Shapes, r.shape.ID)
			if !ok {
				continue
			}
			var cur core.Shape
			if err := v.Decode(&cur); err != nil || cur.Src() != r.from {
				// edited or deleted meanwhile
				continue
			}
			next := cur.WithSrc(r.shape.Src())
			if err := tx.Set(b.s.Shapes, r.shape.ID, next); err != nil {
				continue
			}
			patched = append(patched, next)
		}
	})
	if len(patched) == 0 {
		return
	}
	if app != nil {
		app.PatchCreate(patched)
	}
	logrus.WithField("count", len(patched)).Info("Media shapes re-pointed to durable sources")
}
