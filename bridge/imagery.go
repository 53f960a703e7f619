package bridge

import (
	"context"
	"errors"
	"fmt"

	"drawsync/assets"
	"drawsync/core"
	"drawsync/replica"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

var ErrNotImage = errors.New("shape is not an image")

type ImageOptions struct {
	Name string
	Meta map[string]any
	// Size overrides the asset's probed dimensions.
	Size []float64
}

// InsertImage ingests f, waits until its asset record is committed, then
// creates an image shape centred in the viewport and selects it. The shape
// takes the style of the first selected shape, or the default.
func (b *Bridge) InsertImage(ctx context.Context, app core.PageEditor, f assets.File, opts ImageOptions) (core.Shape, error) {
	in, err := b.s.Pipeline.Create(ctx, "", f)
	if err != nil {
		return core.Shape{}, err
	}
	asset, err := in.Wait(ctx)
	if err != nil {
		return core.Shape{}, fmt.Errorf("ingest image: %w", err)
	}

	size := opts.Size
	if len(size) != 2 {
		size = []float64{asset.Size[0], asset.Size[1]}
	}
	vp := app.Viewport()

	style := core.DefaultStyle()
	if sel := app.PageState().SelectedIDs; len(sel) > 0 {
		if s, ok := app.GetShape(sel[0]); ok && s.Style != nil {
			style = *s.Style
		}
	}

	shape := core.Shape{
		ID:       ulid.Make().String(),
		Type:     core.ShapeImage,
		Name:     opts.Name,
		ParentID: app.CurrentPageID(),
		Point:    []float64{vp.Width/2 - size[0]/2, vp.Height/2 - size[1]/2},
		Size:     size,
		AssetID:  asset.ID,
		Style:    &style,
		Meta:     opts.Meta,
	}
	if shape.Name == "" {
		shape.Name = "Image"
	}

	b.s.Undo.StopCapturing()
	var setErr error
	b.s.Doc.Transact(nil, func(tx *replica.Transaction) {
		setErr = tx.Set(b.s.Shapes, shape.ID, shape)
	})
	if setErr != nil {
		return core.Shape{}, setErr
	}

	// present it now instead of waiting for the pull loop
	app.PatchCreate([]core.Shape{shape})
	app.Select(shape.ID)
	logrus.WithFields(logrus.Fields{
		"shape_id": shape.ID,
		"asset_id": asset.ID,
	}).Info("Image inserted")
	return shape, nil
}

// ReplaceImage points an existing image shape at a newly ingested file. The
// previous asset record is left in place.
func (b *Bridge) ReplaceImage(ctx context.Context, shapeID string, f assets.File, meta map[string]any) (core.Shape, error) {
	cur, err := b.shape(shapeID)
	if err != nil {
		return core.Shape{}, err
	}
	if cur.Type != core.ShapeImage {
		return core.Shape{}, ErrNotImage
	}

	in, err := b.s.Pipeline.Create(ctx, "", f)
	if err != nil {
		return core.Shape{}, err
	}
	asset, err := in.Wait(ctx)
	if err != nil {
		return core.Shape{}, fmt.Errorf("ingest image: %w", err)
	}

	var (
		next  core.Shape
		txErr error
	)
	b.s.Undo.StopCapturing()
	b.s.Doc.Transact(nil, func(tx *replica.Transaction) {
		v, ok := tx.Get(b.s.Shapes, shapeID)
		if !ok {
			txErr = fmt.Errorf("shape %s: %w", shapeID, core.ErrNotFound)
			return
		}
		if err := v.Decode(&next); err != nil {
			txErr = err
			return
		}
		next = next.WithDefaultStyle()
		next.AssetID = asset.ID
		if meta != nil {
			merged := make(map[string]any, len(next.Meta)+len(meta))
			for k, v := range next.Meta {
				merged[k] = v
			}
			for k, v := range meta {
				merged[k] = v
			}
			next.Meta = merged
		}
		txErr = tx.Set(b.s.Shapes, shapeID, next)
	})
	if txErr != nil {
		return core.Shape{}, txErr
	}
	logrus.WithFields(logrus.Fields{
		"shape_id":     shapeID,
		"asset_id":     asset.ID,
		"old_asset_id": cur.AssetID,
	}).Info("Image replaced")
	return next, nil
}

func (b *Bridge) shape(id string) (core.Shape, error) {
	v, ok := b.s.Shapes.Get(id)
	if !ok {
		return core.Shape{}, fmt.Errorf("shape %s: %w", id, core.ErrNotFound)
	}
	var s core.Shape
	if err := v.Decode(&s); err != nil {
		return core.Shape{}, fmt.Errorf("decode shape %s: %w", id, err)
	}
	return s, nil
}
