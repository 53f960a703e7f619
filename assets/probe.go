package assets

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"drawsync/core"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultSize is used whenever the intrinsic dimensions cannot be read.
var DefaultSize = [2]float64{800, 600}

const DefaultProbeTimeout = 3 * time.Second

// ProbeSize reads the pixel dimensions of an image. Video, undecodable data
// and decodes that outlast the timeout all yield DefaultSize.
func ProbeSize(ctx context.Context, f File, timeout time.Duration) [2]float64 {
	if f.AssetType() != core.AssetImage {
		return DefaultSize
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan [2]float64, 1)
	go func() {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(f.Data))
		if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
			result <- DefaultSize
			return
		}
		result <- [2]float64{float64(cfg.Width), float64(cfg.Height)}
	}()

	select {
	case size := <-result:
		return size
	case <-ctx.Done():
		return DefaultSize
	}
}
