package assets

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"drawsync/core"

	"github.com/oklog/ulid/v2"
)

// ErrUnresolvable is returned for sources that cannot be turned back into
// bytes: unknown blob handles, malformed data URIs, remote URLs.
var ErrUnresolvable = errors.New("unresolvable source")

const blobScheme = "blob:"

// BlobRegistry hands out process-local "blob:" handles for files that have
// not been made durable yet.
type BlobRegistry struct {
	mu    sync.RWMutex
	blobs map[string]File
}

func NewBlobRegistry() *BlobRegistry {
	return &BlobRegistry{blobs: make(map[string]File)}
}

// Register stores the file and returns its handle.
func (r *BlobRegistry) Register(f File) string {
	handle := blobScheme + ulid.Make().String()
	r.mu.Lock()
	r.blobs[handle] = f
	r.mu.Unlock()
	return handle
}

func (r *BlobRegistry) Lookup(handle string) (File, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.blobs[handle]
	return f, ok
}

func (r *BlobRegistry) Revoke(handle string) {
	r.mu.Lock()
	delete(r.blobs, handle)
	r.mu.Unlock()
}

// Resolve turns a local source (data URI or blob handle) back into a file.
// fallbackMime is used when neither the source nor the data declares a type.
func (r *BlobRegistry) Resolve(src, fallbackMime string) (File, error) {
	switch {
	case strings.HasPrefix(src, "data:"):
		f, err := DecodeDataURI(src)
		if err != nil {
			return File{}, fmt.Errorf("%w: %v", ErrUnresolvable, err)
		}
		if f.ContentType == "" || f.ContentType == "application/octet-stream" {
			f.ContentType = fallbackMime
		}
		return f, nil
	case strings.HasPrefix(src, blobScheme):
		f, ok := r.Lookup(src)
		if !ok {
			return File{}, fmt.Errorf("%w: unknown blob %s", ErrUnresolvable, src)
		}
		if f.ContentType == "" {
			f.ContentType = fallbackMime
		}
		return f, nil
	default:
		return File{}, fmt.Errorf("%w: %q", ErrUnresolvable, truncate(src, 32))
	}
}

// DefaultMime is the type assumed for a media shape that does not declare one.
func DefaultMime(t core.ShapeType) string {
	if t == core.ShapeVideo {
		return "video/mp4"
	}
	return "image/png"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
