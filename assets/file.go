// Package assets turns local files into durable asset records without
// blocking the editor on the network.
package assets

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"drawsync/core"

	"github.com/gabriel-vasile/mimetype"
)

var ErrInvalidDataURI = errors.New("invalid data uri")

// File is a locally originated binary: an upload, a drop, a paste or a
// rendered image.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// MimeType returns the declared content type, sniffing the data when none
// was given.
func (f File) MimeType() string {
	if f.ContentType != "" {
		return f.ContentType
	}
	return mimetype.Detect(f.Data).String()
}

// AssetType maps the file's mime type to the asset kind it becomes.
func (f File) AssetType() core.AssetType {
	if strings.HasPrefix(f.MimeType(), "video/") {
		return core.AssetVideo
	}
	return core.AssetImage
}

// EncodeDataURI embeds the file as a base64 data URI.
func EncodeDataURI(f File) string {
	mime := f.MimeType()
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// DecodeDataURI extracts the binary and media type of a data URI. Both base64
// and percent-encoded payloads are accepted.
func DecodeDataURI(uri string) (File, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return File{}, ErrInvalidDataURI
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return File{}, ErrInvalidDataURI
	}

	isBase64 := false
	if m, found := strings.CutSuffix(meta, ";base64"); found {
		meta, isBase64 = m, true
	}

	var data []byte
	if isBase64 {
		b, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return File{}, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
		}
		data = b
	} else {
		s, err := url.PathUnescape(payload)
		if err != nil {
			return File{}, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
		}
		data = []byte(s)
	}

	mime, _, _ := strings.Cut(meta, ";")
	f := File{ContentType: mime, Data: data}
	if f.ContentType == "" {
		f.ContentType = mimetype.Detect(data).String()
	}
	return f, nil
}
