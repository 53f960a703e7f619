package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"
)

// ErrUploadFailed wraps every reason an upload did not yield a durable URL.
var ErrUploadFailed = errors.New("upload failed")

// Uploader stores a file remotely and returns its durable URL.
type Uploader interface {
	Upload(ctx context.Context, f File) (string, error)
}

// HTTPUploader posts files to an asset endpoint as a single multipart form
// with the binary under the "file" field. The endpoint answers {"url": ...}.
type HTTPUploader struct {
	URL    string
	Client *http.Client
}

func NewHTTPUploader(url string) *HTTPUploader {
	return &HTTPUploader{
		URL:    url,
		Client: &http.Client{Timeout: 60 * time.Second},
	}
}

type uploadResponse struct {
	URL string `json:"url"`
}

func (u *HTTPUploader) Upload(ctx context.Context, f File) (string, error) {
	if u.URL == "" {
		return "", fmt.Errorf("%w: no upload endpoint configured", ErrUploadFailed)
	}

	name := f.Name
	if name == "" {
		name = "file"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(name)))
	h.Set("Content-Type", f.MimeType())
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, &body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: status %d", ErrUploadFailed, resp.StatusCode)
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUploadFailed, err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("%w: empty url in response", ErrUploadFailed)
	}
	return out.URL, nil
}

func escapeQuotes(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
