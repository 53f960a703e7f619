package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"drawsync/core"
	"drawsync/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/time/rate"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type mockAssetStore struct {
	mu     sync.Mutex
	blobs  map[string]core.Blob
	putErr error
}

func newMockStore() *mockAssetStore {
	return &mockAssetStore{blobs: make(map[string]core.Blob)}
}

func (m *mockAssetStore) PutAsset(ctx context.Context, blob *core.Blob) (string, error) {
	if m.putErr != nil {
		return "", m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("asset-%d", len(m.blobs))
	m.blobs[id] = *blob
	return id, nil
}

func (m *mockAssetStore) GetAsset(ctx context.Context, id string) (*core.Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.blobs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &blob, nil
}

func multipartBody(t *testing.T, field, name string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, name)
	if err != nil {
		t.Fatalf("CreateFormFile() failed: %v", err)
	}
	fw.Write(data)
	mw.Close()
	return &body, mw.FormDataContentType()
}

func TestHandleUpload_Success(t *testing.T) {
	store := newMockStore()
	m := metrics.New(prometheus.NewRegistry())
	handler := HandleUpload(store, Config{PublicBaseURL: "https://cdn.example/", Metrics: m})

	body, contentType := multipartBody(t, "file", "pic.png", pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}
	var response UploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.URL != "https://cdn.example/assets/asset-0" {
		t.Errorf("URL mismatch: got %q", response.URL)
	}

	blob := store.blobs["asset-0"]
	if blob.ContentType != "image/png" || blob.FileName != "pic.png" {
		t.Errorf("Unexpected stored blob %+v", blob)
	}
	if got := testutil.ToFloat64(m.UploadsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("uploads_total{ok} = %v, want 1", got)
	}
}

func TestHandleUpload_DerivesBaseURL(t *testing.T) {
	handler := HandleUpload(newMockStore(), Config{})

	body, contentType := multipartBody(t, "file", "pic.png", pngHeader)
	req := httptest.NewRequest(http.MethodPost, "http://relay.local:3002/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()

	handler(rec, req)

	var response UploadResponse
	json.NewDecoder(rec.Body).Decode(&response)
	if response.URL != "https://relay.local:3002/assets/asset-0" {
		t.Errorf("URL mismatch: got %q", response.URL)
	}
}

func TestHandleUpload_MissingFile(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	handler := HandleUpload(newMockStore(), Config{Metrics: m})

	body, contentType := multipartBody(t, "image", "pic.png", pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if got := testutil.ToFloat64(m.UploadsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("uploads_total{error} = %v, want 1", got)
	}
}

func TestHandleUpload_EmptyFile(t *testing.T) {
	handler := HandleUpload(newMockStore(), Config{})

	body, contentType := multipartBody(t, "file", "empty.png", nil)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleUpload_StoreError(t *testing.T) {
	store := newMockStore()
	store.putErr = fmt.Errorf("disk full")
	handler := HandleUpload(store, Config{})

	body, contentType := multipartBody(t, "file", "pic.png", pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestHandleUpload_RateLimited(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	handler := HandleUpload(newMockStore(), Config{Limiter: rate.NewLimiter(rate.Limit(0), 1), Metrics: m})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		body, contentType := multipartBody(t, "file", "pic.png", pngHeader)
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		handler(rec, req)
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("Status codes = %v, want [200 429]", codes)
	}
	if got := testutil.ToFloat64(m.UploadsTotal.WithLabelValues("throttled")); got != 1 {
		t.Errorf("uploads_total{throttled} = %v, want 1", got)
	}
}

func TestHandleGet(t *testing.T) {
	store := newMockStore()
	store.blobs["a1"] = core.Blob{ID: "a1", ContentType: "image/png", Data: pngHeader}
	store.blobs["a2"] = core.Blob{ID: "a2", Data: pngHeader}

	r := chi.NewRouter()
	r.Get("/assets/{id}", HandleGet(store))

	tests := []struct {
		id       string
		wantCode int
		wantType string
	}{
		{"a1", http.StatusOK, "image/png"},
		{"a2", http.StatusOK, "image/png"},
		{"missing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assets/"+tt.id, http.NoBody))

			if rec.Code != tt.wantCode {
				t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantType != "" && !strings.HasPrefix(rec.Header().Get("Content-Type"), tt.wantType) {
				t.Errorf("Content-Type = %q, want %q", rec.Header().Get("Content-Type"), tt.wantType)
			}
			if tt.wantCode == http.StatusOK && !bytes.Equal(rec.Body.Bytes(), pngHeader) {
				t.Error("Body mismatch")
			}
		})
	}
}
