package assets

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"drawsync/core"
	"drawsync/metrics"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const MaxUploadSize = 50 << 20

type (
	UploadResponse struct {
		URL string `json:"url"`
	}

	Config struct {
		// PublicBaseURL prefixes returned asset URLs. Empty means derive it from
		// the request.
		PublicBaseURL string
		// Limiter throttles uploads across all clients. Nil disables it.
		Limiter *rate.Limiter
		Metrics *metrics.Metrics
	}
)

// HandleUpload accepts a multipart form with a "file" field and answers
// {"url": ...} pointing at GET /assets/{id}.
func HandleUpload(store core.AssetStore, cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "error"
		defer func() {
			if cfg.Metrics != nil {
				cfg.Metrics.UploadsTotal.WithLabelValues(status).Inc()
			}
		}()

		if cfg.Limiter != nil && !cfg.Limiter.Allow() {
			status = "throttled"
			http.Error(w, "Too many uploads", http.StatusTooManyRequests)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
		file, header, err := r.FormFile("file")
		if err != nil {
			logrus.WithError(err).Warn("Upload without file field")
			http.Error(w, "Missing file field", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "Failed to read file", http.StatusBadRequest)
			return
		}
		if len(data) == 0 {
			http.Error(w, "Empty file", http.StatusBadRequest)
			return
		}

		contentType := header.Header.Get("Content-Type")
		if contentType == "" || contentType == "application/octet-stream" {
			contentType = mimetype.Detect(data).String()
		}

		id, err := store.PutAsset(r.Context(), &core.Blob{
			FileName:    header.Filename,
			ContentType: contentType,
			Data:        data,
		})
		if err != nil {
			logrus.WithError(err).Error("Failed to store asset")
			http.Error(w, "Failed to store asset", http.StatusInternalServerError)
			return
		}

		status = "ok"
		if cfg.Metrics != nil {
			cfg.Metrics.UploadedBytes.Observe(float64(len(data)))
		}
		logrus.WithFields(logrus.Fields{
			"asset_id":     id,
			"content_type": contentType,
			"data_length":  len(data),
		}).Info("Asset uploaded")

		render.JSON(w, r, UploadResponse{URL: baseURL(r, cfg.PublicBaseURL) + "/assets/" + id})
	}
}

// HandleGet serves a stored asset.
func HandleGet(store core.AssetStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		blob, err := store.GetAsset(r.Context(), id)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				http.Error(w, "Asset not found", http.StatusNotFound)
				return
			}
			logrus.WithError(err).WithField("asset_id", id).Error("Failed to get asset")
			http.Error(w, "Failed to get asset", http.StatusInternalServerError)
			return
		}

		contentType := blob.ContentType
		if contentType == "" {
			contentType = mimetype.Detect(blob.Data).String()
		}
		w.Header().Set("Content-Type", contentType)
		// assets are never mutated in place
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		if _, err := w.Write(blob.Data); err != nil {
			logrus.WithError(err).WithField("asset_id", id).Debug("Failed to write asset")
		}
	}
}

func baseURL(r *http.Request, configured string) string {
	if configured != "" {
		return strings.TrimSuffix(configured, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
