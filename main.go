package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"drawsync/handlers/api/assets"
	"drawsync/handlers/api/content"
	"drawsync/handlers/api/snapshots"
	"drawsync/handlers/websocket"
	"drawsync/metrics"
	"drawsync/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

func uploadLimiter() *rate.Limiter {
	raw := os.Getenv("UPLOAD_RATE_LIMIT")
	if raw == "" {
		return nil
	}
	perSecond, err := strconv.ParseFloat(raw, 64)
	if err != nil || perSecond <= 0 {
		logrus.WithField("value", raw).Warn("Ignoring invalid UPLOAD_RATE_LIMIT")
		return nil
	}
	burst := int(perSecond * 2)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func setupRouter(store stores.Store, hub *websocket.Hub, m *metrics.Metrics) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	corsOptions := cors.Options{
		AllowedOrigins: []string{"tauri://localhost"},
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if origin == "" {
				return false
			}

			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}

			switch parsed.Scheme {
			case "http", "https":
				switch parsed.Hostname() {
				case "localhost", "127.0.0.1", "[::1]":
					return true
				}
			case "tauri":
				return parsed.Hostname() == "localhost"
			}

			return false
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	r.Use(cors.Handler(corsOptions))

	r.Get("/ws/{roomId}", websocket.HandleSync(hub))

	r.Post("/upload", assets.HandleUpload(store, assets.Config{
		PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),
		Limiter:       uploadLimiter(),
		Metrics:       m,
	}))
	r.Get("/assets/{id}", assets.HandleGet(store))

	r.Get("/api/rooms", content.HandleListRooms(hub, store))
	r.Get("/api/rooms/{roomId}/content", content.HandleContent(hub))

	// Snapshot API routes - only available with SQLite store
	if snapshotStore, ok := store.(snapshots.SnapshotStore); ok {
		r.Route("/api/rooms/{roomId}/snapshots", func(r chi.Router) {
			r.Post("/", snapshots.HandleCreateSnapshot(snapshotStore, hub))
			r.Get("/", snapshots.HandleListSnapshots(snapshotStore))
			r.Get("/count", snapshots.HandleGetSnapshotCount(snapshotStore))
		})

		r.Route("/api/rooms/{roomId}/autosave", func(r chi.Router) {
			r.Put("/", snapshots.HandleAutosave(snapshotStore, hub))
		})

		r.Route("/api/rooms/{roomId}", func(r chi.Router) {
			r.Delete("/", snapshots.HandleDeleteRoom(snapshotStore, hub))
		})

		r.Route("/api/snapshots/{snapshotId}", func(r chi.Router) {
			r.Get("/", snapshots.HandleGetSnapshot(snapshotStore))
			r.Delete("/", snapshots.HandleDeleteSnapshot(snapshotStore))
			r.Put("/", snapshots.HandleUpdateSnapshot(snapshotStore))
			r.Post("/restore", snapshots.HandleRestoreSnapshot(snapshotStore, hub))
		})

		r.Route("/api/rooms/{roomId}/settings", func(r chi.Router) {
			r.Get("/", snapshots.HandleGetRoomSettings(snapshotStore))
			r.Put("/", snapshots.HandleUpdateRoomSettings(snapshotStore))
		})

		logrus.Info("Snapshot API routes registered")
	} else {
		logrus.Warn("Snapshot API not available - requires SQLite storage")
	}

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("Failed to load .env")
	}

	logLevel := flag.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", ":3002", "Set the server listen address")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	store := stores.GetStore()
	m := metrics.New(prometheus.DefaultRegisterer)
	hub := websocket.NewHub(store, m, websocket.WithRegistry(store))

	r := setupRouter(store, hub, m)
	ioo := websocket.SetupSocketIO(hub)
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	srv := &http.Server{Addr: *listenAddr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.WithField("addr", *listenAddr).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		ioo.Close(nil)
		err := srv.Shutdown(shutdownCtx)
		if saveErr := hub.Close(shutdownCtx); saveErr != nil {
			logrus.WithError(saveErr).Error("Failed to save rooms on shutdown")
		}
		if c, ok := store.(interface{ Close() error }); ok {
			if closeErr := c.Close(); closeErr != nil {
				logrus.WithError(closeErr).Warn("Failed to close store")
			}
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logrus.WithField("event", "shutdown").Fatal(err)
	}
}
