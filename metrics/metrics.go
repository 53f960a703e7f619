// Package metrics holds the Prometheus collectors of the relay server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "drawsync"

type Metrics struct {
	PeersActive   *prometheus.GaugeVec
	RoomsActive   prometheus.Gauge
	FramesTotal   *prometheus.CounterVec
	RoomSaves     *prometheus.CounterVec
	UploadsTotal  *prometheus.CounterVec
	UploadedBytes prometheus.Histogram
}

// New registers every collector with reg. Use prometheus.DefaultRegisterer in
// the server and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PeersActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "peers_active",
				Help:      "Connected peers by transport",
			},
			[]string{"transport"},
		),
		RoomsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "rooms_active",
				Help:      "Rooms with at least one connected peer",
			},
		),
		FramesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "frames_total",
				Help:      "Relay frames by type and direction",
			},
			[]string{"type", "direction"},
		),
		RoomSaves: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "room_saves_total",
				Help:      "Room document saves by status",
			},
			[]string{"status"},
		),
		UploadsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "assets",
				Name:      "uploads_total",
				Help:      "Asset uploads by status",
			},
			[]string{"status"},
		),
		UploadedBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "assets",
				Name:      "upload_bytes",
				Help:      "Size of accepted asset uploads",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),
	}
}

// Status maps an error to the status label used by the counters.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
