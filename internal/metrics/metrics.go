package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	UploadAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploader_attempts_total",
			Help: "Total number of upload attempts by terminal result",
		},
		[]string{"result"},
	)
	StageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploader_stage_transitions_total",
			Help: "Total number of pipeline stage transitions by target stage",
		},
		[]string{"stage"},
	)
	BytesUploaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uploader_bytes_uploaded_total",
			Help: "Total number of bytes streamed to upload destinations",
		},
	)
	TransportDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uploader_transport_duration_seconds",
			Help:    "Duration of direct uploads by outcome",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"outcome"},
	)
	ScheduleAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploader_schedule_attempts_total",
			Help: "Total number of schedule-job calls by outcome",
		},
		[]string{"outcome"},
	)
	ChannelEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploader_channel_events_total",
			Help: "Total number of realtime channel events received by kind",
		},
		[]string{"kind"},
	)
	ChannelReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uploader_channel_reconnects_total",
			Help: "Total number of realtime channel reconnect attempts",
		},
	)
	WatchedFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploader_watched_files_total",
			Help: "Total number of files picked up by the folder watcher by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(UploadAttempts)
	prometheus.MustRegister(StageTransitions)
	prometheus.MustRegister(BytesUploaded)
	prometheus.MustRegister(TransportDuration)
	prometheus.MustRegister(ScheduleAttempts)
	prometheus.MustRegister(ChannelEvents)
	prometheus.MustRegister(ChannelReconnects)
	prometheus.MustRegister(WatchedFiles)
}
