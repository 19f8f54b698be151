// Package monitoring 提供指标采集与实时推送
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels shared by the counters below.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

var (
	// PredictionsTotal counts inference calls by outcome.
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "croprec_predictions_total",
			Help: "Total number of crop predictions by outcome",
		},
		[]string{"outcome"},
	)

	// PredictionDuration tracks end-to-end inference latency.
	PredictionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "croprec_prediction_duration_seconds",
			Help:    "Duration of crop predictions in seconds",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	// PredictionCacheTotal counts result cache lookups.
	PredictionCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "croprec_prediction_cache_total",
			Help: "Prediction cache lookups by result",
		},
		[]string{"result"},
	)

	// TrainingRunsTotal counts training pipeline runs by outcome.
	TrainingRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "croprec_training_runs_total",
			Help: "Training pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	// ArtifactReloadsTotal counts predictor rebuilds after artifact changes.
	ArtifactReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "croprec_artifact_reloads_total",
			Help: "Artifact reloads by outcome",
		},
		[]string{"outcome"},
	)

	// SensorReadingsTotal counts serial lines by parse status.
	SensorReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "croprec_sensor_readings_total",
			Help: "Serial sensor lines by status",
		},
		[]string{"status"},
	)

	// SerialConnected is 1 while the serial port is open.
	SerialConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "croprec_serial_connected",
			Help: "Whether the sensor serial port is currently open",
		},
	)

	// RecorderFlushesTotal counts batched reading writes.
	RecorderFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "croprec_recorder_flushes_total",
			Help: "Sensor reading batch flushes by outcome",
		},
		[]string{"outcome"},
	)

	// WebsocketClients is the number of connected live-stream clients.
	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "croprec_websocket_clients",
			Help: "Connected websocket clients",
		},
	)

	// HTTPRequestsTotal counts requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "croprec_http_requests_total",
			Help: "HTTP requests by method, route and status code",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks handler latency by route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "croprec_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// RecordPrediction 记录一次推理
func RecordPrediction(outcome string, d time.Duration) {
	PredictionsTotal.WithLabelValues(outcome).Inc()
	PredictionDuration.Observe(d.Seconds())
}

// RecordCacheLookup 记录缓存命中情况
func RecordCacheLookup(hit bool) {
	if hit {
		PredictionCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	PredictionCacheTotal.WithLabelValues("miss").Inc()
}
