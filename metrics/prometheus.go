// Package metrics exports pool and upload activity to Prometheus and Redis.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ledgersink/archive"
	"ledgersink/types"
)

const namespace = "ledgersink"

// Metrics holds all collectors. It is a workerpool.Observer and an archive.UploadObserver.
type Metrics struct {
	// Counters
	JobsTotal        *prometheus.CounterVec
	RecordsWritten   *prometheus.CounterVec
	BytesWritten     *prometheus.CounterVec
	ValidationsTotal *prometheus.CounterVec
	UploadsTotal     *prometheus.CounterVec
	UploadBytes      prometheus.Counter

	// Histograms
	JobDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Dispatch attempts by pool and outcome",
		},
		[]string{"pool", "outcome"},
	)
	m.RecordsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Records written by completed jobs",
		},
		[]string{"pool", "record_kind"},
	)
	m.BytesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Bytes written by completed jobs",
		},
		[]string{"pool"},
	)
	m.ValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Post-write validations by result",
		},
		[]string{"record_kind", "result"},
	)
	m.UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploads by outcome",
		},
		[]string{"outcome"},
	)
	m.UploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes uploaded and verified",
		},
	)
	m.JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job execution time",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"pool"},
	)

	m.registry.MustRegister(
		m.JobsTotal,
		m.RecordsWritten,
		m.BytesWritten,
		m.ValidationsTotal,
		m.UploadsTotal,
		m.UploadBytes,
		m.JobDuration,
	)
	return m
}

// JobFinished records one dispatch attempt.
func (m *Metrics) JobFinished(pool string, job *types.Job, res *types.Result, err error, elapsed time.Duration) {
	outcome := "completed"
	switch {
	case errors.Is(err, types.ErrWorkerCrashed):
		outcome = "crashed"
	case err != nil:
		outcome = "failed"
	}
	m.JobsTotal.WithLabelValues(pool, outcome).Inc()
	m.JobDuration.WithLabelValues(pool).Observe(elapsed.Seconds())

	if res == nil {
		return
	}
	if err == nil {
		m.RecordsWritten.WithLabelValues(pool, string(job.RecordKind)).Add(float64(res.RecordCount))
		m.BytesWritten.WithLabelValues(pool).Add(float64(res.BytesWritten))
	}
	if res.Validation != nil {
		result := "passed"
		if !res.Validation.Valid {
			result = "failed"
		}
		m.ValidationsTotal.WithLabelValues(string(job.RecordKind), result).Inc()
	}
}

// UploadFinished records one upload.
func (m *Metrics) UploadFinished(ctx context.Context, req archive.UploadRequest, res *archive.UploadResult) {
	switch {
	case res.OK && req.Recovery:
		m.UploadsTotal.WithLabelValues("recovered").Inc()
	case res.OK:
		m.UploadsTotal.WithLabelValues("ok").Inc()
	case req.Recovery:
		m.UploadsTotal.WithLabelValues("retry_failed").Inc()
	default:
		m.UploadsTotal.WithLabelValues("dead_lettered").Inc()
	}
	if res.OK {
		m.UploadBytes.Add(float64(res.Bytes))
	}
}

// Registry exposes the registry for gathering in tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
