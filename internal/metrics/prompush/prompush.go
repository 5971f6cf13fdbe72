// Package prompush implements a metrics.Backend that pushes to a Prometheus
// Pushgateway. Batch jobs end before a scrape would reach them, so the
// registry is pushed on Flush instead of being served on /metrics.
package prompush

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"sparkify/internal/metrics"
)

const defaultPushTimeout = 5 * time.Second

// Options configures the Pushgateway backend.
type Options struct {
	// Endpoint is the Pushgateway base URL, e.g. http://pushgateway:9091.
	Endpoint string
	// Job defaults to "sparkify".
	Job string
	// Grouping adds grouping-key labels such as run_id. Empty keys or values are skipped.
	Grouping map[string]string
	// Timeout bounds one push. Defaults to 5s.
	Timeout time.Duration
}

// Backend keeps a private registry and pushes it on Flush.
type Backend struct {
	registry *prometheus.Registry
	pusher   *push.Pusher
	timeout  time.Duration

	steps     *prometheus.CounterVec
	durations *prometheus.HistogramVec
	files     *prometheus.CounterVec
	records   *prometheus.CounterVec
}

// NewBackend validates opts and registers the pipeline collectors.
func NewBackend(opts Options) (*Backend, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("prompush: pushgateway endpoint is required")
	}
	job := strings.TrimSpace(opts.Job)
	if job == "" {
		job = "sparkify"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultPushTimeout
	}

	b := &Backend{
		registry: prometheus.NewRegistry(),
		timeout:  timeout,
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Pipeline steps finished, by step and status.",
		}, []string{"step", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.StepDuration,
			Help:    "Pipeline step wall time in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"step", "status"}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.FilesTotal,
			Help: "Input files processed, by dataset.",
		}, []string{"dataset"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RecordsTotal,
			Help: "Rows written, by target table.",
		}, []string{"kind"}),
	}
	b.registry.MustRegister(b.steps, b.durations, b.files, b.records)

	p := push.New(endpoint, job).Gatherer(b.registry)
	for k, v := range opts.Grouping {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		p = p.Grouping(k, v)
	}
	b.pusher = p
	return b, nil
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	switch name {
	case metrics.StepTotal:
		b.steps.WithLabelValues(labels["step"], labels["status"]).Add(delta)
	case metrics.FilesTotal:
		b.files.WithLabelValues(labels["dataset"]).Add(delta)
	case metrics.RecordsTotal:
		b.records.WithLabelValues(labels["kind"]).Add(delta)
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StepDuration || value < 0 {
		return
	}
	b.durations.WithLabelValues(labels["step"], labels["status"]).Observe(value)
}

// Flush replaces the job's metric group on the Pushgateway with the current
// registry contents. Counters are cumulative for the process.
func (b *Backend) Flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	return b.pusher.PushContext(ctx)
}

// Registry exposes the backing registry.
func (b *Backend) Registry() *prometheus.Registry { return b.registry }

var _ metrics.Backend = (*Backend)(nil)
