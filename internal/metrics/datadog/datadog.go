// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Metrics are buffered in memory and submitted on Flush. A background loop
// flushes every FlushEvery so long warehouse loads show up as a time series;
// Close stops the loop and performs one final flush.
//
// Flush swaps the buffered window out under the mutex, then submits it out of lock.
// A failed submission drops that window.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"sparkify/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "sparkify".
	JobName string

	// Tags are extra Datadog tags, e.g. "service:sparkify".
	Tags []string

	// FlushEvery defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the subset of *datadogV2.MetricsApi the backend calls.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// window buffers what was observed since the last flush.
type window struct {
	steps     map[string]float64 // step\x00status -> count
	records   map[string]float64 // table -> rows
	files     map[string]float64 // dataset -> files
	durations map[string][]float64
}

func newWindow() *window {
	return &window{
		steps:     make(map[string]float64),
		records:   make(map[string]float64),
		files:     make(map[string]float64),
		durations: make(map[string][]float64),
	}
}

func (w *window) empty() bool {
	return len(w.steps)+len(w.records)+len(w.files)+len(w.durations) == 0
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	baseTags []string
	now      func() time.Time

	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	cur *window
}

func resolveEnvTag() string {
	for _, key := range []string{"ENV", "DD_ENV"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return "env:" + v
		}
	}
	return "env:unknown"
}

func (b *Backend) run(t *time.Ticker) {
	defer close(b.stopped)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stop:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush.
// Calling Close more than once only flushes again.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.stopped
	})
	return b.Flush()
}

// NewBackend constructs a Datadog backend using the official client.
//
// When to use:
//   - Any pipeline command run with metrics.backend=datadog.
//
// Edge cases:
//   - The API key and site come from DD_API_KEY / DD_SITE via the client's
//     default context.
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
//
// Errors:
//   - Construction does not fail; network errors surface from Flush.
func NewBackend(parent context.Context, opts Options) *Backend {
	job := opts.JobName
	if job == "" {
		job = "sparkify"
	}
	every := opts.FlushEvery
	if every <= 0 {
		every = time.Minute
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	b := &Backend{
		api:      opts.submitter,
		ctx:      dd.NewDefaultContext(parent),
		baseTags: append([]string{resolveEnvTag(), "job:" + job}, opts.Tags...),
		now:      opts.now,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		cur:      newWindow(),
	}
	if b.api == nil {
		b.api = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}
	if b.now == nil {
		b.now = time.Now
	}

	go b.run(newTicker(every))
	return b
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.StepTotal:
		b.cur.steps[stepStatusKey(labels["step"], labels["status"])] += delta
	case metrics.RecordsTotal:
		if kind := labels["kind"]; kind != "" {
			b.cur.records[kind] += delta
		}
	case metrics.FilesTotal:
		if ds := labels["dataset"]; ds != "" {
			b.cur.files[ds] += delta
		}
	}
}

// ObserveHistogram implements metrics.Backend. Only step durations are kept.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 || name != metrics.StepDuration {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	k := stepStatusKey(labels["step"], labels["status"])
	b.cur.durations[k] = append(b.cur.durations[k], value)
}

// swap hands back the current window and starts a new one.
func (b *Backend) swap() *window {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.cur
	b.cur = newWindow()
	return w
}

// Flush submits the buffered window. Nothing is sent when the window is empty.
func (b *Backend) Flush() error {
	w := b.swap()
	if w.empty() {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(w, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries renders w as count and gauge series sorted by metric, then tags.
func (b *Backend) buildSeries(w *window, nowUnix int64) []datadogV2.MetricSeries {
	var series []datadogV2.MetricSeries
	count := func(metric string, v float64, tags ...string) {
		series = append(series, newSeries(datadogV2.METRICINTAKETYPE_COUNT, metric, v, withTags(b.baseTags, tags...), nowUnix))
	}

	for k, v := range w.steps {
		step, status := splitStepStatusKey(k)
		count("sparkify.step.total", v, "step:"+step, "status:"+status)
	}
	for kind, v := range w.records {
		count("sparkify.records.total", v, "kind:"+kind)
	}
	for ds, v := range w.files {
		count("sparkify.files.total", v, "dataset:"+ds)
	}
	for k, samples := range w.durations {
		step, status := splitStepStatusKey(k)
		addPercentiles(&series, "sparkify.step.duration_seconds", samples, withTags(b.baseTags, "step:"+step, "status:"+status), nowUnix)
	}

	sort.Slice(series, func(i, j int) bool {
		if series[i].Metric != series[j].Metric {
			return series[i].Metric < series[j].Metric
		}
		return strings.Join(series[i].Tags, ",") < strings.Join(series[j].Tags, ",")
	})
	return series
}

var quantiles = []struct {
	suffix string
	p      float64
}{
	{".p50", 0.50},
	{".p90", 0.90},
	{".p95", 0.95},
	{".p99", 0.99},
}

// addPercentiles appends the quantile, max and sample-count gauges for one
// step. samples is not mutated.
func addPercentiles(series *[]datadogV2.MetricSeries, prefix string, samples []float64, tags []string, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	gauge := func(suffix string, v float64) {
		*series = append(*series, newSeries(datadogV2.METRICINTAKETYPE_GAUGE, prefix+suffix, v, tags, nowUnix))
	}
	for _, q := range quantiles {
		gauge(q.suffix, percentileNearestRank(sorted, q.p))
	}
	gauge(".max", sorted[len(sorted)-1])
	gauge(".samples", float64(len(sorted)))
}

func newSeries(typ datadogV2.MetricIntakeType, metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)}},
		Tags:   tags,
	}
}

func stepStatusKey(step, status string) string {
	return step + "\x00" + status
}

func splitStepStatusKey(k string) (step, status string) {
	step, status, ok := strings.Cut(k, "\x00")
	if !ok {
		return k, "unknown"
	}
	return step, status
}

// withTags never aliases base.
func withTags(base []string, extras ...string) []string {
	return append(append(make([]string, 0, len(base)+len(extras)), base...), extras...)
}

// percentileNearestRank reads quantile p from the sorted slice s.
func percentileNearestRank(s []float64, p float64) float64 {
	switch {
	case len(s) == 0:
		return 0
	case p <= 0:
		return s[0]
	case p >= 1:
		return s[len(s)-1]
	}
	return s[min(int(p*float64(len(s)-1)+0.5), len(s)-1)]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:sparkify".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
