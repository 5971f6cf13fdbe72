package datadog

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"sparkify/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func idleTicker(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) }

func newTestBackend(t *testing.T, sub *fakeSubmitter) *Backend {
	t.Helper()
	b := NewBackend(context.Background(), Options{
		JobName:   "test",
		Tags:      []string{"service:sparkify"},
		now:       func() time.Time { return time.Unix(1000, 0) },
		newTicker: idleTicker,
		submitter: sub,
	})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func seriesByMetric(p datadogV2.MetricPayload) map[string][]datadogV2.MetricSeries {
	out := make(map[string][]datadogV2.MetricSeries)
	for _, s := range p.Series {
		out[s.Metric] = append(out[s.Metric], s)
	}
	return out
}

func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestStepStatusKeyRoundTrip(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct{ step, status string }{
		{"create_tables", "ok"},
		{"", "ok"},
		{"load_logs", ""},
	} {
		step, status := splitStepStatusKey(stepStatusKey(tc.step, tc.status))
		if step != tc.step || status != tc.status {
			t.Fatalf("roundtrip got=(%q,%q), want=(%q,%q)", step, status, tc.step, tc.status)
		}
	}

	step, status := splitStepStatusKey("no-sep")
	if step != "no-sep" || status != "unknown" {
		t.Fatalf("splitStepStatusKey()=(%q,%q)", step, status)
	}
}

func TestWithTags_DoesNotAliasBase(t *testing.T) {
	t.Parallel()

	base := []string{"env:test", "job:sparkify"}
	got := withTags(base, "kind:songs")
	if !reflect.DeepEqual(got, []string{"env:test", "job:sparkify", "kind:songs"}) {
		t.Fatalf("withTags()=%v", got)
	}
	got[0] = "env:mutated"
	if base[0] != "env:test" {
		t.Fatalf("withTags output aliases base slice")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
			t.Fatalf("%s: percentileNearestRank(%v,%v)=%v, want %v", tc.name, tc.s, tc.p, got, tc.want)
		}
	}
}

func TestAddPercentiles_DoesNotMutateSamples(t *testing.T) {
	t.Parallel()

	orig := []float64{5, 1, 3, 2, 4}
	in := append([]float64(nil), orig...)

	var series []datadogV2.MetricSeries
	addPercentiles(&series, "sparkify.step.duration_seconds", in, []string{"step:load_songs"}, 999)

	if len(series) != 6 {
		t.Fatalf("series.len=%d, want 6", len(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples mutated: %v", in)
	}
	last := series[5]
	if last.Metric != "sparkify.step.duration_seconds.samples" || *last.Points[0].Value != 5 {
		t.Fatalf("samples gauge = %s %v", last.Metric, *last.Points[0].Value)
	}
	if *series[4].Points[0].Value != 5 {
		t.Fatalf("max gauge = %v, want 5", *series[4].Points[0].Value)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	t.Setenv("ENV", "test")

	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "load_songs", "status": "ok"})
	b.IncCounter(metrics.RecordsTotal, 71, metrics.Labels{"kind": "songs"})
	b.IncCounter(metrics.RecordsTotal, 3, metrics.Labels{"kind": "songs"})
	b.IncCounter(metrics.FilesTotal, 30, metrics.Labels{"dataset": "log_data"})
	b.ObserveHistogram(metrics.StepDuration, 0.5, metrics.Labels{"step": "load_songs", "status": "ok"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	p, ok := sub.last()
	if !ok {
		t.Fatalf("no payload submitted")
	}
	got := seriesByMetric(p)

	rec := got["sparkify.records.total"]
	if len(rec) != 1 || *rec[0].Points[0].Value != 74 {
		t.Fatalf("records series = %+v", rec)
	}
	if !reflect.DeepEqual(rec[0].Tags, []string{"env:test", "job:test", "service:sparkify", "kind:songs"}) {
		t.Fatalf("records tags = %v", rec[0].Tags)
	}
	if *rec[0].Points[0].Timestamp != 1000 {
		t.Fatalf("timestamp = %d", *rec[0].Points[0].Timestamp)
	}
	if files := got["sparkify.files.total"]; len(files) != 1 || *files[0].Points[0].Value != 30 {
		t.Fatalf("files series = %+v", files)
	}
	if steps := got["sparkify.step.total"]; len(steps) != 1 || *steps[0].Type != datadogV2.METRICINTAKETYPE_COUNT {
		t.Fatalf("step series = %+v", steps)
	}
	if p50 := got["sparkify.step.duration_seconds.p50"]; len(p50) != 1 || *p50[0].Type != datadogV2.METRICINTAKETYPE_GAUGE {
		t.Fatalf("p50 series = %+v", p50)
	}

	// Buffers were reset.
	if err := b.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if sub.count() != 1 {
		t.Fatalf("submissions = %d, want 1", sub.count())
	}
}

func TestFlush_ReturnsSubmitError(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{err: errors.New("403 forbidden")}
	b := newTestBackend(t, sub)

	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "users"})
	if err := b.Flush(); err == nil {
		t.Fatalf("Flush error = nil, want submit error")
	}
}

func TestIncCounterAndObserveHistogram_IgnoresInvalid(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.IncCounter(metrics.RecordsTotal, 0, metrics.Labels{"kind": "songs"})
	b.IncCounter(metrics.RecordsTotal, -1, metrics.Labels{"kind": "songs"})
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{})
	b.IncCounter("unknown_total", 1, nil)
	b.ObserveHistogram(metrics.StepDuration, -1, nil)
	b.ObserveHistogram("unknown_seconds", 1, nil)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if sub.count() != 0 {
		t.Fatalf("submissions = %d, want 0", sub.count())
	}
}

func TestLoopFlushesAndCloseIsRepeatable(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	b := NewBackend(context.Background(), Options{
		now:       func() time.Time { return time.Unix(2000, 0) },
		newTicker: func(time.Duration) *time.Ticker { return time.NewTicker(5 * time.Millisecond) },
		submitter: sub,
	})

	b.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"dataset": "song_data"})

	deadline := time.Now().Add(2 * time.Second)
	for sub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sub.count() == 0 {
		t.Fatalf("loop never flushed")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "songplays"})
				b.ObserveHistogram(metrics.StepDuration, 0.01, metrics.Labels{"step": "load_logs", "status": "ok"})
			}
		}()
	}
	wg.Wait()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	p, _ := sub.last()
	rec := seriesByMetric(p)["sparkify.records.total"]
	if len(rec) != 1 || *rec[0].Points[0].Value != 800 {
		t.Fatalf("records = %+v", rec)
	}
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	if got := ParseTagsCSV(""); got != nil {
		t.Fatalf("ParseTagsCSV(\"\")=%v, want nil", got)
	}
	got := ParseTagsCSV(" env:prod, ,service:sparkify ")
	if !reflect.DeepEqual(got, []string{"env:prod", "service:sparkify"}) {
		t.Fatalf("ParseTagsCSV()=%v", got)
	}
}
