// Package metrics is the seam between the pipeline and a metrics system.
//
// Pipeline code calls the package-level helpers (IncCounter, ObserveHistogram,
// Step). A process installs a concrete Backend once at startup with SetBackend;
// until then every call is a no-op.
//
// Metric names used by the pipeline:
//
//	etl_step_total{step,status}             counter
//	etl_step_duration_seconds{step,status}  histogram
//	etl_files_total{dataset}                counter
//	etl_records_total{kind}                 counter, kind is the target table
package metrics

import (
	"sync"
	"time"
)

const (
	StepTotal    = "etl_step_total"
	StepDuration = "etl_step_duration_seconds"
	FilesTotal   = "etl_files_total"
	RecordsTotal = "etl_records_total"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric updates. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the no-op.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush pushes buffered metrics of the installed backend.
func Flush() error { return current().Flush() }

// AddRecords counts n rows written to table.
func AddRecords(table string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": table})
}

// AddFiles counts n processed input files of dataset (song_data, log_data).
func AddFiles(dataset string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(FilesTotal, float64(n), Labels{"dataset": dataset})
}

// Step times one pipeline step. Call the returned func exactly once with the
// step's error:
//
//	done := metrics.Step("load_songs")
//	err := load()
//	done(err)
func Step(name string) func(err error) {
	start := time.Now()
	return func(err error) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		l := Labels{"step": name, "status": status}
		IncCounter(StepTotal, 1, l)
		ObserveHistogram(StepDuration, time.Since(start).Seconds(), l)
	}
}
