package main

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"sparkify/internal/config"
	"sparkify/internal/metrics"
	"sparkify/internal/metrics/datadog"
	"sparkify/internal/metrics/prompush"
)

type closingBackend interface {
	metrics.Backend
	Close() error
}

// Test seams.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) closingBackend {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(opts prompush.Options) (metrics.Backend, error) {
		return prompush.NewBackend(opts)
	}
	setMetricsBackend = metrics.SetBackend
)

// initMetrics installs the configured backend. The returned cleanup is never
// nil; it flushes (pushgateway) or closes (datadog) the backend and restores
// the nop backend.
//
// An unknown backend name disables metrics with a warning. A pushgateway that
// cannot be set up is an error.
func initMetrics(ctx context.Context, cfg config.MetricsConfig, job, runID string, log *zap.Logger) (func(), error) {
	if log == nil {
		log = zap.NewNop()
	}
	if job == "" {
		job = "sparkify"
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Backend))

	switch name {
	case "", "none", "noop":
		log.Debug("metrics disabled", zap.String("backend", name))
		return func() {}, nil

	case "pushgateway":
		b, err := newPushBackend(prompush.Options{
			Endpoint: cfg.PushgatewayURL,
			Job:      job,
			Grouping: map[string]string{"run_id": runID},
		})
		if err != nil {
			return func() {}, err
		}
		log.Info("metrics enabled", zap.String("backend", name), zap.String("url", cfg.PushgatewayURL))
		setMetricsBackend(b)
		return func() {
			if err := b.Flush(); err != nil {
				log.Warn("metrics: push error", zap.Error(err))
			}
			setMetricsBackend(nil)
		}, nil

	case "datadog", "dd":
		tags := datadog.ParseTagsCSV(cfg.Tags)
		b := newDatadogBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       tags,
			FlushEvery: cfg.FlushEvery,
		})
		log.Info("metrics enabled", zap.String("backend", name), zap.Strings("tags", tags))
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				log.Warn("metrics: datadog close error", zap.Error(err))
			}
			setMetricsBackend(nil)
		}, nil

	default:
		log.Warn("metrics: unknown backend; metrics disabled", zap.String("backend", cfg.Backend))
		return func() {}, nil
	}
}
