package config

import (
	"fmt"
	"net/url"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the dotted YAML key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// Target selects which variant's settings are checked.
type Target int

const (
	TargetRelational Target = iota
	TargetWarehouse
	TargetLake
)

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks the shared sections plus the sections the target needs.
// It never fails fast; callers print every issue and decide.
func Validate(p Pipeline, target Target) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	switch strings.ToLower(p.Log.Format) {
	case "", "json", "console":
	default:
		add(SeverityError, "log.format", "unknown format %q (want json or console)", p.Log.Format)
	}

	switch p.Metrics.Backend {
	case "", "none", "datadog":
	case "pushgateway":
		if _, err := url.ParseRequestURI(p.Metrics.PushgatewayURL); err != nil {
			add(SeverityError, "metrics.pushgateway_url", "invalid URL: %v", err)
		}
	default:
		add(SeverityWarning, "metrics.backend", "unknown backend %q; metrics disabled", p.Metrics.Backend)
	}

	switch target {
	case TargetRelational:
		validateRelational(p, add)
	case TargetWarehouse:
		validateWarehouse(p.Warehouse, add)
	case TargetLake:
		validateLake(p.Lake, add)
	}
	return issues
}

type addFunc func(sev Severity, path, format string, args ...any)

func validateRelational(p Pipeline, add addFunc) {
	if p.Source.SongData == "" {
		add(SeverityError, "source.song_data", "required")
	}
	if p.Source.LogData == "" {
		add(SeverityError, "source.log_data", "required")
	}

	s := p.Storage
	switch s.Kind {
	case "postgres", "mssql":
		if s.DSN == "" && s.Host == "" {
			add(SeverityError, "storage.host", "required when storage.dsn is empty")
		}
		if s.DSN == "" && s.Password == "" {
			add(SeverityWarning, "storage.password", "SPARKIFY_DB_PASSWORD is not set")
		}
	case "sqlite":
		if s.DSN == "" && s.Database == "" {
			add(SeverityError, "storage.database", "sqlite needs a database file or storage.dsn")
		}
	case "":
		add(SeverityError, "storage.kind", "required")
	default:
		add(SeverityError, "storage.kind", "unknown kind %q (want postgres, sqlite or mssql)", s.Kind)
	}
}

func validateWarehouse(w WarehouseConfig, add addFunc) {
	if w.DSN == "" && w.Host == "" {
		add(SeverityError, "warehouse.host", "required when warehouse.dsn is empty")
	}

	switch w.Flavor {
	case FlavorRedshift, FlavorPostgres:
	default:
		add(SeverityError, "warehouse.flavor", "unknown flavor %q (want redshift or postgres)", w.Flavor)
	}

	switch w.StagingMode {
	case StagingS3Copy:
		if w.Flavor == FlavorPostgres {
			add(SeverityError, "warehouse.staging_mode", "s3_copy needs the redshift flavor")
		}
		if w.IAMRole == "" {
			add(SeverityError, "warehouse.iam_role", "required for s3_copy")
		}
		for path, v := range map[string]string{
			"warehouse.log_data":     w.LogData,
			"warehouse.log_jsonpath": w.LogJSONPath,
			"warehouse.song_data":    w.SongData,
		} {
			if !IsS3(v) {
				add(SeverityError, path, "s3_copy needs an s3:// location, got %q", v)
			}
		}
	case StagingClientCopy:
		for path, v := range map[string]string{
			"warehouse.log_data":  w.LogData,
			"warehouse.song_data": w.SongData,
		} {
			if v == "" || IsS3(v) {
				add(SeverityError, path, "client_copy needs a local directory, got %q", v)
			}
		}
	default:
		add(SeverityError, "warehouse.staging_mode", "unknown mode %q (want s3_copy or client_copy)", w.StagingMode)
	}
}

func validateLake(l LakeConfig, add addFunc) {
	if l.Input == "" {
		add(SeverityError, "lake.input", "required")
	}
	if l.Output == "" {
		add(SeverityError, "lake.output", "required")
	}
	if l.Input != "" && l.Input == l.Output {
		add(SeverityError, "lake.output", "must differ from lake.input")
	}
	if (IsS3(l.Input) || IsS3(l.Output)) && l.Region == "" {
		add(SeverityError, "lake.region", "required for s3 locations")
	}
	if l.SongGlob == "" {
		add(SeverityError, "lake.song_glob", "required")
	}
	if l.LogGlob == "" {
		add(SeverityError, "lake.log_glob", "required")
	}
}
