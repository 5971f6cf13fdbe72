// Package config loads the pipeline configuration.
//
// Values come from a YAML file with environment variable overrides
// (cleanenv). Secrets are never read from the file: database passwords and
// AWS credentials come from the environment only. A .env file next to the
// working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Pipeline is the root configuration value passed to every entry point.
type Pipeline struct {
	// Job names the run in logs and metric tags.
	Job string `yaml:"job" env:"SPARKIFY_JOB" env-default:"sparkify"`

	Log       LogConfig       `yaml:"log"`
	Source    SourceConfig    `yaml:"source"`
	Storage   StorageConfig   `yaml:"storage"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Lake      LakeConfig      `yaml:"lake"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"SPARKIFY_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"SPARKIFY_LOG_FORMAT" env-default:"json"`
}

// SourceConfig locates the local song and log datasets.
type SourceConfig struct {
	SongData string `yaml:"song_data" env:"SPARKIFY_SONG_DATA" env-default:"data/song_data"`
	LogData  string `yaml:"log_data" env:"SPARKIFY_LOG_DATA" env-default:"data/log_data"`
}

// StorageConfig selects the relational backend of the local loader.
// DSN wins over the individual connection fields when set.
type StorageConfig struct {
	Kind     string `yaml:"kind" env:"SPARKIFY_DB_KIND" env-default:"postgres"`
	DSN      string `yaml:"dsn" env:"SPARKIFY_DB_DSN"`
	Host     string `yaml:"host" env:"SPARKIFY_DB_HOST" env-default:"127.0.0.1"`
	Port     int    `yaml:"port" env:"SPARKIFY_DB_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"SPARKIFY_DB_USER" env-default:"student"`
	Password string `yaml:"-" env:"SPARKIFY_DB_PASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"SPARKIFY_DB_NAME" env-default:"sparkifydb"`
	SSLMode  string `yaml:"ssl_mode" env:"SPARKIFY_DB_SSLMODE" env-default:"disable"`
}

// Staging modes of the warehouse variant.
const (
	StagingS3Copy     = "s3_copy"
	StagingClientCopy = "client_copy"
)

// Warehouse flavours.
const (
	FlavorRedshift = "redshift"
	FlavorPostgres = "postgres"
)

// WarehouseConfig drives the staging-and-transform variant.
type WarehouseConfig struct {
	DSN      string `yaml:"dsn" env:"DWH_DSN"`
	Host     string `yaml:"host" env:"DWH_HOST"`
	Port     int    `yaml:"port" env:"DWH_PORT" env-default:"5439"`
	User     string `yaml:"user" env:"DWH_DB_USER" env-default:"dwhuser"`
	Password string `yaml:"-" env:"DWH_DB_PASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"DWH_DB" env-default:"dwh"`

	Flavor      string `yaml:"flavor" env:"DWH_FLAVOR" env-default:"redshift"`
	StagingMode string `yaml:"staging_mode" env:"DWH_STAGING_MODE" env-default:"s3_copy"`

	// s3_copy inputs.
	IAMRole     string `yaml:"iam_role" env:"DWH_IAM_ROLE_ARN"`
	Region      string `yaml:"region" env:"DWH_REGION" env-default:"us-west-2"`
	LogData     string `yaml:"log_data" env:"DWH_LOG_DATA" env-default:"s3://udacity-dend/log_data"`
	LogJSONPath string `yaml:"log_jsonpath" env:"DWH_LOG_JSONPATH" env-default:"s3://udacity-dend/log_json_path.json"`
	SongData    string `yaml:"song_data" env:"DWH_SONG_DATA" env-default:"s3://udacity-dend/song_data"`
}

// LakeConfig drives the columnar variant. Input and Output are local
// directories or s3:// (s3a://) URLs.
type LakeConfig struct {
	Input    string `yaml:"input" env:"LAKE_INPUT" env-default:"s3a://udacity-dend/"`
	Output   string `yaml:"output" env:"LAKE_OUTPUT"`
	Region   string `yaml:"region" env:"LAKE_REGION" env-default:"us-west-2"`
	SongGlob string `yaml:"song_glob" env:"LAKE_SONG_GLOB" env-default:"song_data/*/*/*/*.json"`
	LogGlob  string `yaml:"log_glob" env:"LAKE_LOG_GLOB" env-default:"log_data/*/*/*.json"`
}

type MetricsConfig struct {
	// Backend is one of none, datadog, pushgateway.
	Backend        string        `yaml:"backend" env:"METRICS_BACKEND" env-default:"none"`
	PushgatewayURL string        `yaml:"pushgateway_url" env:"PUSHGATEWAY_URL" env-default:"http://localhost:9091"`
	Tags           string        `yaml:"tags" env:"METRICS_TAGS"`
	FlushEvery     time.Duration `yaml:"flush_every" env:"METRICS_FLUSH_EVERY" env-default:"60s"`
}

// Load reads the YAML file at path with environment overrides. An empty path
// reads the environment only. A .env file in the working directory is loaded
// first; variables already set in the process win over it.
func Load(path string) (*Pipeline, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	p := &Pipeline{}
	if path == "" {
		if err := cleanenv.ReadEnv(p); err != nil {
			return nil, fmt.Errorf("config: read env: %w", err)
		}
		return p, nil
	}
	if err := cleanenv.ReadConfig(path, p); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return p, nil
}

// ConnString returns the connection string for the configured backend.
// An explicit DSN is returned after ${VAR} expansion.
func (s StorageConfig) ConnString() string {
	if s.DSN != "" {
		return os.ExpandEnv(s.DSN)
	}
	switch s.Kind {
	case "sqlite":
		return s.Database
	case "mssql":
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(s.User, s.Password),
			Host:     s.Host + ":" + strconv.Itoa(s.Port),
			RawQuery: url.Values{"database": {s.Database}}.Encode(),
		}
		return u.String()
	default:
		return postgresURL(s.Host, s.Port, s.User, s.Password, s.Database, s.SSLMode)
	}
}

// ConnString returns the warehouse connection string.
func (w WarehouseConfig) ConnString() string {
	if w.DSN != "" {
		return os.ExpandEnv(w.DSN)
	}
	sslmode := "require"
	if w.Flavor == FlavorPostgres {
		sslmode = "disable"
	}
	return postgresURL(w.Host, w.Port, w.User, w.Password, w.Database, sslmode)
}

func postgresURL(host string, port int, user, password, database, sslmode string) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   host + ":" + strconv.Itoa(port),
		Path:   "/" + database,
	}
	if password != "" {
		u.User = url.UserPassword(user, password)
	} else if user != "" {
		u.User = url.User(user)
	}
	if sslmode != "" {
		u.RawQuery = url.Values{"sslmode": {sslmode}}.Encode()
	}
	return u.String()
}

// IsS3 reports whether loc names an S3 location (s3:// or s3a://).
func IsS3(loc string) bool {
	l := strings.ToLower(loc)
	return strings.HasPrefix(l, "s3://") || strings.HasPrefix(l, "s3a://")
}
