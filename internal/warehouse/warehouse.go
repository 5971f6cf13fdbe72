// Package warehouse is the staging-and-transform variant: raw song and log
// records are bulk-loaded into two staging tables, then five INSERT ... SELECT
// statements build the star schema inside the warehouse.
//
// Redshift and plain Postgres are both reached through pgx. Redshift stages
// with COPY from S3; Postgres (and local runs) stage by parsing local files and
// streaming them with the COPY protocol.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"sparkify/internal/metrics"
)

// Staging modes.
const (
	StagingS3Copy     = "s3_copy"
	StagingClientCopy = "client_copy"
)

// Options select the flavour, staging mode and data locations.
//
// With StagingS3Copy, LogData and SongData are s3:// prefixes and LogJSONPath
// is the jsonpaths file for events. With StagingClientCopy they are local
// directories and IAMRole, Region and LogJSONPath are unused.
type Options struct {
	Flavor      Flavor
	StagingMode string
	IAMRole     string
	Region      string
	LogData     string
	LogJSONPath string
	SongData    string
}

// Warehouse runs the staging-and-transform steps against Pool.
type Warehouse struct {
	Pool    *pgxpool.Pool
	Logger  *zap.Logger
	Options Options
}

func (w *Warehouse) log() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// DropTables drops the staging and star tables if they exist.
func (w *Warehouse) DropTables(ctx context.Context) error {
	for _, t := range Tables() {
		if _, err := w.Pool.Exec(ctx, buildDropSQL(t.Name)); err != nil {
			return fmt.Errorf("warehouse: drop %s: %w", t.Name, err)
		}
	}
	return nil
}

// CreateTables creates the staging and star tables that do not exist yet.
func (w *Warehouse) CreateTables(ctx context.Context) error {
	for _, t := range Tables() {
		sql, err := buildCreateSQL(t, w.Options.Flavor)
		if err != nil {
			return err
		}
		if _, err := w.Pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("warehouse: create %s: %w", t.Name, err)
		}
	}
	return nil
}

// ResetTables is the create-tables step: drop, then create.
func (w *Warehouse) ResetTables(ctx context.Context) error {
	if err := w.DropTables(ctx); err != nil {
		return err
	}
	return w.CreateTables(ctx)
}

// LoadStaging fills staging_events and staging_songs.
//
// Errors:
//   - An unknown staging mode, or s3_copy on a non-Redshift flavour.
//   - Any COPY, file or parse error; client_copy stages inside one
//     transaction, so staging tables stay empty on failure.
func (w *Warehouse) LoadStaging(ctx context.Context) error {
	log := w.log()

	switch w.Options.StagingMode {
	case StagingS3Copy:
		if w.Options.Flavor != Redshift {
			return errors.New("warehouse: s3_copy staging needs the redshift flavor")
		}
		stmts, err := stagingCopies(w.Options)
		if err != nil {
			return err
		}
		for i, sql := range stmts {
			start := time.Now()
			if _, err := w.Pool.Exec(ctx, sql); err != nil {
				return fmt.Errorf("warehouse: copy %d/%d: %w", i+1, len(stmts), err)
			}
			log.Info("copy ok", zap.Int("i", i+1), zap.Int("n", len(stmts)), zap.Duration("duration", durMS(start)))
		}
		return nil

	case StagingClientCopy:
		return pgx.BeginFunc(ctx, w.Pool, func(tx pgx.Tx) error {
			songFiles, songRows, err := stageLocalSongs(ctx, tx, w.Options.SongData)
			if err != nil {
				return fmt.Errorf("warehouse: stage songs: %w", err)
			}
			log.Info("staged", zap.String("table", TableStagingSongs), zap.Int("files", songFiles), zap.Int64("rows", songRows))
			metrics.AddFiles("song_data", songFiles)

			logFiles, eventRows, err := stageLocalEvents(ctx, tx, w.Options.LogData)
			if err != nil {
				return fmt.Errorf("warehouse: stage events: %w", err)
			}
			log.Info("staged", zap.String("table", TableStagingEvents), zap.Int("files", logFiles), zap.Int64("rows", eventRows))
			metrics.AddFiles("log_data", logFiles)
			return nil
		})

	default:
		return fmt.Errorf("warehouse: unknown staging mode %q", w.Options.StagingMode)
	}
}

// InsertTables runs the star transforms in one transaction.
func (w *Warehouse) InsertTables(ctx context.Context) error {
	log := w.log()
	return pgx.BeginFunc(ctx, w.Pool, func(tx pgx.Tx) error {
		for _, t := range Transforms() {
			start := time.Now()
			tag, err := tx.Exec(ctx, t.SQL)
			if err != nil {
				return fmt.Errorf("warehouse: insert %s: %w", t.Table, err)
			}
			metrics.AddRecords(t.Table, int(tag.RowsAffected()))
			log.Info("insert ok",
				zap.String("table", t.Table),
				zap.Int64("rows", tag.RowsAffected()),
				zap.Duration("duration", durMS(start)))
		}
		return nil
	})
}

// Run executes drop, create, stage and insert in order; the first failing
// step aborts the run.
func (w *Warehouse) Run(ctx context.Context) error {
	if w.Pool == nil {
		return errors.New("warehouse: Pool is required")
	}
	log := w.log()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"drop_tables", w.DropTables},
		{"create_tables", w.CreateTables},
		{"load_staging", w.LoadStaging},
		{"insert_tables", w.InsertTables},
	}
	for _, s := range steps {
		start := time.Now()
		done := metrics.Step(s.name)
		err := s.fn(ctx)
		done(err)
		if err != nil {
			return err
		}
		log.Info("stage ok", zap.String("stage", s.name), zap.Duration("duration", durMS(start)))
	}
	return nil
}
