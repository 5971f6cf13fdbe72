// Package loader is the local relational variant: it walks the song and log
// trees, parses every file and writes the star schema through a
// storage.Repository, one transaction per file.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"sparkify/internal/discover"
	"sparkify/internal/metrics"
	"sparkify/internal/model"
	jsonparser "sparkify/internal/parser/json"
	"sparkify/internal/storage"
	"sparkify/internal/transformer"
)

// FileFunc processes one source file inside tx.
type FileFunc func(ctx context.Context, tx storage.Tx, path string) error

// Stats summarizes one ProcessData call.
type Stats struct {
	Files int
	Rows  map[string]int
}

func (s *Stats) add(table string, n int) {
	if s.Rows == nil {
		s.Rows = make(map[string]int)
	}
	s.Rows[table] += n
}

// Loader writes song and log files into Repo. It runs one ProcessData at a time.
type Loader struct {
	Repo   storage.Repository
	Logger *zap.Logger

	// stats collects row counts for the ProcessData call in flight.
	stats *Stats
}

// New returns a Loader. A nil logger discards output.
func New(repo storage.Repository, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{Repo: repo, Logger: logger}
}

func (l *Loader) log() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// ProcessData runs fn on every *.json file under root, each in its own
// transaction, and logs progress as it goes.
//
// Edge cases:
//   - Zero files is a successful no-op.
//   - Files committed before a failure stay committed.
//
// Errors:
//   - A missing or unreadable root aborts before any file is touched.
//   - The first fn or commit error aborts the run; that file's transaction rolls back.
func (l *Loader) ProcessData(ctx context.Context, root string, dataset string, fn FileFunc) (Stats, error) {
	if l.Repo == nil {
		return Stats{}, errors.New("loader: Repo is required")
	}
	log := l.log()

	files, err := discover.Files(root, ".json")
	if err != nil {
		return Stats{}, err
	}
	n := len(files)
	log.Info("files found", zap.Int("count", n), zap.String("root", root))

	stats := Stats{Rows: make(map[string]int)}
	l.stats = &stats
	defer func() { l.stats = nil }()

	for i, path := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := l.Repo.InTx(ctx, func(tx storage.Tx) error { return fn(ctx, tx, path) }); err != nil {
			return stats, fmt.Errorf("loader: %s: %w", path, err)
		}
		stats.Files++
		metrics.AddFiles(dataset, 1)
		log.Info("files processed", zap.Int("i", i+1), zap.Int("n", n))
	}
	return stats, nil
}

func (l *Loader) count(table string, n int) {
	if l.stats != nil {
		l.stats.add(table, n)
	}
	metrics.AddRecords(table, n)
}

// ProcessSongFile inserts the song and artist of one song document.
func (l *Loader) ProcessSongFile(ctx context.Context, tx storage.Tx, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rec, err := jsonparser.DecodeSong(f)
	if err != nil {
		return err
	}

	song, artist := transformer.SongAndArtist(rec)
	if err := tx.InsertSong(ctx, song); err != nil {
		return fmt.Errorf("insert song %s: %w", song.SongID, err)
	}
	l.count(storage.TableSongs, 1)
	if err := tx.InsertArtist(ctx, artist); err != nil {
		return fmt.Errorf("insert artist %s: %w", artist.ArtistID, err)
	}
	l.count(storage.TableArtists, 1)
	return nil
}

// ProcessLogFile inserts the time, users and songplays rows of one log file.
// Plays are resolved against the songs and artists already loaded, through tx.
func (l *Loader) ProcessLogFile(ctx context.Context, tx storage.Tx, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	events, err := jsonparser.ReadLogEvents(ctx, f)
	if err != nil {
		return err
	}

	rows, err := transformer.MapLogEvents(ctx, events, txMatcher(tx))
	if err != nil {
		return err
	}

	for _, ts := range rows.Time {
		if err := tx.InsertTime(ctx, ts); err != nil {
			return fmt.Errorf("insert time %s: %w", ts.StartTime.Format(time.RFC3339Nano), err)
		}
	}
	l.count(storage.TableTime, len(rows.Time))

	for _, u := range rows.Users {
		if err := tx.UpsertUser(ctx, u); err != nil {
			return fmt.Errorf("upsert user %s: %w", u.UserID, err)
		}
	}
	l.count(storage.TableUsers, len(rows.Users))

	for _, p := range rows.SongPlays {
		if err := tx.InsertSongPlay(ctx, p); err != nil {
			return fmt.Errorf("insert songplay user=%s ts=%s: %w", p.UserID, p.StartTime.Format(time.RFC3339Nano), err)
		}
	}
	l.count(storage.TableSongPlays, len(rows.SongPlays))
	return nil
}

func txMatcher(tx storage.Tx) transformer.Matcher {
	return transformer.MatcherFunc(func(ctx context.Context, title, artist string, length *float64) (*model.SongMatch, error) {
		if length == nil {
			return nil, nil
		}
		return tx.FindSong(ctx, title, artist, *length)
	})
}

// Run loads the song tree, then the log tree, and logs the final table sizes.
// Songs go first so plays can resolve against them.
func (l *Loader) Run(ctx context.Context, songRoot, logRoot string) error {
	log := l.log()

	steps := []struct {
		name    string
		dataset string
		root    string
		fn      FileFunc
	}{
		{"load_songs", "song_data", songRoot, l.ProcessSongFile},
		{"load_logs", "log_data", logRoot, l.ProcessLogFile},
	}
	for _, s := range steps {
		start := time.Now()
		done := metrics.Step(s.name)
		stats, err := l.ProcessData(ctx, s.root, s.dataset, s.fn)
		done(err)
		if err != nil {
			return err
		}
		log.Info("stage ok",
			zap.String("stage", s.name),
			zap.Int("files", stats.Files),
			zap.Any("rows", stats.Rows),
			zap.Duration("duration", durMS(start)))
	}

	for _, table := range storage.StarTableNames() {
		n, err := l.Repo.CountRows(ctx, table)
		if err != nil {
			return err
		}
		log.Info("table size", zap.String("table", table), zap.Int64("rows", n))
	}
	return nil
}
