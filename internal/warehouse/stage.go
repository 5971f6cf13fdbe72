package warehouse

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"

	"sparkify/internal/discover"
	"sparkify/internal/model"
	jsonparser "sparkify/internal/parser/json"
)

// copyBatchSize bounds the rows buffered before one CopyFrom round trip.
const copyBatchSize = 5000

// copier is the CopyFrom surface shared by pgx.Tx, *pgx.Conn and *pgxpool.Pool.
type copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// batchCopier buffers rows for one table and flushes them with CopyFrom.
type batchCopier struct {
	dst     copier
	table   string
	columns []string
	rows    [][]any
	total   int64
}

func newBatchCopier(dst copier, table string, columns []string) *batchCopier {
	return &batchCopier{dst: dst, table: table, columns: columns, rows: make([][]any, 0, copyBatchSize)}
}

func (b *batchCopier) add(ctx context.Context, row []any) error {
	b.rows = append(b.rows, row)
	if len(b.rows) >= copyBatchSize {
		return b.flush(ctx)
	}
	return nil
}

func (b *batchCopier) flush(ctx context.Context) error {
	if len(b.rows) == 0 {
		return nil
	}
	n, err := b.dst.CopyFrom(ctx, pgx.Identifier{b.table}, b.columns, pgx.CopyFromRows(b.rows))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", b.table, err)
	}
	b.total += n
	b.rows = b.rows[:0]
	return nil
}

func stagingEventRow(e model.LogEvent) []any {
	return []any{
		e.Artist, e.Auth, e.FirstName, e.Gender, e.ItemInSession, e.LastName,
		e.Length, e.Level, e.Location, e.Method, e.Page, e.Registration,
		e.SessionID, e.Song, e.Status, e.StartTime(), e.UserAgent, e.UserID,
	}
}

func stagingSongRow(s model.SongRecord) []any {
	return []any{
		s.NumSongs, s.ArtistID, s.ArtistLatitude, s.ArtistLongitude, s.ArtistLocation,
		s.ArtistName, s.SongID, s.Title, s.Duration, s.Year,
	}
}

// stageLocalSongs copies every song document under root into staging_songs.
func stageLocalSongs(ctx context.Context, dst copier, root string) (files int, rows int64, err error) {
	paths, err := discover.Files(root, ".json")
	if err != nil {
		return 0, 0, err
	}
	bc := newBatchCopier(dst, TableStagingSongs, specNames(StagingSongsColumns))
	for _, p := range paths {
		rec, err := decodeSongFile(p)
		if err != nil {
			return files, bc.total, err
		}
		if err := bc.add(ctx, stagingSongRow(rec)); err != nil {
			return files, bc.total, err
		}
		files++
	}
	if err := bc.flush(ctx); err != nil {
		return files, bc.total, err
	}
	return files, bc.total, nil
}

func decodeSongFile(path string) (model.SongRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.SongRecord{}, err
	}
	defer f.Close()
	rec, err := jsonparser.DecodeSong(f)
	if err != nil {
		return model.SongRecord{}, fmt.Errorf("%s: %w", path, err)
	}
	return rec, nil
}

// stageLocalEvents copies every log line under root into staging_events.
// All pages are staged; the transforms filter song plays.
func stageLocalEvents(ctx context.Context, dst copier, root string) (files int, rows int64, err error) {
	paths, err := discover.Files(root, ".json")
	if err != nil {
		return 0, 0, err
	}
	bc := newBatchCopier(dst, TableStagingEvents, specNames(StagingEventsColumns))
	for _, p := range paths {
		if err := streamEventFile(ctx, p, func(e model.LogEvent) error {
			return bc.add(ctx, stagingEventRow(e))
		}); err != nil {
			return files, bc.total, err
		}
		files++
	}
	if err := bc.flush(ctx); err != nil {
		return files, bc.total, err
	}
	return files, bc.total, nil
}

func streamEventFile(ctx context.Context, path string, fn func(model.LogEvent) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := jsonparser.StreamLogEvents(ctx, f, fn); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
