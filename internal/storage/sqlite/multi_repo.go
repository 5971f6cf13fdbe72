package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sparkify/internal/model"
	"sparkify/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native timestamp type. Timestamps are stored as RFC3339Nano
//     TEXT in UTC, which sorts and compares correctly for the primary keys.
//   - The pool is capped at one connection so ":memory:" databases survive
//     across statements and transactions serialize.
//   - Upserts use ON CONFLICT (...) DO UPDATE, available since SQLite 3.24.
type Repo struct {
	db    *sql.DB
	stmts map[string]string
}

func init() {
	storage.Register("sqlite", NewRepo)
}

func NewRepo(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	stmts := make(map[string]string)
	for _, t := range storage.StarSchema() {
		q, err := buildInsertSQL(t)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		stmts[t.Name] = q
	}
	return &Repo{db: db, stmts: stmts}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) ResetTables(ctx context.Context, tables []storage.TableSpec) error {
	for i := len(tables) - 1; i >= 0; i-- {
		q := fmt.Sprintf("DROP TABLE IF EXISTS %s;", sqlIdent(tables[i].Name))
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: drop table %s: %w", tables[i].Name, err)
		}
	}
	return r.EnsureTables(ctx, tables)
}

// EnsureTables creates missing tables. This method is idempotent.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		q, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (r *Repo) InTx(ctx context.Context, fn func(storage.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteTx{tx: tx, stmts: r.stmts}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (r *Repo) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqlIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count %s: %w", table, err)
	}
	return n, nil
}

type sqliteTx struct {
	tx    *sql.Tx
	stmts map[string]string
}

func (t *sqliteTx) insert(ctx context.Context, table string, args []any) error {
	args = storage.ConvertArgs(args, func(ts time.Time) any { return formatSQLiteTime(ts) })
	if _, err := t.tx.ExecContext(ctx, t.stmts[table], args...); err != nil {
		return fmt.Errorf("sqlite: insert into %s: %w", table, err)
	}
	return nil
}

func (t *sqliteTx) InsertSong(ctx context.Context, s model.Song) error {
	return t.insert(ctx, storage.TableSongs, storage.SongArgs(s))
}

func (t *sqliteTx) InsertArtist(ctx context.Context, a model.Artist) error {
	return t.insert(ctx, storage.TableArtists, storage.ArtistArgs(a))
}

func (t *sqliteTx) UpsertUser(ctx context.Context, u model.User) error {
	return t.insert(ctx, storage.TableUsers, storage.UserArgs(u))
}

func (t *sqliteTx) InsertTime(ctx context.Context, ts model.TimeSlot) error {
	return t.insert(ctx, storage.TableTime, storage.TimeArgs(ts))
}

func (t *sqliteTx) InsertSongPlay(ctx context.Context, p model.SongPlay) error {
	return t.insert(ctx, storage.TableSongPlays, storage.SongPlayArgs(p))
}

// SQLite's round() rounds half away from zero.
const findSongSQL = `SELECT s.song_id, s.artist_id
FROM songs s
JOIN artists a ON a.artist_id = s.artist_id
WHERE s.title = ?
  AND a.name = ?
  AND ROUND(s.duration) = ROUND(?)
ORDER BY s.song_id
LIMIT 1`

func (t *sqliteTx) FindSong(ctx context.Context, title, artist string, length float64) (*model.SongMatch, error) {
	var m model.SongMatch
	err := t.tx.QueryRowContext(ctx, findSongSQL, title, artist, length).Scan(&m.SongID, &m.ArtistID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find song: %w", err)
	}
	return &m, nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// sqliteType maps a logical column type onto a SQLite type affinity.
func sqliteType(logical string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case storage.TypeText, storage.TypeTimestamp:
		return "TEXT", nil
	case storage.TypeInt, storage.TypeBigInt:
		return "INTEGER", nil
	case storage.TypeDouble:
		return "REAL", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", logical)
	}
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	var parts []string
	for _, c := range t.Columns {
		typ, err := sqliteType(c.Type)
		if err != nil {
			return "", fmt.Errorf("sqlite: table %s column %s: %w", t.Name, c.Name, err)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), typ)
		nullable := false
		if c.Nullable != nil {
			nullable = *c.Nullable
		}
		if !nullable {
			col += " NOT NULL"
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		switch con.Kind {
		case "primary_key":
			parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", joinIdents(con.Columns)))
		case "unique":
			parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdents(con.Columns)))
		default:
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}

// buildInsertSQL renders a single-row insert with ? placeholders.
//
// Conflict handling mirrors Postgres: DO NOTHING, or DO UPDATE SET c = excluded.c.
func buildInsertSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	ph := strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)), ", ")
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", sqlIdent(t.Name), joinIdents(t.ColumnNames()), ph)

	cf := t.Load.Conflict
	if cf == nil {
		return q, nil
	}
	q += fmt.Sprintf(" ON CONFLICT (%s)", joinIdents(cf.TargetColumns))
	if cf.Action == storage.ActionDoNothing {
		return q + " DO NOTHING", nil
	}

	sets := make([]string, len(cf.UpdateColumns))
	for i, c := range cf.UpdateColumns {
		sets[i] = fmt.Sprintf("%s = excluded.%s", sqlIdent(c), sqlIdent(c))
	}
	return q + " DO UPDATE SET " + strings.Join(sets, ", "), nil
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
// We store timestamps as TEXT for reliable scanning/parsing with modernc.org/sqlite.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
