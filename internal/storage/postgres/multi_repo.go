package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sparkify/internal/model"
	"sparkify/internal/storage"
)

/*
Repo implements storage.Repository for Postgres.

It provides:
  - DDL for the star schema (drop + create, or create-if-missing)
  - Row inserts with ON CONFLICT DO NOTHING, and ON CONFLICT DO UPDATE for users
  - The song lookup used to resolve the songplays foreign keys

Insert statements are rendered once from storage.StarSchema when the repo opens.
*/
type Repo struct {
	pool  *pgxpool.Pool
	stmts map[string]string
}

// NewRepo opens a pgx pool for cfg.DSN and verifies connectivity.
func NewRepo(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	stmts, err := buildInsertStatements(storage.StarSchema())
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool, stmts: stmts}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// ResetTables drops and recreates tables. Drops run in reverse order.
func (r *Repo) ResetTables(ctx context.Context, tables []storage.TableSpec) error {
	for i := len(tables) - 1; i >= 0; i-- {
		if _, err := r.pool.Exec(ctx, buildDropSQL(tables[i].Name)); err != nil {
			return fmt.Errorf("postgres: drop table %s: %w", tables[i].Name, err)
		}
	}
	return r.EnsureTables(ctx, tables)
}

// EnsureTables creates tables that do not exist yet. This method is idempotent.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("postgres: create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, baseSQL); err != nil {
			return fmt.Errorf("postgres: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// InTx runs fn in a single transaction and commits only if fn succeeds.
func (r *Repo) InTx(ctx context.Context, fn func(storage.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx, stmts: r.stmts}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (r *Repo) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+pgTableIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count %s: %w", table, err)
	}
	return n, nil
}

// pgTx is the storage.Tx handed to InTx callbacks.
type pgTx struct {
	tx    pgx.Tx
	stmts map[string]string
}

func (t *pgTx) insert(ctx context.Context, table string, args []any) error {
	if _, err := t.tx.Exec(ctx, t.stmts[table], args...); err != nil {
		return fmt.Errorf("postgres: insert into %s: %w", table, err)
	}
	return nil
}

func (t *pgTx) InsertSong(ctx context.Context, s model.Song) error {
	return t.insert(ctx, storage.TableSongs, storage.SongArgs(s))
}

func (t *pgTx) InsertArtist(ctx context.Context, a model.Artist) error {
	return t.insert(ctx, storage.TableArtists, storage.ArtistArgs(a))
}

func (t *pgTx) UpsertUser(ctx context.Context, u model.User) error {
	return t.insert(ctx, storage.TableUsers, storage.UserArgs(u))
}

func (t *pgTx) InsertTime(ctx context.Context, ts model.TimeSlot) error {
	return t.insert(ctx, storage.TableTime, storage.TimeArgs(ts))
}

func (t *pgTx) InsertSongPlay(ctx context.Context, p model.SongPlay) error {
	return t.insert(ctx, storage.TableSongPlays, storage.SongPlayArgs(p))
}

// findSongSQL compares ROUND on numeric, which rounds half away from zero
// (ROUND on double precision would round half to even).
const findSongSQL = `SELECT s.song_id, s.artist_id
FROM songs s
JOIN artists a ON a.artist_id = s.artist_id
WHERE s.title = $1
  AND a.name = $2
  AND ROUND(s.duration::numeric) = ROUND($3::numeric)
ORDER BY s.song_id
LIMIT 1`

func (t *pgTx) FindSong(ctx context.Context, title, artist string, length float64) (*model.SongMatch, error) {
	var m model.SongMatch
	err := t.tx.QueryRow(ctx, findSongSQL, title, artist, length).Scan(&m.SongID, &m.ArtistID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find song: %w", err)
	}
	return &m, nil
}

// buildInsertStatements renders one INSERT per table, keyed by table name.
func buildInsertStatements(tables []storage.TableSpec) (map[string]string, error) {
	out := make(map[string]string, len(tables))
	for _, t := range tables {
		sql, err := buildInsertSQL(t)
		if err != nil {
			return nil, err
		}
		out[t.Name] = sql
	}
	return out, nil
}

// buildInsertSQL constructs a single-row INSERT for Postgres.
//
// It is pure and deterministic, so ON CONFLICT rendering and placeholder
// numbering are unit tested without a database.
//
// Conflict handling:
//   - Action do_nothing: ON CONFLICT (<targets>) DO NOTHING
//   - Action update:     ON CONFLICT (<targets>) DO UPDATE SET c = EXCLUDED.c, ...
func buildInsertSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(t.Name))
	b.WriteString(" (")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c.Name))
	}
	b.WriteString(") VALUES (")
	for i := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("$%d", i+1))
	}
	b.WriteString(")")

	if cf := t.Load.Conflict; cf != nil {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdents(cf.TargetColumns))
		b.WriteString(")")
		switch cf.Action {
		case storage.ActionDoNothing:
			b.WriteString(" DO NOTHING")
		case storage.ActionUpdate:
			b.WriteString(" DO UPDATE SET ")
			for i, c := range cf.UpdateColumns {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(pgIdent(c))
				b.WriteString(" = EXCLUDED.")
				b.WriteString(pgIdent(c))
			}
		}
	}
	return b.String(), nil
}

// buildColumnDef renders a single column definition.
//
// Nullable semantics:
//   - nullable == nil  => NOT NULL
//   - nullable == true => NULL (no NOT NULL clause)
//   - nullable == false=> NOT NULL
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	typ, err := pgType(c.Type)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", c.Name, err)
	}

	var b strings.Builder
	b.WriteString(pgIdent(strings.TrimSpace(c.Name)))
	b.WriteString(" ")
	b.WriteString(typ)

	nullable := false
	if c.Nullable != nil {
		nullable = *c.Nullable
	}
	if !nullable {
		b.WriteString(" NOT NULL")
	}
	return b.String(), nil
}

// pgType maps a logical column type onto Postgres DDL.
func pgType(logical string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case storage.TypeText:
		return "text", nil
	case storage.TypeInt:
		return "integer", nil
	case storage.TypeBigInt:
		return "bigint", nil
	case storage.TypeDouble:
		return "double precision", nil
	case storage.TypeTimestamp:
		return "timestamptz", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", logical)
	}
}

// buildConstraints generates table-level PRIMARY KEY and UNIQUE constraints.
func buildConstraints(t storage.TableSpec) ([]string, error) {
	out := make([]string, 0, len(t.Constraints))
	for _, c := range t.Constraints {
		switch strings.ToLower(strings.TrimSpace(c.Kind)) {
		case "primary_key":
			out = append(out, "PRIMARY KEY ("+joinIdents(c.Columns)+")")
		case "unique":
			out = append(out, "UNIQUE ("+joinIdents(c.Columns)+")")
		default:
			return nil, fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
	}
	return out, nil
}

// buildCreateSQL builds DDL for one table.
//
// Outputs:
//   - schemaSQL: optional CREATE SCHEMA statement when t.Name is schema-qualified.
//   - baseSQL:   CREATE TABLE IF NOT EXISTS for the table.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	if err := t.Validate(); err != nil {
		return "", "", err
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Constraints))
	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		defs = append(defs, def)
	}
	constraints, err := buildConstraints(t)
	if err != nil {
		return "", "", err
	}
	defs = append(defs, constraints...)

	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`,
		pgTableIdent(t.Name), strings.Join(defs, ", "))
	return schemaSQL, baseSQL, nil
}

func buildDropSQL(table string) string {
	return fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, pgTableIdent(table))
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "public.songs" => ("public", "songs")
//   - "songs"        => ("", "songs")
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// pgIdent quotes an identifier. Quoting is unconditional: "time" and "year"
// are keywords.
func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func pgTableIdent(name string) string {
	if schema, table := splitQualifiedName(name); schema != "" {
		return pgIdent(schema) + "." + pgIdent(table)
	}
	return pgIdent(strings.TrimSpace(name))
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return strings.Join(out, ", ")
}
