package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"sparkify/internal/model"
	"sparkify/internal/storage"
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// SQL Server has no ON CONFLICT clause, so the conflict policy is emulated:
//   - do_nothing: IF NOT EXISTS (SELECT 1 ... WHERE <keys>) INSERT ...
//   - update:     MERGE ... WITH (HOLDLOCK) ... WHEN MATCHED THEN UPDATE
//
// Placeholders are positional @pN; the key columns reuse the placeholder of the
// same column in the VALUES list.
type Repo struct {
	db    *sql.DB
	stmts map[string]string
}

func init() {
	storage.Register("mssql", NewRepo)
}

// NewRepo opens cfg.DSN with the "sqlserver" driver and validates connectivity
// via PingContext.
func NewRepo(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
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

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *Repo) ResetTables(ctx context.Context, tables []storage.TableSpec) error {
	for i := len(tables) - 1; i >= 0; i-- {
		if _, err := r.db.ExecContext(ctx, buildDropSQL(tables[i].Name)); err != nil {
			return fmt.Errorf("mssql: drop table %s: %w", tables[i].Name, err)
		}
	}
	return r.EnsureTables(ctx, tables)
}

func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		q, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (r *Repo) InTx(ctx context.Context, fn func(storage.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mssql: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&mssqlTx{tx: tx, stmts: r.stmts}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mssql: commit: %w", err)
	}
	return nil
}

func (r *Repo) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT_BIG(*) FROM "+mssqlTableIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("mssql: count %s: %w", table, err)
	}
	return n, nil
}

type mssqlTx struct {
	tx    *sql.Tx
	stmts map[string]string
}

func (t *mssqlTx) insert(ctx context.Context, table string, args []any) error {
	if _, err := t.tx.ExecContext(ctx, t.stmts[table], args...); err != nil {
		return fmt.Errorf("mssql: insert into %s: %w", table, err)
	}
	return nil
}

func (t *mssqlTx) InsertSong(ctx context.Context, s model.Song) error {
	return t.insert(ctx, storage.TableSongs, storage.SongArgs(s))
}

func (t *mssqlTx) InsertArtist(ctx context.Context, a model.Artist) error {
	return t.insert(ctx, storage.TableArtists, storage.ArtistArgs(a))
}

func (t *mssqlTx) UpsertUser(ctx context.Context, u model.User) error {
	return t.insert(ctx, storage.TableUsers, storage.UserArgs(u))
}

func (t *mssqlTx) InsertTime(ctx context.Context, ts model.TimeSlot) error {
	return t.insert(ctx, storage.TableTime, storage.TimeArgs(ts))
}

func (t *mssqlTx) InsertSongPlay(ctx context.Context, p model.SongPlay) error {
	return t.insert(ctx, storage.TableSongPlays, storage.SongPlayArgs(p))
}

// ROUND on DECIMAL rounds half away from zero; on FLOAT it would not be exact.
const findSongSQL = `SELECT TOP 1 s.[song_id], s.[artist_id]
FROM [songs] s
JOIN [artists] a ON a.[artist_id] = s.[artist_id]
WHERE s.[title] = @p1
  AND a.[name] = @p2
  AND ROUND(CAST(s.[duration] AS DECIMAL(18,5)), 0) = ROUND(CAST(@p3 AS DECIMAL(18,5)), 0)
ORDER BY s.[song_id]`

func (t *mssqlTx) FindSong(ctx context.Context, title, artist string, length float64) (*model.SongMatch, error) {
	var m model.SongMatch
	err := t.tx.QueryRowContext(ctx, findSongSQL, title, artist, length).Scan(&m.SongID, &m.ArtistID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mssql: find song: %w", err)
	}
	return &m, nil
}

// buildCreateSQL wraps CREATE TABLE in an OBJECT_ID guard so EnsureTables is
// idempotent.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	keyed := keyColumnSet(t)
	parts := make([]string, 0, len(t.Columns)+len(t.Constraints))
	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c, keyed[c.Name])
		if err != nil {
			return "", fmt.Errorf("mssql: table %s: %w", t.Name, err)
		}
		parts = append(parts, def)
	}

	for _, con := range t.Constraints {
		switch strings.ToLower(con.Kind) {
		case "primary_key":
			parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", joinIdents(con.Columns)))
		case "unique":
			parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdents(con.Columns)))
		default:
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
	}

	return wrapCreateIfMissing(t.Name, strings.Join(parts, ", ")), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

func buildDropSQL(tableName string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
	)
}

// mssqlColumnDef builds a SQL Server column definition.
//
// Text columns that take part in a key are NVARCHAR(256) because index keys are
// limited to 900 bytes; other text columns are NVARCHAR(MAX).
func mssqlColumnDef(c storage.ColumnSpec, keyed bool) (string, error) {
	var typ string
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case storage.TypeText:
		typ = "NVARCHAR(MAX)"
		if keyed {
			typ = "NVARCHAR(256)"
		}
	case storage.TypeInt:
		typ = "INT"
	case storage.TypeBigInt:
		typ = "BIGINT"
	case storage.TypeDouble:
		typ = "FLOAT"
	case storage.TypeTimestamp:
		typ = "DATETIME2(3)"
	default:
		return "", fmt.Errorf("column %s: unsupported type %q", c.Name, c.Type)
	}

	nullable := false
	if c.Nullable != nil {
		nullable = *c.Nullable
	}
	if nullable {
		return fmt.Sprintf("%s %s NULL", mssqlIdent(c.Name), typ), nil
	}
	return fmt.Sprintf("%s %s NOT NULL", mssqlIdent(c.Name), typ), nil
}

// keyColumnSet returns the columns named by any constraint or conflict target.
func keyColumnSet(t storage.TableSpec) map[string]bool {
	out := make(map[string]bool)
	for _, con := range t.Constraints {
		for _, c := range con.Columns {
			out[c] = true
		}
	}
	if cf := t.Load.Conflict; cf != nil {
		for _, c := range cf.TargetColumns {
			out[c] = true
		}
	}
	return out
}

// buildInsertSQL renders the single-row insert for t with the table's conflict
// policy applied.
func buildInsertSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	cols := t.ColumnNames()
	pos := make(map[string]int, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		pos[c] = i + 1
		params[i] = fmt.Sprintf("@p%d", i+1)
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		mssqlTableIdent(t.Name), joinIdents(cols), strings.Join(params, ", "))

	cf := t.Load.Conflict
	if cf == nil {
		return insert + ";", nil
	}

	for _, k := range cf.TargetColumns {
		if _, ok := pos[k]; !ok {
			return "", fmt.Errorf("mssql: table %s: conflict column %q not in insert columns", t.Name, k)
		}
	}

	if cf.Action == storage.ActionDoNothing {
		where := make([]string, len(cf.TargetColumns))
		for i, k := range cf.TargetColumns {
			where[i] = fmt.Sprintf("%s = @p%d", mssqlIdent(k), pos[k])
		}
		return fmt.Sprintf("IF NOT EXISTS (SELECT 1 FROM %s WITH (UPDLOCK, HOLDLOCK) WHERE %s) %s;",
			mssqlTableIdent(t.Name), strings.Join(where, " AND "), insert), nil
	}

	src := make([]string, len(cols))
	for i, c := range cols {
		src[i] = fmt.Sprintf("@p%d AS %s", i+1, mssqlIdent(c))
	}
	on := make([]string, len(cf.TargetColumns))
	for i, k := range cf.TargetColumns {
		on[i] = fmt.Sprintf("tgt.%s = src.%s", mssqlIdent(k), mssqlIdent(k))
	}
	sets := make([]string, len(cf.UpdateColumns))
	for i, c := range cf.UpdateColumns {
		sets[i] = fmt.Sprintf("tgt.%s = src.%s", mssqlIdent(c), mssqlIdent(c))
	}
	vals := make([]string, len(cols))
	for i, c := range cols {
		vals[i] = "src." + mssqlIdent(c)
	}

	return fmt.Sprintf(
		"MERGE %s WITH (HOLDLOCK) AS tgt USING (SELECT %s) AS src ON %s"+
			" WHEN MATCHED THEN UPDATE SET %s"+
			" WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		mssqlTableIdent(t.Name), strings.Join(src, ", "), strings.Join(on, " AND "),
		strings.Join(sets, ", "),
		joinIdents(cols), strings.Join(vals, ", "),
	), nil
}

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.songs" -> [dbo].[songs]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}
