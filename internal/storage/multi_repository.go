package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"sparkify/internal/model"
)

// ErrUnknownKind is returned by New when no backend is registered for Config.Kind.
var ErrUnknownKind = errors.New("storage: unknown kind")

// Config is the minimal configuration needed to open a star-schema repository.
//
// When to use:
//   - Build a Config from the pipeline configuration and pass it to New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is a backend-agnostic sink for the star schema.
//
// Each backend implements the conflict policy of the schema in its own idiom
// (Postgres and SQLite ON CONFLICT, SQL Server IF NOT EXISTS / MERGE).
type Repository interface {
	// Close releases backend resources. Call once at process shutdown.
	Close()

	// ResetTables drops every table in tables (if present) and creates it again.
	// This is the create-tables step that precedes a full reload.
	ResetTables(ctx context.Context, tables []TableSpec) error

	// EnsureTables creates missing tables and leaves existing ones untouched.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// InTx runs fn inside one transaction.
	//
	// Edge cases:
	//   - The transaction commits only when fn returns nil; otherwise it is rolled
	//     back and fn's error is returned unchanged.
	//   - The Tx must not be used after fn returns.
	InTx(ctx context.Context, fn func(Tx) error) error

	// CountRows returns the number of rows in table.
	CountRows(ctx context.Context, table string) (int64, error)
}

// Tx is the write surface available inside one transaction.
//
// Conflict policy:
//   - InsertSong, InsertArtist, InsertTime and InsertSongPlay ignore rows whose key
//     already exists.
//   - UpsertUser replaces first_name, last_name, gender and level of an existing user.
type Tx interface {
	InsertSong(ctx context.Context, s model.Song) error
	InsertArtist(ctx context.Context, a model.Artist) error
	UpsertUser(ctx context.Context, u model.User) error
	InsertTime(ctx context.Context, t model.TimeSlot) error
	InsertSongPlay(ctx context.Context, p model.SongPlay) error

	// FindSong resolves a play to a song by exact title, exact artist name and
	// duration rounded to whole seconds (half away from zero).
	//
	// It returns (nil, nil) when nothing matches. When several songs match, the
	// smallest song_id wins.
	FindSong(ctx context.Context, title, artist string, length float64) (*model.SongMatch, error)
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - Returns an error if cfg.Kind is empty.
//   - Returns an error wrapping ErrUnknownKind if cfg.Kind is not registered.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
