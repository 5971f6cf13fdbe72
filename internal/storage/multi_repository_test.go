package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"sparkify/internal/model"
)

type fakeRepo struct{ closeCalls int }

func (f *fakeRepo) Close()                                           { f.closeCalls++ }
func (f *fakeRepo) ResetTables(context.Context, []TableSpec) error   { return nil }
func (f *fakeRepo) EnsureTables(context.Context, []TableSpec) error  { return nil }
func (f *fakeRepo) InTx(context.Context, func(Tx) error) error       { return nil }
func (f *fakeRepo) CountRows(context.Context, string) (int64, error) { return 0, nil }

func TestRegisterAndNew(t *testing.T) {
	want := &fakeRepo{}
	Register("fake-registry-test", func(ctx context.Context, cfg Config) (Repository, error) {
		if cfg.DSN != "dsn" {
			t.Fatalf("factory got DSN %q", cfg.DSN)
		}
		return want, nil
	})

	got, err := New(context.Background(), Config{Kind: "fake-registry-test", DSN: "dsn"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got != want {
		t.Fatalf("New returned %T, want the registered repo", got)
	}

	found := false
	for _, k := range Kinds() {
		if k == "fake-registry-test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Kinds() = %v, missing fake-registry-test", Kinds())
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty kind")
	}

	_, err := New(context.Background(), Config{Kind: "no-such-backend"})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err=%v, want ErrUnknownKind", err)
	}
}

func TestRegister_DuplicatePanics(t *testing.T) {
	f := func(context.Context, Config) (Repository, error) { return &fakeRepo{}, nil }
	Register("fake-dup-test", f)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	Register("fake-dup-test", f)
}

func TestStarSchema_Valid(t *testing.T) {
	t.Parallel()

	tables := StarSchema()
	if len(tables) != 5 {
		t.Fatalf("got %d tables, want 5", len(tables))
	}
	for _, tbl := range tables {
		if err := tbl.Validate(); err != nil {
			t.Fatalf("%s: %v", tbl.Name, err)
		}
		if len(tbl.PrimaryKey()) == 0 {
			t.Fatalf("%s: missing primary key", tbl.Name)
		}
	}

	users, ok := StarTable(TableUsers)
	if !ok {
		t.Fatalf("users table missing")
	}
	if users.Load.Conflict.Action != ActionUpdate {
		t.Fatalf("users must upsert, got %q", users.Load.Conflict.Action)
	}
	for _, name := range []string{TableSongs, TableArtists, TableTime, TableSongPlays} {
		tbl, _ := StarTable(name)
		if tbl.Load.Conflict.Action != ActionDoNothing {
			t.Fatalf("%s: conflict action %q, want do_nothing", name, tbl.Load.Conflict.Action)
		}
	}
}

func TestTableSpec_ValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec TableSpec
	}{
		{"no name", TableSpec{Columns: []ColumnSpec{{Name: "a", Type: TypeText}}}},
		{"no columns", TableSpec{Name: "t"}},
		{"unknown pk column", TableSpec{
			Name:        "t",
			Columns:     []ColumnSpec{{Name: "a", Type: TypeText}},
			Constraints: []ConstraintSpec{{Kind: "primary_key", Columns: []string{"b"}}},
		}},
		{"update without columns", TableSpec{
			Name:    "t",
			Columns: []ColumnSpec{{Name: "a", Type: TypeText}},
			Load:    LoadSpec{Conflict: &ConflictSpec{TargetColumns: []string{"a"}, Action: ActionUpdate}},
		}},
		{"bad action", TableSpec{
			Name:    "t",
			Columns: []ColumnSpec{{Name: "a", Type: TypeText}},
			Load:    LoadSpec{Conflict: &ConflictSpec{TargetColumns: []string{"a"}, Action: "replace"}},
		}},
	}
	for _, tt := range tests {
		if err := tt.spec.Validate(); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestArgsAlignWithColumns(t *testing.T) {
	t.Parallel()

	loc := "Chicago"
	songID := "S1"
	cases := map[string][]any{
		TableSongs:     SongArgs(model.Song{SongID: "S1"}),
		TableArtists:   ArtistArgs(model.Artist{ArtistID: "A1", Location: &loc}),
		TableUsers:     UserArgs(model.User{UserID: "1"}),
		TableTime:      TimeArgs(model.NewTimeSlot(time.Unix(0, 0))),
		TableSongPlays: SongPlayArgs(model.SongPlay{SongID: &songID}),
	}
	for name, args := range cases {
		tbl, _ := StarTable(name)
		if len(args) != len(tbl.Columns) {
			t.Fatalf("%s: %d args for %d columns", name, len(args), len(tbl.Columns))
		}
	}

	play := SongPlayArgs(model.SongPlay{UserID: "1"})
	if play[3] != nil || play[4] != nil {
		t.Fatalf("nil song/artist ids must be untyped nil, got %#v %#v", play[3], play[4])
	}
}

func TestConvertArgs(t *testing.T) {
	t.Parallel()

	ts := time.Date(2018, 11, 2, 1, 25, 34, 796000000, time.UTC)
	out := ConvertArgs([]any{ts, "x", nil}, func(t time.Time) any { return t.Format(time.RFC3339Nano) })
	if out[0] != "2018-11-02T01:25:34.796Z" || out[1] != "x" || out[2] != nil {
		t.Fatalf("unexpected %#v", out)
	}
}
