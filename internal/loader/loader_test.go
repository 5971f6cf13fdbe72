package loader

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"sparkify/internal/storage"
	_ "sparkify/internal/storage/sqlite"
)

const songHello = `{"num_songs": 1, "artist_id": "ARD7TVE1187B99BFB1", "artist_latitude": null, "artist_longitude": null, "artist_location": "California - LA", "artist_name": "Casual", "song_id": "SOMZWCG12A8C13C480", "title": "I Didn't Mean To", "duration": 218.93179, "year": 0}`

const songBlue = `{"num_songs": 1, "artist_id": "ARMJAGH1187FB546F3", "artist_latitude": 35.14968, "artist_longitude": -90.04892, "artist_location": "Memphis, TN", "artist_name": "The Box Tops", "song_id": "SOCIWDW12A8C13D406", "title": "Soul Deep", "duration": 148.03546, "year": 1969}`

// Two plays by user 26 (free then paid), one of which matches Soul Deep,
// plus a Home page view and a logged-out play that are dropped.
const logDay = `{"artist":"The Box Tops","auth":"Logged In","firstName":"Ryan","gender":"M","itemInSession":0,"lastName":"Smith","length":148.2,"level":"free","location":"San Jose-Sunnyvale-Santa Clara, CA","method":"PUT","page":"NextSong","registration":1541016707796.0,"sessionId":583,"song":"Soul Deep","status":200,"ts":1541121934796,"userAgent":"Mozilla/5.0","userId":"26"}
{"artist":null,"auth":"Logged In","firstName":"Ryan","gender":"M","itemInSession":1,"lastName":"Smith","length":null,"level":"free","location":"San Jose-Sunnyvale-Santa Clara, CA","method":"GET","page":"Home","registration":1541016707796.0,"sessionId":583,"song":null,"status":200,"ts":1541121935000,"userAgent":"Mozilla/5.0","userId":"26"}
{"artist":"Unknown Band","auth":"Logged In","firstName":"Ryan","gender":"M","itemInSession":2,"lastName":"Smith","length":200.0,"level":"paid","location":"San Jose-Sunnyvale-Santa Clara, CA","method":"PUT","page":"NextSong","registration":1541016707796.0,"sessionId":583,"song":"Nobody Knows","status":200,"ts":1541122241796,"userAgent":"Mozilla/5.0","userId":"26"}
{"artist":"Casual","auth":"Logged Out","firstName":"","gender":"","itemInSession":0,"lastName":"","length":218.9,"level":"free","location":"","method":"PUT","page":"NextSong","registration":null,"sessionId":10,"song":"I Didn't Mean To","status":200,"ts":1541122300000,"userAgent":"","userId":""}
`

type fixture struct {
	songRoot string
	logRoot  string
	dbPath   string
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		songRoot: filepath.Join(dir, "song_data"),
		logRoot:  filepath.Join(dir, "log_data"),
		dbPath:   filepath.Join(dir, "sparkify.db"),
	}
	writeFile(t, filepath.Join(f.songRoot, "A", "A", "A", "TRAAAAW128F429D538.json"), songHello)
	writeFile(t, filepath.Join(f.songRoot, "A", "A", "B", "TRAABCL128F4286650.json"), songBlue)
	writeFile(t, filepath.Join(f.logRoot, "2018", "11", "2018-11-02-events.json"), logDay)
	return f
}

func openRepo(t *testing.T, dsn string) storage.Repository {
	t.Helper()
	repo, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	require.NoError(t, repo.ResetTables(context.Background(), storage.StarSchema()))
	return repo
}

func counts(t *testing.T, repo storage.Repository) map[string]int64 {
	t.Helper()
	out := make(map[string]int64)
	for _, table := range storage.StarTableNames() {
		n, err := repo.CountRows(context.Background(), table)
		require.NoError(t, err)
		out[table] = n
	}
	return out
}

func TestRun_LoadsStarSchema(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	repo := openRepo(t, f.dbPath)
	core, logs := observer.New(zap.InfoLevel)
	l := New(repo, zap.New(core))

	require.NoError(t, l.Run(context.Background(), f.songRoot, f.logRoot))

	assert.Equal(t, map[string]int64{
		storage.TableSongs:     2,
		storage.TableArtists:   2,
		storage.TableUsers:     1,
		storage.TableTime:      2,
		storage.TableSongPlays: 2,
	}, counts(t, repo))

	found := logs.FilterMessage("files found").All()
	require.Len(t, found, 2)
	assert.Equal(t, int64(2), found[0].ContextMap()["count"])
	assert.Equal(t, int64(1), found[1].ContextMap()["count"])
	assert.Equal(t, 3, logs.FilterMessage("files processed").Len())

	repo.Close()
	db, err := sql.Open("sqlite", f.dbPath)
	require.NoError(t, err)
	defer db.Close()

	var songID, artistID sql.NullString
	require.NoError(t, db.QueryRow(`SELECT song_id, artist_id FROM songplays WHERE level = 'free'`).Scan(&songID, &artistID))
	assert.Equal(t, "SOCIWDW12A8C13D406", songID.String)
	assert.Equal(t, "ARMJAGH1187FB546F3", artistID.String)

	require.NoError(t, db.QueryRow(`SELECT song_id, artist_id FROM songplays WHERE level = 'paid'`).Scan(&songID, &artistID))
	assert.False(t, songID.Valid, "unmatched play keeps NULL song_id")
	assert.False(t, artistID.Valid)

	var level string
	require.NoError(t, db.QueryRow(`SELECT level FROM users WHERE user_id = '26'`).Scan(&level))
	assert.Equal(t, "paid", level, "last event per user wins")

	var hour, day, week, weekday int
	require.NoError(t, db.QueryRow(`SELECT hour, day, week, weekday FROM time ORDER BY start_time LIMIT 1`).Scan(&hour, &day, &week, &weekday))
	assert.Equal(t, []int{1, 2, 44, 4}, []int{hour, day, week, weekday})
}

func TestRun_IsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	repo := openRepo(t, f.dbPath)
	l := New(repo, nil)

	require.NoError(t, l.Run(context.Background(), f.songRoot, f.logRoot))
	first := counts(t, repo)
	require.NoError(t, l.Run(context.Background(), f.songRoot, f.logRoot))
	assert.Equal(t, first, counts(t, repo))
}

func TestProcessData_ZeroFiles(t *testing.T) {
	t.Parallel()

	repo := openRepo(t, filepath.Join(t.TempDir(), "empty.db"))
	l := New(repo, nil)

	stats, err := l.ProcessData(context.Background(), t.TempDir(), "song_data", l.ProcessSongFile)
	require.NoError(t, err)
	assert.Zero(t, stats.Files)
	for table, n := range counts(t, repo) {
		assert.Zero(t, n, table)
	}
}

func TestProcessData_MissingRoot(t *testing.T) {
	t.Parallel()

	repo := openRepo(t, filepath.Join(t.TempDir(), "missing.db"))
	l := New(repo, nil)

	_, err := l.ProcessData(context.Background(), filepath.Join(t.TempDir(), "nope"), "song_data", l.ProcessSongFile)
	require.Error(t, err)
}

func TestProcessData_AbortsOnMalformedFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// Sorts after the two valid files, so those commit first.
	writeFile(t, filepath.Join(f.songRoot, "Z", "broken.json"), `{"song_id": "SOX", "title": `)

	repo := openRepo(t, f.dbPath)
	l := New(repo, nil)

	stats, err := l.ProcessData(context.Background(), f.songRoot, "song_data", l.ProcessSongFile)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "broken.json"), err.Error())
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, int64(2), counts(t, repo)[storage.TableSongs])
}

func TestProcessLogFile_MissingFieldRollsBackFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	repo := openRepo(t, f.dbPath)
	l := New(repo, nil)

	bad := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, bad, strings.SplitN(logDay, "\n", 2)[0]+"\n"+`{"page":"NextSong","userId":"27"}`+"\n")

	err := repo.InTx(context.Background(), func(tx storage.Tx) error {
		return l.ProcessLogFile(context.Background(), tx, bad)
	})
	require.Error(t, err)
	assert.Zero(t, counts(t, repo)[storage.TableSongPlays])
}

func TestProcessData_StopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	repo := openRepo(t, f.dbPath)
	l := New(repo, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.ProcessData(ctx, f.songRoot, "song_data", l.ProcessSongFile)
	require.ErrorIs(t, err, context.Canceled)
}
