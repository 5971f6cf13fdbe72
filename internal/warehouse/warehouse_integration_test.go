package warehouse

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparkify/internal/model"
	"sparkify/internal/testhelpers"
)

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }

func sampleSong() model.SongRecord {
	return model.SongRecord{
		NumSongs: 1, ArtistID: "ARMJAGH1187FB546F3", ArtistName: "The Box Tops",
		ArtistLocation: strPtr("Memphis, TN"), ArtistLatitude: floatPtr(35.14968), ArtistLongitude: floatPtr(-90.04892),
		SongID: "SOCIWDW12A8C13D406", Title: "Soul Deep", Duration: 148.03546, Year: 1969,
	}
}

func sampleEvent() model.LogEvent {
	return model.LogEvent{
		Artist: strPtr("The Box Tops"), Auth: "Logged In", FirstName: "Ryan", Gender: "M", LastName: "Smith",
		Length: floatPtr(148.2), Level: "free", Location: "San Jose, CA", Method: "PUT", Page: model.PageNextSong,
		SessionID: 583, Song: strPtr("Soul Deep"), Status: 200, TS: 1541121934796, UserAgent: "Mozilla/5.0", UserID: "26",
	}
}

func writeJSON(t *testing.T, path string, docs ...any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, d := range docs {
		require.NoError(t, enc.Encode(d))
	}
}

// eventDoc renders e with the activity log's key names.
func eventDoc(e model.LogEvent) map[string]any {
	return map[string]any{
		"artist": e.Artist, "auth": e.Auth, "firstName": e.FirstName, "gender": e.Gender,
		"itemInSession": e.ItemInSession, "lastName": e.LastName, "length": e.Length, "level": e.Level,
		"location": e.Location, "method": e.Method, "page": e.Page, "registration": e.Registration,
		"sessionId": e.SessionID, "song": e.Song, "status": e.Status, "ts": e.TS,
		"userAgent": e.UserAgent, "userId": e.UserID,
	}
}

func songDoc(s model.SongRecord) map[string]any {
	return map[string]any{
		"num_songs": s.NumSongs, "artist_id": s.ArtistID, "artist_latitude": s.ArtistLatitude,
		"artist_longitude": s.ArtistLongitude, "artist_location": s.ArtistLocation, "artist_name": s.ArtistName,
		"song_id": s.SongID, "title": s.Title, "duration": s.Duration, "year": s.Year,
	}
}

func TestWarehouse_ClientCopyRun(t *testing.T) {
	dsn := testhelpers.NewDatabase(t)
	ctx := context.Background()

	dir := t.TempDir()
	songRoot := filepath.Join(dir, "song_data")
	logRoot := filepath.Join(dir, "log_data")

	song := sampleSong()
	twin := song
	twin.SongID = "SOZZZZZ12A8C13D999" // same title, artist and rounded duration
	writeJSON(t, filepath.Join(songRoot, "A", "A", "A", "a.json"), songDoc(song))
	writeJSON(t, filepath.Join(songRoot, "A", "A", "B", "b.json"), songDoc(twin))

	play := sampleEvent()
	home := sampleEvent()
	home.Page, home.Song, home.Artist, home.Length, home.TS = "Home", nil, nil, nil, play.TS+1000
	miss := sampleEvent()
	miss.Song, miss.Level, miss.TS, miss.ItemInSession = strPtr("Unknown"), "paid", play.TS+300000, 2
	writeJSON(t, filepath.Join(logRoot, "2018", "11", "events.json"), eventDoc(play), eventDoc(home), eventDoc(miss))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	w := &Warehouse{Pool: pool, Options: Options{
		Flavor:      Postgres,
		StagingMode: StagingClientCopy,
		LogData:     logRoot,
		SongData:    songRoot,
	}}
	require.NoError(t, w.Run(ctx))

	count := func(table string) int {
		var n int
		require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n))
		return n
	}
	assert.Equal(t, 3, count(TableStagingEvents))
	assert.Equal(t, 2, count(TableStagingSongs))
	assert.Equal(t, 2, count("songplays"))
	assert.Equal(t, 1, count("users"))
	assert.Equal(t, 2, count("songs"))
	assert.Equal(t, 1, count("artists"))
	assert.Equal(t, 2, count("time"))

	var songID, artistID *string
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT song_id, artist_id FROM songplays WHERE level = 'free'").Scan(&songID, &artistID))
	require.NotNil(t, songID)
	assert.Equal(t, "SOCIWDW12A8C13D406", *songID, "smallest song_id wins")
	assert.Equal(t, "ARMJAGH1187FB546F3", *artistID)

	require.NoError(t, pool.QueryRow(ctx,
		"SELECT song_id, artist_id FROM songplays WHERE level = 'paid'").Scan(&songID, &artistID))
	assert.Nil(t, songID)
	assert.Nil(t, artistID)

	var level string
	require.NoError(t, pool.QueryRow(ctx, "SELECT level FROM users WHERE user_id = '26'").Scan(&level))
	assert.Equal(t, "paid", level)

	var start time.Time
	var hour, day, week, month, year, weekday int
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT start_time, hour, day, week, month, year, weekday FROM time ORDER BY start_time LIMIT 1").
		Scan(&start, &hour, &day, &week, &month, &year, &weekday))
	assert.Equal(t, time.UnixMilli(1541121934796).UTC(), start.UTC())
	assert.Equal(t, []int{1, 2, 44, 11, 2018, 4}, []int{hour, day, week, month, year, weekday})

	// A second run starts from scratch.
	require.NoError(t, w.Run(ctx))
	assert.Equal(t, 2, count("songplays"))
}

func TestWarehouse_ClientCopyRollsBackOnBadFile(t *testing.T) {
	dsn := testhelpers.NewDatabase(t)
	ctx := context.Background()

	dir := t.TempDir()
	songRoot := filepath.Join(dir, "song_data")
	writeJSON(t, filepath.Join(songRoot, "a.json"), songDoc(sampleSong()))
	require.NoError(t, os.WriteFile(filepath.Join(songRoot, "b.json"), []byte(`{"song_id":`), 0o644))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	w := &Warehouse{Pool: pool, Options: Options{Flavor: Postgres, StagingMode: StagingClientCopy, SongData: songRoot, LogData: dir}}
	require.NoError(t, w.ResetTables(ctx))
	require.Error(t, w.LoadStaging(ctx))

	var n int
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM staging_songs").Scan(&n))
	assert.Zero(t, n)
}

func TestWarehouse_S3CopyNeedsRedshift(t *testing.T) {
	t.Parallel()

	w := &Warehouse{Options: Options{Flavor: Postgres, StagingMode: StagingS3Copy}}
	require.Error(t, w.LoadStaging(context.Background()))

	w.Options.StagingMode = "unload"
	require.Error(t, w.LoadStaging(context.Background()))
}
