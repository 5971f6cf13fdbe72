package sqlite

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparkify/internal/model"
	"sparkify/internal/storage"
)

func openMemory(t *testing.T) *Repo {
	t.Helper()

	repo, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(repo.Close)

	require.NoError(t, repo.ResetTables(context.Background(), storage.StarSchema()))
	return repo.(*Repo)
}

func TestBuildInsertSQL_UsersUpsert(t *testing.T) {
	t.Parallel()

	spec, _ := storage.StarTable(storage.TableUsers)
	got, err := buildInsertSQL(spec)
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "users" ("user_id", "first_name", "last_name", "gender", "level") VALUES (?, ?, ?, ?, ?)`+
			` ON CONFLICT ("user_id") DO UPDATE SET "first_name" = excluded."first_name", "last_name" = excluded."last_name",`+
			` "gender" = excluded."gender", "level" = excluded."level"`,
		got)
}

func TestBuildCreateTableSQL_Time(t *testing.T) {
	t.Parallel()

	spec, _ := storage.StarTable(storage.TableTime)
	got, err := buildCreateTableSQL(spec)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, `CREATE TABLE IF NOT EXISTS "time" (`), got)
	assert.Contains(t, got, `"start_time" TEXT NOT NULL`)
	assert.Contains(t, got, `PRIMARY KEY ("start_time")`)
}

func TestRepo_ConflictPolicy(t *testing.T) {
	t.Parallel()

	repo := openMemory(t)
	ctx := context.Background()
	start := time.UnixMilli(1541121934796)

	load := func(level string) {
		err := repo.InTx(ctx, func(tx storage.Tx) error {
			if err := tx.InsertSong(ctx, model.Song{SongID: "SOA", Title: "Hello", ArtistID: "AR1", Year: 2001, Duration: 218.5}); err != nil {
				return err
			}
			if err := tx.InsertArtist(ctx, model.Artist{ArtistID: "AR1", Name: "Casual"}); err != nil {
				return err
			}
			if err := tx.UpsertUser(ctx, model.User{UserID: "26", FirstName: "Ryan", LastName: "Smith", Gender: "M", Level: level}); err != nil {
				return err
			}
			if err := tx.InsertTime(ctx, model.NewTimeSlot(start)); err != nil {
				return err
			}
			return tx.InsertSongPlay(ctx, model.SongPlay{StartTime: start, UserID: "26", Level: level, SessionID: 583})
		})
		require.NoError(t, err)
	}

	load("free")
	load("paid")

	for _, table := range storage.StarTableNames() {
		n, err := repo.CountRows(ctx, table)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, table)
	}

	var level string
	require.NoError(t, repo.db.QueryRowContext(ctx, `SELECT level FROM users WHERE user_id = '26'`).Scan(&level))
	assert.Equal(t, "paid", level)

	var songID *string
	var stored string
	require.NoError(t, repo.db.QueryRowContext(ctx, `SELECT song_id, start_time FROM songplays`).Scan(&songID, &stored))
	assert.Nil(t, songID)
	assert.Equal(t, "2018-11-02T01:25:34.796Z", stored)
}

func TestRepo_FindSong(t *testing.T) {
	t.Parallel()

	repo := openMemory(t)
	ctx := context.Background()

	err := repo.InTx(ctx, func(tx storage.Tx) error {
		for _, s := range []model.Song{
			{SongID: "SOB", Title: "Hello", ArtistID: "AR1", Duration: 218.5},
			{SongID: "SOA", Title: "Hello", ArtistID: "AR1", Duration: 219.2},
			{SongID: "SOC", Title: "Hello", ArtistID: "AR2", Duration: 219},
		} {
			if err := tx.InsertSong(ctx, s); err != nil {
				return err
			}
		}
		if err := tx.InsertArtist(ctx, model.Artist{ArtistID: "AR1", Name: "Casual"}); err != nil {
			return err
		}
		return tx.InsertArtist(ctx, model.Artist{ArtistID: "AR2", Name: "Other"})
	})
	require.NoError(t, err)

	err = repo.InTx(ctx, func(tx storage.Tx) error {
		m, err := tx.FindSong(ctx, "Hello", "Casual", 218.7)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, model.SongMatch{SongID: "SOA", ArtistID: "AR1"}, *m, "smallest song_id wins")

		m, err = tx.FindSong(ctx, "Hello", "Casual", 218.49)
		require.NoError(t, err)
		assert.Nil(t, m)

		m, err = tx.FindSong(ctx, "Hello", "Nobody", 219)
		require.NoError(t, err)
		assert.Nil(t, m)
		return nil
	})
	require.NoError(t, err)
}

func TestRepo_InTxRollsBack(t *testing.T) {
	t.Parallel()

	repo := openMemory(t)
	ctx := context.Background()

	err := repo.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertSong(ctx, model.Song{SongID: "SOA", Title: "x", ArtistID: "AR1"}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	n, err := repo.CountRows(ctx, storage.TableSongs)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRepo_EnsureTablesIsIdempotent(t *testing.T) {
	t.Parallel()

	repo := openMemory(t)
	require.NoError(t, repo.EnsureTables(context.Background(), storage.StarSchema()))
	require.NoError(t, repo.EnsureTables(context.Background(), storage.StarSchema()))
}
