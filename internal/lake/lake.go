// Package lake is the columnar variant: it reads the song and log datasets
// from a local tree or an S3 prefix, derives the five star tables in memory and
// writes them as hive-partitioned parquet files.
//
// Output layout:
//
//	songs/year=<y>/artist_id=<id>/part-00000.parquet
//	artists/part-00000.parquet
//	users/part-00000.parquet
//	time/year=<y>/month=<m>/part-00000.parquet
//	songplays/year=<y>/month=<m>/part-00000.parquet
//
// Each table is overwritten as a whole when it is written.
package lake

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"go.uber.org/zap"

	"sparkify/internal/config"
	"sparkify/internal/metrics"
	"sparkify/internal/model"
	jsonparser "sparkify/internal/parser/json"
	"sparkify/internal/storage"
	"sparkify/internal/transformer"
)

// Default input patterns, relative to the source root.
const (
	DefaultSongGlob = "song_data/*/*/*/*.json"
	DefaultLogGlob  = "log_data/*/*/*.json"
)

// Lake moves data from Source to Sink.
type Lake struct {
	Source ObjectSource
	Sink   Sink
	Logger *zap.Logger

	SongGlob string
	LogGlob  string

	// songs is the song metadata read by ProcessSongData, reused by ProcessLogData.
	songs []model.SongRecord
}

// FromConfig builds a Lake for cfg. An AWS session is created only when the
// input or output is an S3 location.
func FromConfig(cfg config.LakeConfig, logger *zap.Logger) (*Lake, error) {
	if cfg.Input == "" || cfg.Output == "" {
		return nil, errors.New("lake: input and output are required")
	}

	var client *s3.S3
	s3Client := func() (*s3.S3, error) {
		if client != nil {
			return client, nil
		}
		sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Region)})
		if err != nil {
			return nil, fmt.Errorf("lake: aws session: %w", err)
		}
		client = s3.New(sess)
		return client, nil
	}

	l := &Lake{Logger: logger, SongGlob: cfg.SongGlob, LogGlob: cfg.LogGlob}

	if _, _, ok := ParseLocation(cfg.Input); ok {
		c, err := s3Client()
		if err != nil {
			return nil, err
		}
		if l.Source, err = NewS3Source(c, cfg.Input); err != nil {
			return nil, err
		}
	} else {
		l.Source = LocalSource{Root: cfg.Input}
	}

	if _, _, ok := ParseLocation(cfg.Output); ok {
		c, err := s3Client()
		if err != nil {
			return nil, err
		}
		if l.Sink, err = NewS3Sink(c, cfg.Output); err != nil {
			return nil, err
		}
	} else {
		l.Sink = LocalSink{Root: cfg.Output}
	}
	return l, nil
}

func (l *Lake) log() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// glob lists the keys for pattern and logs the count.
func (l *Lake) glob(ctx context.Context, pattern string) ([]string, error) {
	keys, err := l.Source.Glob(ctx, pattern)
	if err != nil {
		return nil, err
	}
	l.log().Info("files found", zap.Int("count", len(keys)), zap.String("pattern", pattern))
	return keys, nil
}

func (l *Lake) readSongs(ctx context.Context) ([]model.SongRecord, error) {
	keys, err := l.glob(ctx, orDefault(l.SongGlob, DefaultSongGlob))
	if err != nil {
		return nil, err
	}
	out := make([]model.SongRecord, 0, len(keys))
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rc, err := l.Source.Open(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("lake: open %s: %w", k, err)
		}
		rec, err := jsonparser.DecodeSong(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("lake: %s: %w", k, err)
		}
		out = append(out, rec)
	}
	metrics.AddFiles("song_data", len(keys))
	return out, nil
}

// ProcessSongData writes the songs and artists tables. Songs are deduplicated
// by song_id and artists by artist_id; the first record in key order wins.
func (l *Lake) ProcessSongData(ctx context.Context) error {
	records, err := l.readSongs(ctx)
	if err != nil {
		return err
	}
	l.songs = records

	songs := &partitioned[songRow]{}
	artists := &partitioned[artistRow]{}
	seenSong := make(map[string]bool, len(records))
	seenArtist := make(map[string]bool, len(records))
	for _, rec := range records {
		song, artist := transformer.SongAndArtist(rec)
		if !seenSong[song.SongID] {
			seenSong[song.SongID] = true
			songs.add(partitionDir("year", strconv.Itoa(song.Year), "artist_id", song.ArtistID), newSongRow(song))
		}
		if !seenArtist[artist.ArtistID] {
			seenArtist[artist.ArtistID] = true
			artists.add("", newArtistRow(artist))
		}
	}

	if err := writeAndLog(ctx, l, storage.TableSongs, songs); err != nil {
		return err
	}
	return writeAndLog(ctx, l, storage.TableArtists, artists)
}

// ProcessLogData writes the users, time and songplays tables from NextSong
// events. Plays are matched against the song metadata read by ProcessSongData,
// or read again when ProcessSongData has not run.
//
// Deduplication:
//   - users: one row per user_id, the latest event wins (file order breaks ties).
//   - time: one row per start_time.
//   - songplays: one row per songplay_id, the first event wins.
func (l *Lake) ProcessLogData(ctx context.Context) error {
	if l.songs == nil {
		records, err := l.readSongs(ctx)
		if err != nil {
			return err
		}
		l.songs = records
	}
	matcher := transformer.NewIndexMatcher(l.songs)

	keys, err := l.glob(ctx, orDefault(l.LogGlob, DefaultLogGlob))
	if err != nil {
		return err
	}

	type latest struct {
		user model.User
		at   time.Time
	}
	var userOrder []string
	users := make(map[string]latest)
	times := &partitioned[timeRow]{}
	seenTime := make(map[int64]bool)
	plays := &partitioned[songplayRow]{}
	seenPlay := make(map[string]bool)

	for i, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		rc, err := l.Source.Open(ctx, k)
		if err != nil {
			return fmt.Errorf("lake: open %s: %w", k, err)
		}
		events, err := jsonparser.ReadLogEvents(ctx, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("lake: %s: %w", k, err)
		}
		rows, err := transformer.MapLogEvents(ctx, events, matcher)
		if err != nil {
			return fmt.Errorf("lake: %s: %w", k, err)
		}

		for j, p := range rows.SongPlays {
			u := rows.Users[j]
			cur, ok := users[u.UserID]
			if !ok {
				userOrder = append(userOrder, u.UserID)
			}
			if !ok || !p.StartTime.Before(cur.at) {
				users[u.UserID] = latest{user: u, at: p.StartTime}
			}

			ts := rows.Time[j]
			dir := partitionDir("year", strconv.Itoa(ts.Year), "month", strconv.Itoa(ts.Month))
			if ms := ts.StartTime.UnixMilli(); !seenTime[ms] {
				seenTime[ms] = true
				times.add(dir, newTimeRow(ts))
			}

			id := transformer.SongplayID(p)
			if !seenPlay[id] {
				seenPlay[id] = true
				plays.add(dir, newSongplayRow(id, p))
			}
		}
		l.log().Info("files processed", zap.Int("i", i+1), zap.Int("n", len(keys)))
	}
	metrics.AddFiles("log_data", len(keys))

	userRows := &partitioned[userRow]{}
	for _, id := range userOrder {
		userRows.add("", newUserRow(users[id].user))
	}

	if err := writeAndLog(ctx, l, storage.TableUsers, userRows); err != nil {
		return err
	}
	if err := writeAndLog(ctx, l, storage.TableTime, times); err != nil {
		return err
	}
	return writeAndLog(ctx, l, storage.TableSongPlays, plays)
}

func writeAndLog[T any](ctx context.Context, l *Lake, table string, parts *partitioned[T]) error {
	start := time.Now()
	files, rows, err := writeTable(ctx, l.Sink, table, parts)
	if err != nil {
		return err
	}
	metrics.AddRecords(table, rows)
	l.log().Info("table written",
		zap.String("table", table),
		zap.Int("files", files),
		zap.Int("rows", rows),
		zap.Duration("duration", durMS(start)))
	return nil
}

// Run processes song data, then log data. The first failing step aborts the run.
func (l *Lake) Run(ctx context.Context) error {
	if l.Source == nil || l.Sink == nil {
		return errors.New("lake: Source and Sink are required")
	}
	log := l.log()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"process_song_data", l.ProcessSongData},
		{"process_log_data", l.ProcessLogData},
	}
	for _, s := range steps {
		start := time.Now()
		done := metrics.Step(s.name)
		err := s.fn(ctx)
		done(err)
		if err != nil {
			return err
		}
		log.Info("stage ok", zap.String("stage", s.name), zap.Duration("duration", durMS(start)))
	}
	return nil
}
