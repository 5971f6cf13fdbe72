package lake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"sparkify/internal/model"
)

// Partition columns are encoded in the directory path and left out of these rows.

type songRow struct {
	SongID   string  `parquet:"name=song_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Title    string  `parquet:"name=title, type=BYTE_ARRAY, convertedtype=UTF8"`
	Duration float64 `parquet:"name=duration, type=DOUBLE"`
}

type artistRow struct {
	ArtistID  string   `parquet:"name=artist_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Name      string   `parquet:"name=name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Location  *string  `parquet:"name=location, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Latitude  *float64 `parquet:"name=latitude, type=DOUBLE, repetitiontype=OPTIONAL"`
	Longitude *float64 `parquet:"name=longitude, type=DOUBLE, repetitiontype=OPTIONAL"`
}

type userRow struct {
	UserID    string `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	FirstName string `parquet:"name=first_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	LastName  string `parquet:"name=last_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Gender    string `parquet:"name=gender, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level     string `parquet:"name=level, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type timeRow struct {
	StartTime int64 `parquet:"name=start_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Hour      int32 `parquet:"name=hour, type=INT32"`
	Day       int32 `parquet:"name=day, type=INT32"`
	Week      int32 `parquet:"name=week, type=INT32"`
	Weekday   int32 `parquet:"name=weekday, type=INT32"`
}

type songplayRow struct {
	SongplayID string  `parquet:"name=songplay_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	StartTime  int64   `parquet:"name=start_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	UserID     string  `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level      string  `parquet:"name=level, type=BYTE_ARRAY, convertedtype=UTF8"`
	SongID     *string `parquet:"name=song_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	ArtistID   *string `parquet:"name=artist_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	SessionID  int64   `parquet:"name=session_id, type=INT64"`
	Location   string  `parquet:"name=location, type=BYTE_ARRAY, convertedtype=UTF8"`
	UserAgent  string  `parquet:"name=user_agent, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func newSongRow(s model.Song) songRow {
	return songRow{SongID: s.SongID, Title: s.Title, Duration: s.Duration}
}

func newArtistRow(a model.Artist) artistRow {
	return artistRow{ArtistID: a.ArtistID, Name: a.Name, Location: a.Location, Latitude: a.Latitude, Longitude: a.Longitude}
}

func newUserRow(u model.User) userRow {
	return userRow{UserID: u.UserID, FirstName: u.FirstName, LastName: u.LastName, Gender: u.Gender, Level: u.Level}
}

func newTimeRow(t model.TimeSlot) timeRow {
	return timeRow{
		StartTime: t.StartTime.UnixMilli(),
		Hour:      int32(t.Hour),
		Day:       int32(t.Day),
		Week:      int32(t.Week),
		Weekday:   int32(t.Weekday),
	}
}

func newSongplayRow(id string, p model.SongPlay) songplayRow {
	return songplayRow{
		SongplayID: id,
		StartTime:  p.StartTime.UnixMilli(),
		UserID:     p.UserID,
		Level:      p.Level,
		SongID:     p.SongID,
		ArtistID:   p.ArtistID,
		SessionID:  p.SessionID,
		Location:   p.Location,
		UserAgent:  p.UserAgent,
	}
}

// partFile is the one file written per partition directory.
const partFile = "part-00000.parquet"

// hiveDefaultPartition stands in for an empty partition value.
const hiveDefaultPartition = "__HIVE_DEFAULT_PARTITION__"

// partitionDir renders "k1=v1/k2=v2". Values are escaped like Hive path names.
func partitionDir(kv ...string) string {
	parts := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		v := kv[i+1]
		if v == "" {
			v = hiveDefaultPartition
		} else {
			v = escapePathName(v)
		}
		parts = append(parts, kv[i]+"="+v)
	}
	return strings.Join(parts, "/")
}

func escapePathName(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == 0x7f || strings.IndexByte("\"#%'*/:=?\\{[]^", c) >= 0 {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// partitioned groups rows by partition directory, preserving row order inside each group.
type partitioned[T any] struct {
	order []string
	rows  map[string][]T
}

func (p *partitioned[T]) add(dir string, row T) {
	if p.rows == nil {
		p.rows = make(map[string][]T)
	}
	if _, ok := p.rows[dir]; !ok {
		p.order = append(p.order, dir)
	}
	p.rows[dir] = append(p.rows[dir], row)
}

func (p *partitioned[T]) dirs() []string {
	out := append([]string(nil), p.order...)
	sort.Strings(out)
	return out
}

// writeTable replaces table in sink with one parquet file per partition.
// An unpartitioned table uses the single directory "".
func writeTable[T any](ctx context.Context, sink Sink, table string, parts *partitioned[T]) (files, rows int, err error) {
	if err := sink.Overwrite(ctx, table); err != nil {
		return 0, 0, err
	}

	tmp, err := os.MkdirTemp("", "sparkify-"+table+"-")
	if err != nil {
		return 0, 0, err
	}
	defer os.RemoveAll(tmp)

	for i, dir := range parts.dirs() {
		if err := ctx.Err(); err != nil {
			return files, rows, err
		}
		batch := parts.rows[dir]
		tmpPath := filepath.Join(tmp, strconv.Itoa(i)+".parquet")
		if err := writeParquet(tmpPath, batch); err != nil {
			return files, rows, fmt.Errorf("lake: %s/%s: %w", table, dir, err)
		}
		key := table + "/" + partFile
		if dir != "" {
			key = table + "/" + dir + "/" + partFile
		}
		if err := sink.Publish(ctx, key, tmpPath, len(batch)); err != nil {
			return files, rows, err
		}
		files++
		rows += len(batch)
	}
	return files, rows, nil
}

// writeParquet writes rows to a SNAPPY-compressed parquet file at path.
func writeParquet[T any](path string, rows []T) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create file writer: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(T), 4)
	if err != nil {
		fw.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range rows {
		if err := pw.Write(rows[i]); err != nil {
			fw.Close()
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("write stop: %w", err)
	}
	return fw.Close()
}
