package storage

import (
	"time"

	"sparkify/internal/model"
)

// The *Args helpers flatten a row into values aligned with the columns of its
// StarSchema table. Nil pointers become untyped nil so every driver writes NULL.

func SongArgs(s model.Song) []any {
	return []any{s.SongID, s.Title, s.ArtistID, int64(s.Year), s.Duration}
}

func ArtistArgs(a model.Artist) []any {
	return []any{a.ArtistID, a.Name, nullString(a.Location), nullFloat(a.Latitude), nullFloat(a.Longitude)}
}

func UserArgs(u model.User) []any {
	return []any{u.UserID, u.FirstName, u.LastName, emptyAsNull(u.Gender), u.Level}
}

func TimeArgs(t model.TimeSlot) []any {
	return []any{
		t.StartTime.UTC(),
		int64(t.Hour), int64(t.Day), int64(t.Week),
		int64(t.Month), int64(t.Year), int64(t.Weekday),
	}
}

func SongPlayArgs(p model.SongPlay) []any {
	return []any{
		p.StartTime.UTC(),
		p.UserID,
		p.Level,
		nullString(p.SongID),
		nullString(p.ArtistID),
		p.SessionID,
		emptyAsNull(p.Location),
		emptyAsNull(p.UserAgent),
	}
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func emptyAsNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ConvertArgs returns a copy of args with every time.Time replaced by conv(t).
// Backends without a native timestamp type use it to store text.
func ConvertArgs(args []any, conv func(time.Time) any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if t, ok := a.(time.Time); ok {
			out[i] = conv(t)
			continue
		}
		out[i] = a
	}
	return out
}
