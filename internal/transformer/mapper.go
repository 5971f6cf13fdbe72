// Package transformer maps decoded source records onto star-schema rows.
//
// Every function here is pure except MapLogEvents, which consults a Matcher to
// resolve the song and artist of each play.
package transformer

import (
	"context"
	"fmt"

	"sparkify/internal/model"
)

// Matcher resolves a logged play to a known song.
//
// Match returns (nil, nil) when nothing matches; that is the normal outcome for
// plays of songs outside the metadata set and yields NULL foreign keys.
// A nil length never matches.
type Matcher interface {
	Match(ctx context.Context, title, artist string, length *float64) (*model.SongMatch, error)
}

// MatcherFunc adapts a function to the Matcher interface.
type MatcherFunc func(ctx context.Context, title, artist string, length *float64) (*model.SongMatch, error)

// Match calls f.
func (f MatcherFunc) Match(ctx context.Context, title, artist string, length *float64) (*model.SongMatch, error) {
	return f(ctx, title, artist, length)
}

// IsSongPlay reports whether e records a song being played.
func IsSongPlay(e model.LogEvent) bool { return e.Page == model.PageNextSong }

// SongAndArtist projects a song-metadata record onto its songs and artists rows.
func SongAndArtist(rec model.SongRecord) (model.Song, model.Artist) {
	song := model.Song{
		SongID:   rec.SongID,
		Title:    rec.Title,
		ArtistID: rec.ArtistID,
		Year:     rec.Year,
		Duration: rec.Duration,
	}
	artist := model.Artist{
		ArtistID:  rec.ArtistID,
		Name:      rec.ArtistName,
		Location:  rec.ArtistLocation,
		Latitude:  rec.ArtistLatitude,
		Longitude: rec.ArtistLongitude,
	}
	return song, artist
}

func UserFromEvent(e model.LogEvent) model.User {
	return model.User{
		UserID:    e.UserID,
		FirstName: e.FirstName,
		LastName:  e.LastName,
		Gender:    e.Gender,
		Level:     e.Level,
	}
}

func TimeSlotFromEvent(e model.LogEvent) model.TimeSlot {
	return model.NewTimeSlot(e.StartTime())
}

// SongPlayFromEvent builds the fact row for e. A nil match leaves the song and
// artist ids NULL.
func SongPlayFromEvent(e model.LogEvent, match *model.SongMatch) model.SongPlay {
	p := model.SongPlay{
		StartTime: e.StartTime(),
		UserID:    e.UserID,
		Level:     e.Level,
		SessionID: e.SessionID,
		Location:  e.Location,
		UserAgent: e.UserAgent,
	}
	if match != nil {
		songID, artistID := match.SongID, match.ArtistID
		p.SongID = &songID
		p.ArtistID = &artistID
	}
	return p
}

// LogRows holds the rows derived from one batch of log events, each slice in
// input order.
type LogRows struct {
	Time      []model.TimeSlot
	Users     []model.User
	SongPlays []model.SongPlay
}

// MapLogEvents filters events to song plays and derives the time, users and
// songplays rows from them.
//
// Edge cases:
//   - Events with an empty userId are dropped entirely.
//   - A play with no song, artist or length is kept with NULL song/artist ids.
//   - The same user appears once per play; the sink's upsert keeps the last one.
//
// Errors:
//   - The first matcher error aborts mapping and is returned with the event timestamp.
func MapLogEvents(ctx context.Context, events []model.LogEvent, matcher Matcher) (LogRows, error) {
	var out LogRows
	for _, e := range events {
		if !IsSongPlay(e) || e.UserID == "" {
			continue
		}

		var match *model.SongMatch
		if e.Song != nil && e.Artist != nil && e.Length != nil {
			m, err := matcher.Match(ctx, *e.Song, *e.Artist, e.Length)
			if err != nil {
				return LogRows{}, fmt.Errorf("transformer: match play at ts=%d: %w", e.TS, err)
			}
			match = m
		}

		out.Time = append(out.Time, TimeSlotFromEvent(e))
		out.Users = append(out.Users, UserFromEvent(e))
		out.SongPlays = append(out.SongPlays, SongPlayFromEvent(e, match))
	}
	return out, nil
}
