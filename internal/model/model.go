// Package model holds the source records and the star-schema rows produced from them.
//
// Source records (SongRecord, LogEvent) mirror the JSON documents field by field.
// Rows (Song, Artist, User, TimeSlot, SongPlay) mirror the target tables column by
// column. Nullable columns are pointers; nil is written as SQL NULL.
package model

import "time"

// PageNextSong is the page value that marks a song play in the activity log.
const PageNextSong = "NextSong"

// SongRecord is one song-metadata document (one JSON object per file).
type SongRecord struct {
	NumSongs        int
	ArtistID        string
	ArtistLatitude  *float64
	ArtistLongitude *float64
	ArtistLocation  *string
	ArtistName      string
	SongID          string
	Title           string
	Duration        float64
	Year            int
}

// LogEvent is one line of an activity log.
//
// Song, Artist and Length are nil for page views that are not song plays.
// UserID is empty for logged-out sessions.
type LogEvent struct {
	Artist        *string
	Auth          string
	FirstName     string
	Gender        string
	ItemInSession int64
	LastName      string
	Length        *float64
	Level         string
	Location      string
	Method        string
	Page          string
	Registration  *float64
	SessionID     int64
	Song          *string
	Status        int64
	TS            int64
	UserAgent     string
	UserID        string
}

// StartTime converts the event's epoch-millisecond timestamp into a UTC time.
func (e LogEvent) StartTime() time.Time { return FromEpochMillis(e.TS) }

// Song is a row of the songs dimension.
type Song struct {
	SongID   string
	Title    string
	ArtistID string
	Year     int
	Duration float64
}

// Artist is a row of the artists dimension.
type Artist struct {
	ArtistID  string
	Name      string
	Location  *string
	Latitude  *float64
	Longitude *float64
}

// User is a row of the users dimension. It is the only dimension that is
// upserted: a later load with a different Level replaces the earlier row.
type User struct {
	UserID    string
	FirstName string
	LastName  string
	Gender    string
	Level     string
}

// SongPlay is a row of the songplays fact table.
//
// SongID and ArtistID are nil when no song matched the logged play.
type SongPlay struct {
	StartTime time.Time
	UserID    string
	Level     string
	SongID    *string
	ArtistID  *string
	SessionID int64
	Location  string
	UserAgent string
}

// SongMatch is the result of resolving a logged play to a known song and artist.
type SongMatch struct {
	SongID   string
	ArtistID string
}
