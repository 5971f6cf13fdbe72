package transformer

import (
	"context"
	"math"

	"sparkify/internal/model"
)

// JoinKey is the canonical key a logged play is matched on: exact title, exact
// artist name and the duration rounded to whole seconds.
type JoinKey struct {
	Title    string
	Artist   string
	Duration int64
}

// RoundSeconds rounds half away from zero, the behaviour of SQL ROUND on numeric.
func RoundSeconds(d float64) int64 { return int64(math.Round(d)) }

func NewJoinKey(title, artist string, duration float64) JoinKey {
	return JoinKey{Title: title, Artist: artist, Duration: RoundSeconds(duration)}
}

// IndexMatcher is an in-memory Matcher built from song metadata.
//
// When several songs share a key the one with the smallest song_id wins, the
// same tie-break the relational backends use.
type IndexMatcher struct {
	index map[JoinKey]model.SongMatch
}

func NewIndexMatcher(records []model.SongRecord) *IndexMatcher {
	m := &IndexMatcher{index: make(map[JoinKey]model.SongMatch, len(records))}
	for _, rec := range records {
		m.Add(rec)
	}
	return m
}

// Add indexes one more record.
func (m *IndexMatcher) Add(rec model.SongRecord) {
	k := NewJoinKey(rec.Title, rec.ArtistName, rec.Duration)
	if cur, ok := m.index[k]; ok && cur.SongID <= rec.SongID {
		return
	}
	m.index[k] = model.SongMatch{SongID: rec.SongID, ArtistID: rec.ArtistID}
}

func (m *IndexMatcher) Len() int { return len(m.index) }

func (m *IndexMatcher) Match(_ context.Context, title, artist string, length *float64) (*model.SongMatch, error) {
	if length == nil {
		return nil, nil
	}
	hit, ok := m.index[NewJoinKey(title, artist, *length)]
	if !ok {
		return nil, nil
	}
	return &hit, nil
}
