package json

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"sparkify/internal/model"
)

// DecodeSong reads one song-metadata document.
//
// The reader must contain exactly one JSON object. Keys are read by name:
//
//	song_id, title, artist_id, artist_name, year, duration   required
//	artist_location, artist_latitude, artist_longitude       nullable
//	num_songs                                                optional
//
// Errors:
//   - Malformed JSON, a non-object root or trailing data returns an error.
//   - A required key that is absent or null returns an error wrapping ErrMissingField.
func DecodeSong(r io.Reader) (model.SongRecord, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		if errors.Is(err, io.EOF) {
			return model.SongRecord{}, fmt.Errorf("json: empty song document")
		}
		return model.SongRecord{}, fmt.Errorf("json: decode song: %w", err)
	}
	if obj == nil {
		return model.SongRecord{}, fmt.Errorf("json: song document is null")
	}
	if dec.More() {
		return model.SongRecord{}, fmt.Errorf("json: trailing data after song object")
	}

	return songFromObject(obj)
}

func songFromObject(obj map[string]any) (model.SongRecord, error) {
	var (
		rec model.SongRecord
		err error
	)

	if rec.SongID, err = reqString(obj, "song_id"); err != nil {
		return rec, err
	}
	if rec.Title, err = reqString(obj, "title"); err != nil {
		return rec, err
	}
	if rec.ArtistID, err = reqString(obj, "artist_id"); err != nil {
		return rec, err
	}
	if rec.ArtistName, err = reqString(obj, "artist_name"); err != nil {
		return rec, err
	}

	year, err := reqInt(obj, "year")
	if err != nil {
		return rec, err
	}
	rec.Year = int(year)

	if rec.Duration, err = reqFloat(obj, "duration"); err != nil {
		return rec, err
	}

	if rec.ArtistLocation, err = optString(obj, "artist_location"); err != nil {
		return rec, err
	}
	if rec.ArtistLatitude, err = optFloat(obj, "artist_latitude"); err != nil {
		return rec, err
	}
	if rec.ArtistLongitude, err = optFloat(obj, "artist_longitude"); err != nil {
		return rec, err
	}

	n, err := integer(obj, "num_songs")
	if err != nil {
		return rec, err
	}
	rec.NumSongs = int(n)

	return rec, nil
}
