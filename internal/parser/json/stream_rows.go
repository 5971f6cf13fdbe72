package json

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"sparkify/internal/model"
)

// maxLineBytes bounds a single log line. Real events are well under 2 KiB.
const maxLineBytes = 4 << 20

// StreamLogEvents decodes a line-delimited activity log and calls fn for every
// event in file order.
//
// Behavior:
//   - One JSON object per line; blank lines are skipped.
//   - Every page type is emitted. Filtering to song plays is the mapper's job.
//   - "page" and "ts" are required on every line; everything else may be absent or null.
//
// Errors:
//   - The first malformed line stops the stream with an error naming the line number.
//     Nothing after it is decoded.
//   - An error returned by fn stops the stream and is returned unchanged.
//   - ctx cancellation is checked between lines.
func StreamLogEvents(ctx context.Context, r io.Reader, fn func(model.LogEvent) error) error {
	br := bufio.NewReaderSize(r, 64<<10)

	line := 0
	for {
		raw, readErr := br.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("json: read line %d: %w", line+1, readErr)
		}
		if len(raw) > 0 {
			line++
			if len(raw) > maxLineBytes {
				return fmt.Errorf("json: line %d exceeds %d bytes", line, maxLineBytes)
			}
			trimmed := bytes.TrimSpace(raw)
			if len(trimmed) > 0 {
				ev, err := decodeLogLine(trimmed)
				if err != nil {
					return fmt.Errorf("json: line %d: %w", line, err)
				}
				if err := fn(ev); err != nil {
					return err
				}
			}
		}

		if errors.Is(readErr, io.EOF) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// ReadLogEvents collects every event of a line-delimited log.
func ReadLogEvents(ctx context.Context, r io.Reader) ([]model.LogEvent, error) {
	var out []model.LogEvent
	err := StreamLogEvents(ctx, r, func(ev model.LogEvent) error {
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodeLogLine(b []byte) (model.LogEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return model.LogEvent{}, err
	}
	if obj == nil {
		return model.LogEvent{}, fmt.Errorf("event is null")
	}
	if dec.More() {
		return model.LogEvent{}, fmt.Errorf("more than one value on the line")
	}
	return eventFromObject(obj)
}

func eventFromObject(obj map[string]any) (model.LogEvent, error) {
	var (
		ev  model.LogEvent
		err error
	)

	if ev.Page, err = reqString(obj, "page"); err != nil {
		return ev, err
	}
	if ev.TS, err = reqInt(obj, "ts"); err != nil {
		return ev, err
	}

	if ev.Artist, err = optString(obj, "artist"); err != nil {
		return ev, err
	}
	if ev.Song, err = optString(obj, "song"); err != nil {
		return ev, err
	}
	if ev.Length, err = optFloat(obj, "length"); err != nil {
		return ev, err
	}
	if ev.Registration, err = optFloat(obj, "registration"); err != nil {
		return ev, err
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"auth", &ev.Auth},
		{"firstName", &ev.FirstName},
		{"gender", &ev.Gender},
		{"lastName", &ev.LastName},
		{"level", &ev.Level},
		{"location", &ev.Location},
		{"method", &ev.Method},
		{"userAgent", &ev.UserAgent},
		{"userId", &ev.UserID},
	}
	for _, s := range strs {
		if *s.dst, err = str(obj, s.key); err != nil {
			return ev, err
		}
	}

	ints := []struct {
		key string
		dst *int64
	}{
		{"itemInSession", &ev.ItemInSession},
		{"sessionId", &ev.SessionID},
		{"status", &ev.Status},
	}
	for _, n := range ints {
		if *n.dst, err = integer(obj, n.key); err != nil {
			return ev, err
		}
	}

	return ev, nil
}
