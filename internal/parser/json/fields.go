// Package json decodes the two input shapes of the pipeline: single-object song
// metadata files and line-delimited activity logs.
//
// Both decoders read into map[string]any with UseNumber and then pick fields by
// name, so a change of key order in the source never shifts a value into the
// wrong column.
package json

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// ErrMissingField is returned (wrapped) when a required key is absent or null.
var ErrMissingField = errors.New("missing required field")

// fieldError reports a problem with one key of a JSON object.
type fieldError struct {
	Key string
	Err error
}

func (e *fieldError) Error() string { return fmt.Sprintf("field %q: %v", e.Key, e.Err) }
func (e *fieldError) Unwrap() error { return e.Err }

func missing(key string) error { return &fieldError{Key: key, Err: ErrMissingField} }

// optString returns the string at key, or nil when the key is absent or null.
//
// Numbers are accepted and returned as their JSON text: user ids arrive as strings
// in some log exports and as numbers in others.
// All returned text is NFC-normalized.
func optString(obj map[string]any, key string) (*string, error) {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case string:
		s := norm.NFC.String(v)
		return &s, nil
	case json.Number:
		s := v.String()
		return &s, nil
	case bool:
		s := strconv.FormatBool(v)
		return &s, nil
	default:
		return nil, &fieldError{Key: key, Err: fmt.Errorf("want string, got %T", raw)}
	}
}

func reqString(obj map[string]any, key string) (string, error) {
	s, err := optString(obj, key)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", missing(key)
	}
	return *s, nil
}

// str returns the string at key, or "" when absent or null.
func str(obj map[string]any, key string) (string, error) {
	s, err := optString(obj, key)
	if err != nil || s == nil {
		return "", err
	}
	return *s, nil
}

// optFloat returns the number at key, or nil when absent or null.
//
// Numeric strings are accepted (staging exports sometimes quote lengths).
// An empty string is treated as null.
func optFloat(obj map[string]any, key string) (*float64, error) {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return nil, nil
	}
	var (
		f   float64
		err error
	)
	switch v := raw.(type) {
	case json.Number:
		f, err = v.Float64()
	case string:
		if v == "" {
			return nil, nil
		}
		f, err = strconv.ParseFloat(v, 64)
	default:
		return nil, &fieldError{Key: key, Err: fmt.Errorf("want number, got %T", raw)}
	}
	if err != nil {
		return nil, &fieldError{Key: key, Err: err}
	}
	return &f, nil
}

func reqFloat(obj map[string]any, key string) (float64, error) {
	f, err := optFloat(obj, key)
	if err != nil {
		return 0, err
	}
	if f == nil {
		return 0, missing(key)
	}
	return *f, nil
}

// optInt returns the integer at key, or nil when absent or null.
func optInt(obj map[string]any, key string) (*int64, error) {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return nil, nil
	}
	var (
		n   int64
		err error
	)
	switch v := raw.(type) {
	case json.Number:
		n, err = v.Int64()
		if err != nil {
			// Accept integral floats such as 1.0 or 1.541121934796E12.
			var f float64
			if f, err = v.Float64(); err == nil {
				n = int64(f)
				if float64(n) != f {
					err = fmt.Errorf("not an integer: %s", v)
				}
			}
		}
	case string:
		if v == "" {
			return nil, nil
		}
		n, err = strconv.ParseInt(v, 10, 64)
	default:
		return nil, &fieldError{Key: key, Err: fmt.Errorf("want integer, got %T", raw)}
	}
	if err != nil {
		return nil, &fieldError{Key: key, Err: err}
	}
	return &n, nil
}

func reqInt(obj map[string]any, key string) (int64, error) {
	n, err := optInt(obj, key)
	if err != nil {
		return 0, err
	}
	if n == nil {
		return 0, missing(key)
	}
	return *n, nil
}

// integer returns the integer at key, or 0 when absent or null.
func integer(obj map[string]any, key string) (int64, error) {
	n, err := optInt(obj, key)
	if err != nil || n == nil {
		return 0, err
	}
	return *n, nil
}
