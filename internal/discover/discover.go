// Package discover enumerates input files: a recursive walk for local trees and
// wildcard matching for object-store keys.
package discover

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Files returns the absolute paths of all regular files under root whose name
// ends with ext (e.g. ".json"), searching subdirectories recursively.
//
// Ordering:
//   - Paths are sorted lexically so progress logs are stable between runs.
//     Callers process each file independently and must not rely on it otherwise.
//
// Edge cases:
//   - Zero matches is not an error; Files returns an empty (non-nil) slice.
//   - ext is matched case-sensitively, like a shell glob.
//
// Errors:
//   - A missing root or an unreadable directory anywhere in the tree aborts the walk.
func Files(root string, ext string) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("discover: abs %s: %w", root, err)
	}

	out := []string{}
	err = filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ext) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover: walk %s: %w", root, err)
	}

	sort.Strings(out)
	return out, nil
}

// MatchGlob filters object keys by a shell-style pattern where '*' never crosses
// a '/' (the semantics of path.Match). The result keeps the input order.
//
// Malformed patterns match nothing.
func MatchGlob(keys []string, pattern string) []string {
	out := make([]string, 0)
	for _, k := range keys {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return out[:0]
		}
		if ok {
			out = append(out, k)
		}
	}
	return out
}

// StaticPrefix returns the longest leading part of pattern that contains no
// wildcard, cut back to the last '/'. It is the listing prefix for an object store.
//
//	StaticPrefix("log_data/*/*/*.json")        == "log_data/"
//	StaticPrefix("song_data/A/B/C/TRA*.json")  == "song_data/A/B/C/"
func StaticPrefix(pattern string) string {
	i := strings.IndexAny(pattern, `*?[\`)
	if i < 0 {
		return pattern
	}
	head := pattern[:i]
	j := strings.LastIndex(head, "/")
	if j < 0 {
		return ""
	}
	return head[:j+1]
}
