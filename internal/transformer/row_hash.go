package transformer

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"sparkify/internal/model"
)

// hashField is one named component of a row hash.
type hashField struct {
	Name  string
	Value any
}

// SongplayID derives a stable identifier for a song play from its natural key
// (start_time, user_id, session_id). Loading the same log twice yields the same ids.
//
// The result is a lowercase 64-character hex SHA-256.
func SongplayID(p model.SongPlay) string {
	return rowHash([]hashField{
		{Name: "start_time", Value: p.StartTime},
		{Name: "user_id", Value: p.UserID},
		{Name: "session_id", Value: p.SessionID},
	})
}

// rowHash hashes fields in the given order.
//
// Canonicalization rules:
//   - Components are "name=value" joined by ASCII Unit Separator (0x1f).
//   - nil values (including nil pointers) are a single NUL byte, so missing differs
//     from empty-string.
//   - time.Time values are RFC3339Nano in UTC.
func rowHash(fields []hashField) string {
	var b strings.Builder
	b.Grow(len(fields) * 24)

	for i, f := range fields {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(f.Name)
		b.WriteByte('=')
		appendCanonicalValue(&b, f.Value)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func appendCanonicalValue(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteByte('\x00')
	case string:
		b.WriteString(t)
	case *string:
		if t == nil {
			b.WriteByte('\x00')
			return
		}
		b.WriteString(*t)
	case int:
		b.WriteString(strconv.Itoa(t))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case *float64:
		if t == nil {
			b.WriteByte('\x00')
			return
		}
		b.WriteString(strconv.FormatFloat(*t, 'g', -1, 64))
	case time.Time:
		tt := t
		if !tt.IsZero() {
			tt = tt.UTC()
		}
		b.WriteString(tt.Format(time.RFC3339Nano))
	default:
		// Unsupported types hash as NUL rather than panicking.
		b.WriteByte('\x00')
	}
}
