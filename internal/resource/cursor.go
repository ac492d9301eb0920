package resource

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Cursor points at the last row of a page.
type Cursor struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

var errBadCursor = errors.New("malformed cursor")

// Encode returns the opaque form handed to callers.
func (c Cursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses an opaque cursor. Both URL-safe and standard base64 are accepted.
func DecodeCursor(s string) (Cursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cursor{}, errBadCursor
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Cursor{}, errBadCursor
		}
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, errBadCursor
	}
	if c.ID == "" || c.CreatedAt.IsZero() {
		return Cursor{}, errBadCursor
	}
	return c, nil
}

// After reports whether r sorts strictly after the cursor.
func (c Cursor) After(r Record) bool {
	if r.CreatedAt.Equal(c.CreatedAt) {
		return r.ID > c.ID
	}
	return r.CreatedAt.After(c.CreatedAt)
}
