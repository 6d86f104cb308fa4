package gdrive

import (
	"strings"
	"time"
)

// ParseTime parses a RFC 3339 date-time string. Invalid strings return the zero time.
// input example: 2018-08-03T12:03:30.407Z
func ParseTime(s string) time.Time {
	t := new(time.Time)
	if err := t.UnmarshalText([]byte(s)); err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// escapeQuery escapes a value for a single quoted string in a Drive search query.
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
