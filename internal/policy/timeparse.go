package policy

import (
	"log"
	"time"
)

// ParseTime parses an ISO-8601 timestamp from the server. An unparsable or
// empty value degrades to nil with a logged warning, never an error.
func ParseTime(iso string) *time.Time {
	if iso == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		log.Printf("[TIME] unparsable timestamp %q: %v", iso, err)
		return nil
	}
	return &t
}

// ParseTimeOrNow is ParseTime with a "now" fallback, for fields that must
// carry a timestamp (audit entries, request creation times).
func ParseTimeOrNow(iso string) time.Time {
	if t := ParseTime(iso); t != nil {
		return *t
	}
	return time.Now().UTC()
}

// FormatTime renders a timestamp the way the wire expects, "" for nil.
func FormatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
