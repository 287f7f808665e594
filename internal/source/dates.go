package source

import (
	"strings"
	"time"
)

// feedDateLayouts are tried in order; the first match wins.
var feedDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

var youtubeDateLayouts = []string{time.RFC3339Nano, time.RFC3339}

var graphDateLayouts = []string{
	"2006-01-02T15:04:05-0700",
	time.RFC3339,
}

// parseTime parses value with the first matching layout, falling back to now.
func parseTime(value string, layouts []string, now func() time.Time) time.Time {
	value = strings.TrimSpace(value)
	if value != "" {
		for _, layout := range layouts {
			if t, err := time.Parse(layout, value); err == nil {
				return t.UTC()
			}
		}
	}
	return now().UTC()
}
