package mapper

import (
	"strings"
	"time"
)

// dateLayouts are the layouts accepted for date fields, tried in
// order. Day-first is tried before month-first for slash dates since
// identity documents overwhelmingly use day-first layouts.
var dateLayouts = []string{
	"2006-01-02",
	"2 Jan 2006",
	"02 Jan 2006",
	"January 2, 2006",
	"02/01/2006",
	"01/02/2006",
	"02.01.2006",
}

// NormalizeDate reformats a recognized date value as YYYY-MM-DD.
// Unparseable values are returned unchanged rather than dropped, so a
// noisy date survives into the record for the caller to inspect.
func NormalizeDate(value string) string {
	v := strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return value
}
