package transform

import (
	"strings"
	"time"

	"github.com/b2fitness/amazon-connector/internal/marketplace"
	"github.com/b2fitness/amazon-connector/pkg/logger"
)

// timestampLayouts are the shapes Amazon timestamps arrive in.
var timestampLayouts = []string{
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05.999999999Z",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses an Amazon timestamp, trying each accepted layout.
func ParseTimestamp(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// lastSundayOf returns the last Sunday of the month at 01:00, the
// European DST switch moment as the legacy data was cut over.
func lastSundayOf(year int, month time.Month) time.Time {
	lastDay := time.Date(year, month+1, 0, 1, 0, 0, 0, time.UTC)
	offset := int(lastDay.Weekday()) % 7
	return lastDay.AddDate(0, 0, -offset)
}

// inEuroSummer reports whether t falls inside the European DST window
// (last Sunday of March 01:00 to last Sunday of October 01:00).
func inEuroSummer(t time.Time) bool {
	start := lastSundayOf(t.Year(), time.March)
	end := lastSundayOf(t.Year(), time.October)
	return !t.Before(start) && t.Before(end)
}

// ConvertPurchaseDate turns a UTC purchase timestamp into the
// marketplace's naive local wall time: UK gets GMT/BST (+0/+1), the EU
// marketplaces CET/CEST (+1/+2), and the NA marketplaces Pacific time
// via the IANA database. The result is carried without a zone marker,
// matching the downstream column type.
func ConvertPurchaseDate(raw string, mp marketplace.Marketplace) (time.Time, bool) {
	utc, ok := ParseTimestamp(raw)
	if !ok {
		if raw != "" {
			logger.WithField("timestamp", raw).Warn("unparseable purchase date")
		}
		return time.Time{}, false
	}

	switch mp.Code {
	case "UK":
		if inEuroSummer(utc) {
			return utc.Add(time.Hour), true
		}
		return utc, true
	case "US", "CA":
		loc, err := time.LoadLocation("America/Los_Angeles")
		if err != nil {
			return time.Time{}, false
		}
		local := utc.In(loc)
		return time.Date(local.Year(), local.Month(), local.Day(),
			local.Hour(), local.Minute(), local.Second(), 0, time.UTC), true
	default:
		if inEuroSummer(utc) {
			return utc.Add(2 * time.Hour), true
		}
		return utc.Add(time.Hour), true
	}
}
