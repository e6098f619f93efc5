package marketplace

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidDuration is returned for duration strings the catalog should
// never contain.
var ErrInvalidDuration = errors.New("invalid product duration")

const durationPermanent = "permanent"

var durationPattern = regexp.MustCompile(`^(\d+)\s+(week|weeks|month|months)$`)

// expiryFor computes the expiry for a product duration string. Supported
// forms: "<n> week(s)", "<n> month(s)", and "permanent" (no expiry, nil).
func expiryFor(now time.Time, duration string) (*time.Time, error) {
	normalized := strings.ToLower(strings.TrimSpace(duration))
	if normalized == durationPermanent {
		return nil, nil
	}
	match := durationPattern.FindStringSubmatch(normalized)
	if match == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDuration, duration)
	}
	count, err := strconv.Atoi(match[1])
	if err != nil || count <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDuration, duration)
	}
	var expiry time.Time
	switch {
	case strings.HasPrefix(match[2], "week"):
		expiry = now.Add(time.Duration(count) * 7 * 24 * time.Hour)
	default:
		expiry = addCalendarMonths(now, count)
	}
	return &expiry, nil
}

func unixUTC(seconds int64) time.Time {
	return time.Unix(seconds, 0).UTC()
}

// addCalendarMonths increments by whole calendar months, clamping to the last
// day of the target month (Jan 31 + 1 month = Feb 28/29) instead of letting
// the date normalize into the month after.
func addCalendarMonths(moment time.Time, months int) time.Time {
	year, month, day := moment.Date()
	firstOfTarget := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, moment.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	hour, minute, second := moment.Clock()
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, hour, minute, second, moment.Nanosecond(), moment.Location())
}
