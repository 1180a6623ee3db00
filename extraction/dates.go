package extraction

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// dayMonthYear matches DD-MMM-YY / DD-MMM-YYYY ("10-FEB-26", "3-Dec-2025").
var dayMonthYear = regexp.MustCompile(`^(\d{1,2})-([A-Za-z]{3})-(\d{2}|\d{4})$`)

var monthAbbrev = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// monthNameLayouts cover "Month D, YYYY" and "Month DD YYYY" spellings.
var monthNameLayouts = []string{
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
}

// isoLayouts cover ISO date and instant forms.
var isoLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// localeLayouts are the last-resort fallback, normalized to UTC midnight.
var localeLayouts = []string{
	"01/02/2006",
	"1/2/2006",
	"02 Jan 2006",
	"2 Jan 2006",
	time.RFC1123,
	time.RFC822,
}

// ParseDate parses a procurement date string. Accepted forms, in order of
// precedence: DD-MMM-YY (two-digit year pivot: <50 → 20yy, else 19yy),
// Month D, YYYY / Month DD YYYY, ISO YYYY-MM-DD[THH:MM:SSZ], then a small
// set of locale fallbacks. The result is always a UTC-midnight instant —
// never influenced by the server-local timezone.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("extraction: empty date")
	}

	if m := dayMonthYear.FindStringSubmatch(s); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, ok := monthAbbrev[strings.ToLower(m[2])]
		if ok {
			year, _ := strconv.Atoi(m[3])
			if len(m[3]) == 2 {
				if year < 50 {
					year += 2000
				} else {
					year += 1900
				}
			}
			t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
			// Reject impossible days (time.Date silently rolls over).
			if t.Day() == day && t.Month() == month {
				return t, nil
			}
		}
	}

	for _, layout := range monthNameLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return midnightUTC(t), nil
		}
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return midnightUTC(t), nil
		}
	}
	for _, layout := range localeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return midnightUTC(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("extraction: unparseable date %q", s)
}

// midnightUTC truncates an instant to midnight UTC of its calendar day.
func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
