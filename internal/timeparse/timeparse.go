// Package timeparse resolves the relative date phrases that extraction
// backends put into summary events ("tomorrow", "next Tuesday at 2pm") into
// absolute instants, anchored on the conversation start in the owner's
// timezone.
package timeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultHour is used when a phrase names a day but no time of day.
const DefaultHour = 9

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

var (
	reWeekday  = regexp.MustCompile(`\b(?:(next|this|on|coming)\s+)?(sunday|monday|tuesday|wednesday|thursday|friday|saturday)\b`)
	reWeekdayQ = regexp.MustCompile(`\b(next|this|on|coming)\s+(sun|mon|tues|tue|wed|thurs|thu|fri|sat)\b`)
	reMidday   = regexp.MustCompile(`\b(noon|midday)\b`)
	reInDays   = regexp.MustCompile(`\bin\s+(\d{1,3})\s+(day|days|week|weeks)\b`)
	reInHours  = regexp.MustCompile(`\bin\s+(\d{1,3})\s+(minute|minutes|min|mins|hour|hours)\b`)
	reClock12  = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)
	reClock24  = regexp.MustCompile(`\b(?:at\s+)?([01]?\d|2[0-3]):([0-5]\d)\b`)
	reAtHour   = regexp.MustCompile(`\bat\s+(\d{1,2})\b`)
	reOffsetTZ = regexp.MustCompile(`^(?:utc|gmt)?\s*([+-])\s*(\d{1,2})(?::?(\d{2}))?$`)
)

// Resolve interprets phrase relative to ref in loc and returns the instant in
// UTC. ok is false when the phrase contains neither a day nor a time of day.
//
// "next <weekday>" is the first such weekday strictly after ref's day, while
// "this/on <weekday>" may be ref's day itself. A phrase with only a time of
// day that has already passed on ref's day resolves to the following day.
func Resolve(phrase string, ref time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	p := normalize(phrase)
	local := ref.In(loc)

	if m := reInHours.FindStringSubmatch(p); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := time.Hour
		if strings.HasPrefix(m[2], "min") {
			unit = time.Minute
		}
		return ref.Add(time.Duration(n) * unit).UTC(), true
	}

	dayOffset, haveDay := resolveDay(p, local)
	hour, minute, haveTime := resolveClock(p)

	if !haveDay && !haveTime {
		return time.Time{}, false
	}
	if !haveTime {
		hour, minute = DefaultHour, 0
	}

	y, mo, d := local.Date()
	out := time.Date(y, mo, d+dayOffset, hour, minute, 0, 0, loc)
	if !haveDay && out.Before(local) {
		out = out.AddDate(0, 0, 1)
	}
	return out.UTC(), true
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("a.m.", "am", "p.m.", "pm", ",", " ", ".", " ", "!", " ", "?", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// resolveDay returns the number of days after local's date that the phrase
// refers to.
func resolveDay(p string, local time.Time) (int, bool) {
	switch {
	case strings.Contains(p, "day after tomorrow"):
		return 2, true
	case strings.Contains(p, "tomorrow"):
		return 1, true
	case strings.Contains(p, "today"), strings.Contains(p, "tonight"), strings.Contains(p, "this evening"),
		strings.Contains(p, "this afternoon"), strings.Contains(p, "this morning"):
		return 0, true
	}

	if m := reInDays.FindStringSubmatch(p); m != nil {
		n, _ := strconv.Atoi(m[1])
		if strings.HasPrefix(m[2], "week") {
			n *= 7
		}
		return n, true
	}

	// Abbreviations double as ordinary words ("sat", "wed"), so they only
	// count after a qualifier.
	m := reWeekday.FindStringSubmatch(p)
	if m == nil {
		m = reWeekdayQ.FindStringSubmatch(p)
	}
	if m != nil {
		target := weekdays[m[2]]
		diff := (int(target) - int(local.Weekday()) + 7) % 7
		if diff == 0 && (m[1] == "next" || m[1] == "coming") {
			diff = 7
		}
		return diff, true
	}

	if strings.Contains(p, "next week") {
		return 7, true
	}
	return 0, false
}

// resolveClock extracts a time of day.
func resolveClock(p string) (hour, minute int, ok bool) {
	if m := reClock12.FindStringSubmatch(p); m != nil {
		h, _ := strconv.Atoi(m[1])
		if h >= 1 && h <= 12 {
			if m[2] != "" {
				minute, _ = strconv.Atoi(m[2])
			}
			h %= 12
			if m[3] == "pm" {
				h += 12
			}
			return h, minute, true
		}
	}
	if m := reClock24.FindStringSubmatch(p); m != nil {
		h, _ := strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
		return h, minute, true
	}

	switch {
	case reMidday.MatchString(p):
		return 12, 0, true
	case strings.Contains(p, "midnight"):
		return 0, 0, true
	}

	if m := reAtHour.FindStringSubmatch(p); m != nil {
		h, _ := strconv.Atoi(m[1])
		if h <= 23 {
			// A bare "at 3" in the afternoon or evening context means pm.
			if h < 12 && (strings.Contains(p, "afternoon") || strings.Contains(p, "evening") || strings.Contains(p, "tonight")) {
				h += 12
			}
			return h, 0, true
		}
	}

	switch {
	case strings.Contains(p, "morning"):
		return 9, 0, true
	case strings.Contains(p, "afternoon"):
		return 15, 0, true
	case strings.Contains(p, "evening"):
		return 18, 0, true
	case strings.Contains(p, "tonight"):
		return 20, 0, true
	}
	return 0, 0, false
}

// Location parses an IANA zone name ("America/Chicago") or a fixed offset
// ("UTC-5", "-05:00", "+0530", "GMT+1"). An empty string is UTC.
func Location(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "utc") || strings.EqualFold(tz, "gmt") || tz == "Z" {
		return time.UTC, nil
	}
	if m := reOffsetTZ.FindStringSubmatch(strings.ToLower(tz)); m != nil {
		h, _ := strconv.Atoi(m[2])
		mins := 0
		if m[3] != "" {
			mins, _ = strconv.Atoi(m[3])
		}
		if h > 14 || mins > 59 {
			return nil, fmt.Errorf("timeparse: offset out of range: %q", tz)
		}
		secs := h*3600 + mins*60
		if m[1] == "-" {
			secs = -secs
		}
		return time.FixedZone(tz, secs), nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timeparse: unknown timezone %q: %w", tz, err)
	}
	return loc, nil
}
