package scheduler

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// The closed set of phrases ParseNaturalTime understands. Anything else is
// the caller's problem (they fall back to RFC 3339).
var (
	reInMinutes  = regexp.MustCompile(`in (\d+) minutes?`)
	reInHours    = regexp.MustCompile(`in (\d+) hours?`)
	reInDays     = regexp.MustCompile(`in (\d+) days?`)
	reTomorrowAt = regexp.MustCompile(`tomorrow at (\d+):?(\d*)\s*(am|pm)?`)
	reAtClock    = regexp.MustCompile(`at (\d+):(\d+)\s*(am|pm)?`)
	reAtHour     = regexp.MustCompile(`at (\d+)\s*(am|pm)`)
)

// ParseNaturalTime resolves phrases like "in 10 minutes", "tomorrow at
// 9am", or "at 17:30" to an absolute time relative to now. A bare "at H"
// that already passed today rolls to tomorrow. Returns false when no
// pattern matches.
func ParseNaturalTime(text string, now time.Time) (time.Time, bool) {
	text = strings.ToLower(strings.TrimSpace(text))

	if m := reInMinutes.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return now.Add(time.Duration(n) * time.Minute), true
	}
	if m := reInHours.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return now.Add(time.Duration(n) * time.Hour), true
	}
	if m := reInDays.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return now.AddDate(0, 0, n), true
	}
	if m := reTomorrowAt.FindStringSubmatch(text); m != nil {
		hour, minute, ok := clockFrom(m[1], m[2], m[3])
		if !ok {
			return time.Time{}, false
		}
		tomorrow := now.AddDate(0, 0, 1)
		return time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), hour, minute, 0, 0, now.Location()), true
	}
	if m := reAtClock.FindStringSubmatch(text); m != nil {
		return todayOrTomorrow(now, m[1], m[2], m[3])
	}
	if m := reAtHour.FindStringSubmatch(text); m != nil {
		return todayOrTomorrow(now, m[1], "", m[2])
	}
	return time.Time{}, false
}

// todayOrTomorrow builds today's instance of the clock time, rolling a day
// forward when that moment already passed.
func todayOrTomorrow(now time.Time, hourStr, minuteStr, meridiem string) (time.Time, bool) {
	hour, minute, ok := clockFrom(hourStr, minuteStr, meridiem)
	if !ok {
		return time.Time{}, false
	}
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if at.Before(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at, true
}

// clockFrom converts matched hour/minute/meridiem strings to 24-hour clock
// values. Out-of-range values reject the match.
func clockFrom(hourStr, minuteStr, meridiem string) (hour, minute int, ok bool) {
	hour, err := strconv.Atoi(hourStr)
	if err != nil {
		return 0, 0, false
	}
	if minuteStr != "" {
		minute, err = strconv.Atoi(minuteStr)
		if err != nil {
			return 0, 0, false
		}
	}
	switch meridiem {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}
