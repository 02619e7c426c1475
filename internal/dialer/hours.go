package dialer

import (
	"fmt"
	"time"
)

const (
	defaultHoursStart = "09:00"
	defaultHoursEnd   = "18:00"
)

// withinWorkingHours reports whether now falls inside a campaign's dialing
// window. Malformed or missing hours fall back to 09:00–18:00 and an unknown
// timezone falls back to UTC, so a misconfigured campaign dials on a sane
// schedule instead of never or always.
func withinWorkingHours(now time.Time, startStr, endStr, timezone string) bool {
	loc := time.UTC
	if timezone != "" {
		if l, err := time.LoadLocation(timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	startH, startM, ok := parseHHMM(startStr)
	if !ok {
		startH, startM, _ = parseHHMM(defaultHoursStart)
	}
	endH, endM, ok := parseHHMM(endStr)
	if !ok {
		endH, endM, _ = parseHHMM(defaultHoursEnd)
	}

	nowMinutes := local.Hour()*60 + local.Minute()
	startMinutes := startH*60 + startM
	endMinutes := endH*60 + endM

	// Handle overnight windows (e.g. 22:00–06:00).
	if startMinutes > endMinutes {
		return nowMinutes >= startMinutes || nowMinutes < endMinutes
	}
	return nowMinutes >= startMinutes && nowMinutes < endMinutes
}

// parseHHMM parses a "HH:MM" time string into hours and minutes.
func parseHHMM(s string) (int, int, bool) {
	var h, m int
	n, err := fmt.Sscanf(s, "%d:%d", &h, &m)
	if err != nil || n != 2 {
		return 0, 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}
