package trigger

import (
	"fmt"
	"sort"
	"time"
)

// parseClock converts an "HH:MM" string to minutes since midnight.
func parseClock(clock string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(clock, "%d:%d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("invalid clock time %q, want HH:MM", clock)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("clock time %q out of range", clock)
	}
	return hh*60 + mm, nil
}

// IsInTimeWindow reports whether now falls inside the [start, end) window.
// A window with start > end crosses midnight: inside means now >= start OR
// now < end. Absent or malformed bounds never restrict.
func IsInTimeWindow(start, end string, now time.Time) bool {
	if start == "" || end == "" {
		return true
	}
	startMin, err := parseClock(start)
	if err != nil {
		return true
	}
	endMin, err := parseClock(end)
	if err != nil {
		return true
	}

	nowMin := now.Hour()*60 + now.Minute()
	if startMin <= endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	// Window wraps midnight, e.g. 22:00-06:00.
	return nowMin >= startMin || nowMin < endMin
}

// nextFallbackDelay finds the delay until the next fallback time strictly
// after now. When every time today has passed, it wraps to the earliest
// time tomorrow. Returns false when no time parses.
func nextFallbackDelay(times []string, now time.Time) (time.Duration, bool) {
	var minutes []int
	for _, clock := range times {
		m, err := parseClock(clock)
		if err != nil {
			continue
		}
		minutes = append(minutes, m)
	}
	if len(minutes) == 0 {
		return 0, false
	}
	sort.Ints(minutes)

	nowMin := now.Hour()*60 + now.Minute()
	target := -1
	for _, m := range minutes {
		if m > nowMin {
			target = m
			break
		}
	}
	if target == -1 {
		target = minutes[0] + 24*60
	}

	delay := time.Duration(target-nowMin)*time.Minute - time.Duration(now.Second())*time.Second
	if delay <= 0 {
		delay = time.Minute
	}
	return delay, true
}
