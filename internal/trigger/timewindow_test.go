package trigger

import (
	"testing"
	"time"
)

func clock(t *testing.T, hhmm string) time.Time {
	t.Helper()
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		t.Fatalf("bad clock %q: %v", hhmm, err)
	}
	return time.Date(2026, 3, 10, parsed.Hour(), parsed.Minute(), 0, 0, time.Local)
}

func TestIsInTimeWindow(t *testing.T) {
	tests := []struct {
		name   string
		start  string
		end    string
		now    string
		inside bool
	}{
		{name: "same day at start", start: "09:00", end: "18:00", now: "09:00", inside: true},
		{name: "same day end exclusive", start: "09:00", end: "18:00", now: "18:00", inside: false},
		{name: "same day before start", start: "09:00", end: "18:00", now: "08:59", inside: false},
		{name: "wrap evening", start: "22:00", end: "06:00", now: "23:30", inside: true},
		{name: "wrap after midnight", start: "22:00", end: "06:00", now: "02:00", inside: true},
		{name: "wrap midday outside", start: "22:00", end: "06:00", now: "12:00", inside: false},
		{name: "wrap end exclusive", start: "22:00", end: "06:00", now: "06:00", inside: false},
		{name: "empty start never restricts", start: "", end: "06:00", now: "12:00", inside: true},
		{name: "empty end never restricts", start: "22:00", end: "", now: "12:00", inside: true},
		{name: "malformed never restricts", start: "abc", end: "06:00", now: "12:00", inside: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsInTimeWindow(tt.start, tt.end, clock(t, tt.now))
			if got != tt.inside {
				t.Fatalf("IsInTimeWindow(%q, %q) at %s = %v, want %v",
					tt.start, tt.end, tt.now, got, tt.inside)
			}
		})
	}
}

func TestNextFallbackDelay(t *testing.T) {
	tests := []struct {
		name  string
		times []string
		now   string
		want  time.Duration
		ok    bool
	}{
		{name: "next later today", times: []string{"08:00", "14:00"}, now: "09:30", want: 270 * time.Minute, ok: true},
		{name: "wraps to tomorrow", times: []string{"08:00", "14:00"}, now: "15:00", want: 17 * time.Hour, ok: true},
		{name: "exact match goes to next", times: []string{"08:00"}, now: "08:00", want: 24 * time.Hour, ok: true},
		{name: "unsorted input", times: []string{"14:00", "08:00"}, now: "07:00", want: time.Hour, ok: true},
		{name: "no parseable times", times: []string{"nope"}, now: "07:00", ok: false},
		{name: "empty list", times: nil, now: "07:00", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := nextFallbackDelay(tt.times, clock(t, tt.now))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Fatalf("delay = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFallbackTimerStopPreventsFiring(t *testing.T) {
	ft := newFallbackTimer(nil)
	fired := make(chan struct{}, 1)

	ft.Start([]string{"00:00"}, func() { fired <- struct{}{} })
	ft.Stop()

	if ft.timer != nil {
		t.Fatalf("expected timer to be cleared after Stop")
	}
	select {
	case <-fired:
		t.Fatalf("callback fired after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFallbackTimerStartReplacesChain(t *testing.T) {
	ft := newFallbackTimer(nil)
	ft.Start([]string{"00:00"}, func() {})
	first := ft.gen
	ft.Start([]string{"12:00"}, func() {})

	if ft.gen == first {
		t.Fatalf("expected generation bump on restart")
	}
	if ft.timer == nil {
		t.Fatalf("expected replacement chain to be armed")
	}
	ft.Stop()
}
