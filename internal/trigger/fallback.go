package trigger

import (
	"log"
	"sync"
	"time"
)

// fallbackTimer is the self-rescheduling single-shot chain behind the
// fallback wake times. One handle both arms the next delay and tears the
// chain down atomically; Start replaces any live chain so at most one timer
// is ever armed.
type fallbackTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   int // invalidates in-flight fires after Stop/Start
	now   func() time.Time
}

func newFallbackTimer(now func() time.Time) *fallbackTimer {
	if now == nil {
		now = time.Now
	}
	return &fallbackTimer{now: now}
}

// Start arms the chain over the given clock times. fire runs on every tick;
// the chain rearms itself afterwards regardless of fire's outcome.
func (f *fallbackTimer) Start(times []string, fire func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()
	f.gen++
	f.armLocked(times, fire, f.gen)
}

// Stop cancels the outstanding timer. In-flight callbacks that have not yet
// run are invalidated.
func (f *fallbackTimer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()
	f.gen++
}

func (f *fallbackTimer) stopLocked() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *fallbackTimer) armLocked(times []string, fire func(), gen int) {
	delay, ok := nextFallbackDelay(times, f.now())
	if !ok {
		log.Printf("[Fallback] No parseable fallback times, chain not armed")
		return
	}
	log.Printf("[Fallback] Next fallback wake in %s", delay.Round(time.Second))
	f.timer = time.AfterFunc(delay, func() {
		f.mu.Lock()
		stale := gen != f.gen
		f.mu.Unlock()
		if stale {
			return
		}

		fire()

		f.mu.Lock()
		defer f.mu.Unlock()
		if gen != f.gen {
			return
		}
		f.armLocked(times, fire, gen)
	})
}
