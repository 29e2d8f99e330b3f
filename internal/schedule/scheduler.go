// Package schedule arms the timed wake-up modes: a crontab expression or a
// list of fixed daily times converted to cron specs.
package schedule

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/YuHaibo/antigravity-cockpit/internal/store"
)

// Validation is the outcome of ValidateCrontab.
type Validation struct {
	Valid       bool   `json:"valid"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Scheduler wraps a robfig cron instance. SetSchedule atomically replaces
// the previous cron so at most one timed chain is ever live.
type Scheduler struct {
	mu   sync.Mutex
	cron *cron.Cron
}

// NewScheduler creates an idle scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// SetSchedule stops any armed cron and arms a new one from the config.
// The callback fires on every matching tick.
func (s *Scheduler) SetSchedule(cfg store.ScheduleConfig, fn func()) error {
	specs, err := cronSpecs(cfg)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("schedule has no crontab and no daily times")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		s.cron.Stop()
	}
	c := cron.New()
	for _, spec := range specs {
		if _, err := c.AddFunc(spec, fn); err != nil {
			return fmt.Errorf("invalid schedule spec %q: %w", spec, err)
		}
	}
	c.Start()
	s.cron = c
	log.Printf("[Schedule] Armed %d cron spec(s): %s", len(specs), strings.Join(specs, "; "))
	return nil
}

// Stop disarms the scheduler. Safe to call when idle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
		log.Printf("[Schedule] Stopped")
	}
}

// NextRunTime returns the earliest upcoming tick, or nil when idle.
func (s *Scheduler) NextRunTime() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	var next *time.Time
	for _, entry := range s.cron.Entries() {
		if entry.Next.IsZero() {
			continue
		}
		t := entry.Next
		if next == nil || t.Before(*next) {
			next = &t
		}
	}
	return next
}

// ValidateCrontab parses a standard 5-field cron expression.
func ValidateCrontab(expr string) Validation {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return Validation{Valid: false, Error: err.Error()}
	}
	next := schedule.Next(time.Now())
	return Validation{
		Valid:       true,
		Description: fmt.Sprintf("next run at %s", next.Format("2006-01-02 15:04")),
	}
}

// Describe renders a human-readable summary of the active mode.
func Describe(cfg store.ScheduleConfig) string {
	switch cfg.Mode() {
	case store.ModeQuotaReset:
		if cfg.TimeWindowEnabled && cfg.TimeWindowStart != "" && cfg.TimeWindowEnd != "" {
			return fmt.Sprintf("wake on quota reset between %s and %s",
				cfg.TimeWindowStart, cfg.TimeWindowEnd)
		}
		return "wake on quota reset"
	case store.ModeTimed:
		if cfg.Crontab != "" {
			return fmt.Sprintf("crontab %q", cfg.Crontab)
		}
		times := append([]string(nil), cfg.DailyTimes...)
		sort.Strings(times)
		when := strings.Join(times, ", ")
		if cfg.RepeatMode == "weekdays" {
			return fmt.Sprintf("weekdays at %s", when)
		}
		return fmt.Sprintf("daily at %s", when)
	default:
		return "disabled"
	}
}

// cronSpecs converts the config into standard cron expressions. The crontab
// expression wins over daily times when both are set.
func cronSpecs(cfg store.ScheduleConfig) ([]string, error) {
	if cfg.Crontab != "" {
		if _, err := cron.ParseStandard(cfg.Crontab); err != nil {
			return nil, fmt.Errorf("invalid crontab expression: %w", err)
		}
		return []string{cfg.Crontab}, nil
	}

	dayField := "*"
	if cfg.RepeatMode == "weekdays" {
		dayField = "1-5"
	}

	var specs []string
	for _, clock := range cfg.DailyTimes {
		var hh, mm int
		if _, err := fmt.Sscanf(clock, "%d:%d", &hh, &mm); err != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
			return nil, fmt.Errorf("invalid daily time %q, want HH:MM", clock)
		}
		specs = append(specs, fmt.Sprintf("%d %d * * %s", mm, hh, dayField))
	}
	return specs, nil
}
