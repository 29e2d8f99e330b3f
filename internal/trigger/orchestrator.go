// Package trigger is the single decision point for "should a wake fire now,
// and for whom". It reconciles the three mutually-exclusive wake-up modes,
// fans triggers out across accounts and de-duplicates quota-reset firings.
package trigger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/YuHaibo/antigravity-cockpit/internal/logging"
	"github.com/YuHaibo/antigravity-cockpit/internal/store"
	"github.com/YuHaibo/antigravity-cockpit/internal/wake"
)

// TokenSource hands out currently-valid access tokens per account.
type TokenSource interface {
	GetValidAccessToken(email string) string
}

// Waker executes the actual wake request for one account.
type Waker interface {
	Trigger(ctx context.Context, accessToken, accountEmail string, models []string, customPrompt, source string) wake.Result
	FetchAvailableModels(filterConstants []string) []wake.ModelInfo
}

// CronScheduler is the external cron/fixed-time calculator.
type CronScheduler interface {
	SetSchedule(cfg store.ScheduleConfig, fn func()) error
	Stop()
	NextRunTime() *time.Time
}

// QuotaModel is one model's quota snapshot as delivered by the quota poller.
type QuotaModel struct {
	ID        string  `json:"id"`
	ResetAt   string  `json:"resetAt,omitempty"`
	Remaining float64 `json:"remaining"`
	Limit     float64 `json:"limit"`
}

// Summary aggregates a multi-account fan-out. Success is true when any
// account succeeded; Response carries the first successful body, Error the
// first failure message when none succeed.
type Summary struct {
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ResetEligibility selects the predicate deciding when a quota snapshot is
// allowed to fire. The source signal is ambiguous, so it stays configurable.
type ResetEligibility int

const (
	// EligibilityRemainingOrLedger fires when remaining quota increased or
	// when the ledger has no entry for this exact resetAt.
	EligibilityRemainingOrLedger ResetEligibility = iota
	// EligibilityLedgerOnly fires solely on a missing ledger entry.
	EligibilityLedgerOnly
	// EligibilityRemainingOnly fires solely on a remaining-quota increase.
	EligibilityRemainingOnly
)

// Orchestrator owns the wake-up mode state machine. Construct with
// NewOrchestrator, then Initialize to restore the persisted schedule;
// Dispose cancels every timer it armed.
type Orchestrator struct {
	store  *store.Store
	tokens TokenSource
	waker  Waker
	sched  CronScheduler

	fallback    *fallbackTimer
	eligibility ResetEligibility
	now         func() time.Time

	mu              sync.Mutex
	modelToConstant map[string]string  // user-facing id -> provider constant
	quotaConstants  []string           // last snapshot's constants, nil before the first one
	lastRemaining   map[string]float64 // dedup key -> last observed remaining
}

// NewOrchestrator wires the orchestrator to its collaborators.
func NewOrchestrator(st *store.Store, tokens TokenSource, waker Waker, sched CronScheduler) *Orchestrator {
	now := time.Now
	return &Orchestrator{
		store:           st,
		tokens:          tokens,
		waker:           waker,
		sched:           sched,
		fallback:        newFallbackTimer(now),
		eligibility:     EligibilityRemainingOrLedger,
		now:             now,
		modelToConstant: make(map[string]string),
		lastRemaining:   make(map[string]float64),
	}
}

// SetEligibility overrides the quota-reset eligibility predicate.
func (o *Orchestrator) SetEligibility(e ResetEligibility) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.eligibility = e
}

// Initialize restores the persisted schedule and arms the matching mode.
func (o *Orchestrator) Initialize() error {
	o.refreshModelIndex(nil)

	cfg, err := o.store.ScheduleConfig()
	if err != nil {
		return fmt.Errorf("restore schedule: %w", err)
	}
	if err := o.applyMode(cfg); err != nil {
		// A stale config must not prevent startup; it only loses its timers.
		log.Printf("[Orchestrator] Could not arm restored schedule: %v", err)
	}
	log.Printf("[Orchestrator] Initialized, mode=%s", cfg.Mode())
	return nil
}

// Dispose stops the cron scheduler and the fallback chain. No callback
// fires after Dispose returns.
func (o *Orchestrator) Dispose() {
	o.sched.Stop()
	o.fallback.Stop()
	log.Printf("[Orchestrator] Disposed")
}

// SetQuotaModels narrows the model index to the constants present in quota
// data. Called by the quota poller whenever a fresh snapshot arrives.
func (o *Orchestrator) SetQuotaModels(constants []string) {
	o.refreshModelIndex(constants)
}

func (o *Orchestrator) refreshModelIndex(constants []string) {
	models := o.waker.FetchAvailableModels(constants)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotaConstants = constants
	o.modelToConstant = make(map[string]string, len(models))
	for _, m := range models {
		if m.ID != "" && m.ModelConstant != "" {
			o.modelToConstant[m.ID] = m.ModelConstant
		}
	}
}

// AvailableModels lists the wakeable models, narrowed to the constants seen
// in the latest quota snapshot once one has arrived.
func (o *Orchestrator) AvailableModels() []wake.ModelInfo {
	o.mu.Lock()
	constants := o.quotaConstants
	o.mu.Unlock()
	return o.waker.FetchAvailableModels(constants)
}

// SaveSchedule validates, persists and arms a new configuration. Validation
// failures reject the save before anything is persisted, so the caller can
// surface the message without a half-applied state.
func (o *Orchestrator) SaveSchedule(cfg store.ScheduleConfig) error {
	if cfg.Crontab != "" {
		if err := validateCrontabExpr(cfg.Crontab); err != nil {
			return fmt.Errorf("invalid crontab expression: %w", err)
		}
	}
	if cfg.Mode() == store.ModeTimed {
		if len(o.ResolveAccounts(cfg.SelectedAccounts)) == 0 {
			return fmt.Errorf("no usable account, authorize first")
		}
		if cfg.Crontab == "" {
			if len(cfg.DailyTimes) == 0 {
				return fmt.Errorf("timed schedule needs a crontab or at least one daily time")
			}
			for _, entry := range cfg.DailyTimes {
				if _, err := parseClock(entry); err != nil {
					return fmt.Errorf("invalid daily time %q: %w", entry, err)
				}
			}
		}
	}

	if err := o.store.SaveScheduleConfig(cfg); err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}
	if err := o.applyMode(cfg); err != nil {
		return err
	}
	log.Printf("[Orchestrator] Schedule saved, mode=%s", cfg.Mode())
	return nil
}

// applyMode enforces the mutual exclusion of the three wake-up modes: the
// cron scheduler and the fallback chain are never armed at the same time.
func (o *Orchestrator) applyMode(cfg store.ScheduleConfig) error {
	switch cfg.Mode() {
	case store.ModeQuotaReset:
		o.sched.Stop()
		if cfg.TimeWindowEnabled && len(cfg.FallbackTimes) > 0 {
			o.fallback.Start(cfg.FallbackTimes, o.fireFallback)
		} else {
			o.fallback.Stop()
		}
	case store.ModeTimed:
		o.fallback.Stop()
		if err := o.sched.SetSchedule(cfg, o.executeScheduled); err != nil {
			return err
		}
	default:
		o.sched.Stop()
		o.fallback.Stop()
	}
	return nil
}

// DisableSchedule turns all autonomous firing off, persisting the disabled
// flag and tearing down both timer sources. Used after the last usable
// account is revoked.
func (o *Orchestrator) DisableSchedule() error {
	cfg, err := o.store.ScheduleConfig()
	if err != nil {
		return err
	}
	cfg.Enabled = false
	if err := o.store.SaveScheduleConfig(cfg); err != nil {
		return err
	}
	return o.applyMode(cfg)
}

// NextRunTime exposes the cron scheduler's next tick, nil when idle.
func (o *Orchestrator) NextRunTime() *time.Time {
	return o.sched.NextRunTime()
}

// ResolveAccounts maps the requested account list to actually usable
// accounts: explicit selection filtered against the store, else the active
// account, else the first stored one. Candidates without a refresh token
// are discarded.
func (o *Orchestrator) ResolveAccounts(requested []string) []string {
	creds, err := o.store.Credentials()
	if err != nil || len(creds) == 0 {
		return nil
	}
	byEmail := make(map[string]store.Credential, len(creds))
	for _, c := range creds {
		byEmail[c.Email] = c
	}

	var candidates []string
	for _, email := range requested {
		if _, ok := byEmail[email]; ok {
			candidates = append(candidates, email)
		}
	}
	if len(candidates) == 0 {
		if active, err := o.store.ActiveAccount(); err == nil && active != "" {
			if _, ok := byEmail[active]; ok {
				candidates = append(candidates, active)
			}
		}
	}
	if len(candidates) == 0 {
		candidates = append(candidates, creds[0].Email)
	}

	var usable []string
	for _, email := range candidates {
		if byEmail[email].RefreshToken == "" {
			continue
		}
		usable = append(usable, email)
	}
	return usable
}

// TriggerNow fires a manual wake across the resolved accounts. An empty
// model list falls back to the configured selection.
func (o *Orchestrator) TriggerNow(models []string, customPrompt string) Summary {
	if !o.store.HasValidCredential() {
		return Summary{Error: "not authorized, complete authorization first"}
	}
	cfg, _ := o.store.ScheduleConfig()
	if len(models) == 0 {
		models = cfg.SelectedModels
	}
	if customPrompt == "" {
		customPrompt = cfg.CustomPrompt
	}
	return o.executeTrigger(cfg, models, customPrompt, "manual")
}

// TestTrigger is TriggerNow without a custom prompt.
func (o *Orchestrator) TestTrigger(models []string) Summary {
	return o.TriggerNow(models, "")
}

// executeScheduled is the cron callback for the timed mode.
func (o *Orchestrator) executeScheduled() {
	cfg, err := o.store.ScheduleConfig()
	if err != nil {
		log.Printf("[Orchestrator] Scheduled trigger skipped, config unreadable: %v", err)
		return
	}
	source := "scheduled"
	if cfg.Crontab != "" {
		source = "crontab"
	}
	summary := o.executeTrigger(cfg, cfg.SelectedModels, cfg.CustomPrompt, source)
	if summary.Success {
		log.Printf("[Orchestrator] Scheduled trigger executed successfully")
	} else {
		log.Printf("[Orchestrator] Scheduled trigger failed: %s", summary.Error)
	}
}

// fireFallback runs on each fallback tick. When the moment is back inside
// the time window, quota-reset mode is expected to handle the wake and the
// tick is skipped; the chain rearms either way.
func (o *Orchestrator) fireFallback() {
	cfg, err := o.store.ScheduleConfig()
	if err != nil || cfg.Mode() != store.ModeQuotaReset {
		return
	}
	if IsInTimeWindow(cfg.TimeWindowStart, cfg.TimeWindowEnd, o.now()) {
		log.Printf("[Orchestrator] Fallback tick inside time window, skipping")
		return
	}
	log.Printf("[Orchestrator] Fallback wake firing")
	summary := o.executeTrigger(cfg, cfg.SelectedModels, cfg.CustomPrompt, "scheduled")
	if !summary.Success {
		log.Printf("[Orchestrator] Fallback wake failed: %s", summary.Error)
	}
}

// executeTrigger fans one wake out across the resolved accounts,
// sequentially so one account's failure never aborts another's attempt.
func (o *Orchestrator) executeTrigger(cfg store.ScheduleConfig, models []string, customPrompt, source string) Summary {
	accounts := o.ResolveAccounts(cfg.SelectedAccounts)
	if len(accounts) == 0 {
		return Summary{Error: "no usable account"}
	}
	if len(models) == 0 {
		return Summary{Error: "no models selected"}
	}

	ctx := logging.WithRequestID(context.Background(), logging.GenerateRequestID())

	var summary Summary
	for _, email := range accounts {
		accessToken := o.tokens.GetValidAccessToken(email)
		if accessToken == "" {
			log.Printf("[Orchestrator] No valid access token for %s, skipping", email)
			if summary.Error == "" {
				summary.Error = fmt.Sprintf("no valid access token for %s", email)
			}
			continue
		}

		result := o.waker.Trigger(ctx, accessToken, email, models, customPrompt, source)
		summary.DurationMs += result.DurationMs
		if result.Success {
			summary.Success = true
			if summary.Response == "" {
				summary.Response = result.Message
			}
		} else if summary.Error == "" {
			summary.Error = result.Message
		}
	}

	if summary.Success {
		summary.Error = ""
	}
	return summary
}

// CheckAndTriggerOnQuotaReset inspects a fresh quota snapshot and fires one
// merged wake for every model whose quota just reset. Eligible models are
// marked in the ledger before the network call, closing the race where
// overlapping snapshots double-fire for the same reset.
func (o *Orchestrator) CheckAndTriggerOnQuotaReset(models []QuotaModel) Summary {
	cfg, err := o.store.ScheduleConfig()
	if err != nil {
		return Summary{Error: err.Error()}
	}
	if cfg.Mode() != store.ModeQuotaReset {
		return Summary{}
	}
	if !o.store.HasValidCredential() {
		log.Printf("[Orchestrator] Quota reset ignored: not authorized")
		return Summary{}
	}
	if cfg.TimeWindowEnabled && !IsInTimeWindow(cfg.TimeWindowStart, cfg.TimeWindowEnd, o.now()) {
		// Outside the window quota-reset wakes are deliberately suppressed;
		// the fallback chain covers these hours.
		log.Printf("[Orchestrator] Quota reset outside time window, suppressed")
		return Summary{}
	}

	quotaByID := make(map[string]QuotaModel, len(models))
	for _, m := range models {
		quotaByID[m.ID] = m
	}

	o.mu.Lock()
	var toTrigger []string
	for _, modelID := range cfg.SelectedModels {
		constant := o.modelToConstant[modelID]
		quota, found := quotaByID[constant]
		if !found {
			quota, found = quotaByID[modelID]
		}
		if !found || quota.ResetAt == "" {
			continue
		}

		key := constant
		if key == "" {
			key = modelID
		}
		if o.shouldTriggerLocked(key, quota.ResetAt, quota.Remaining) {
			toTrigger = append(toTrigger, modelID)
			// Mark before the network call so a re-delivered snapshot can
			// not fire again for the same reset.
			if err := o.store.MarkResetEvent(key, quota.ResetAt); err != nil {
				log.Printf("[Orchestrator] Failed to mark reset event: %v", err)
			}
		}
		o.lastRemaining[key] = quota.Remaining
	}
	o.mu.Unlock()

	if len(toTrigger) == 0 {
		return Summary{}
	}

	log.Printf("[Orchestrator] Wake on reset: triggering for %v", toTrigger)
	return o.executeTrigger(cfg, toTrigger, cfg.CustomPrompt, "quota_reset")
}

// shouldTriggerLocked evaluates the configured eligibility predicate. The
// ledger check always wins: a (key, resetAt) pair that already fired never
// fires again. Callers hold o.mu.
func (o *Orchestrator) shouldTriggerLocked(key, resetAt string, remaining float64) bool {
	if o.store.HasResetEvent(key, resetAt) {
		return false
	}

	prev, seen := o.lastRemaining[key]
	remainingIncreased := seen && remaining > prev

	if o.eligibility == EligibilityRemainingOnly {
		return remainingIncreased
	}
	// RemainingOrLedger and LedgerOnly: an unseen (key, resetAt) pair is
	// eligible on its own; the remaining-increase signal can only add
	// firings the ledger would already allow.
	return true
}

func validateCrontabExpr(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
