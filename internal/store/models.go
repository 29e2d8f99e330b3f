package store

import "time"

// Credential stores the OAuth identity and tokens for one Google account.
// Email is the account key; a credential marked invalid must not be used for
// automated wakes until the user re-authorizes.
type Credential struct {
	ID           string `gorm:"primaryKey"` // UUID
	Email        string `gorm:"uniqueIndex"`
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       string // JSON array of authorized scopes
	IsInvalid    bool   `gorm:"default:false"`
	IsActive     bool   `gorm:"default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Setting stores application state like the schedule configuration
type Setting struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ResetEvent records that a wake already fired for a (dedup key, resetAt)
// pair, so re-delivered quota snapshots never double-fire.
type ResetEvent struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	DedupKey    string `gorm:"uniqueIndex:idx_key_reset"`
	ResetAt     string `gorm:"uniqueIndex:idx_key_reset"` // RFC3339 as delivered
	TriggeredAt time.Time
}

// TriggerRecord is one entry of the wake history.
type TriggerRecord struct {
	ID           string `gorm:"primaryKey"` // UUID
	AccountEmail string
	Source       string // manual | scheduled | crontab | quota_reset
	Models       string // JSON array of model IDs
	Success      bool
	DurationMs   int64
	Message      string
	CreatedAt    time.Time
}

// ScheduleConfig is the single persisted wake-up configuration. It is stored
// as JSON under the "schedule_config" setting key and only mutated through
// the orchestrator's save operation.
type ScheduleConfig struct {
	Enabled           bool     `json:"enabled"`
	WakeOnReset       bool     `json:"wakeOnReset"`
	Crontab           string   `json:"crontab,omitempty"`
	RepeatMode        string   `json:"repeatMode,omitempty"` // daily | weekdays
	DailyTimes        []string `json:"dailyTimes,omitempty"` // "HH:MM"
	SelectedModels    []string `json:"selectedModels"`
	SelectedAccounts  []string `json:"selectedAccounts,omitempty"`
	TimeWindowEnabled bool     `json:"timeWindowEnabled,omitempty"`
	TimeWindowStart   string   `json:"timeWindowStart,omitempty"` // "HH:MM", may wrap midnight
	TimeWindowEnd     string   `json:"timeWindowEnd,omitempty"`
	FallbackTimes     []string `json:"fallbackTimes,omitempty"`
	CustomPrompt      string   `json:"customPrompt,omitempty"`
}

// ScheduleMode is the closed set of wake-up modes. Exactly one is active at
// any time; the boolean pair in ScheduleConfig can not express an invalid
// combination once collapsed through Mode.
type ScheduleMode int

const (
	ModeDisabled ScheduleMode = iota
	ModeTimed
	ModeQuotaReset
)

func (m ScheduleMode) String() string {
	switch m {
	case ModeTimed:
		return "timed"
	case ModeQuotaReset:
		return "quota_reset"
	default:
		return "disabled"
	}
}

// Mode collapses the enabled/wakeOnReset flags into the active mode.
// WakeOnReset wins over the timed path when both are set.
func (c ScheduleConfig) Mode() ScheduleMode {
	if !c.Enabled {
		return ModeDisabled
	}
	if c.WakeOnReset {
		return ModeQuotaReset
	}
	return ModeTimed
}
