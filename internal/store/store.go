package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const scheduleConfigKey = "schedule_config"
const activeAccountKey = "active_account"

// Store is the persistent credential, configuration and ledger store,
// backed by a SQLite database.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Credential{}, &Setting{}, &ResetEvent{}, &TriggerRecord{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open gorm DB (used by tests).
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Credential{}, &Setting{}, &ResetEvent{}, &TriggerRecord{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// ===== Credentials =====

// Credential returns the credential for an account, or nil when none exists.
func (s *Store) Credential(email string) (*Credential, error) {
	var cred Credential
	err := s.db.Where("email = ?", email).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// Credentials returns all stored credentials in creation order.
func (s *Store) Credentials() ([]Credential, error) {
	var creds []Credential
	if err := s.db.Order("created_at ASC").Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

// SaveCredential inserts or overwrites the credential keyed by its email.
// A re-authorization overwrites tokens and clears the invalid flag while
// preserving the original row ID.
func (s *Store) SaveCredential(cred *Credential) error {
	existing, err := s.Credential(cred.Email)
	if err != nil {
		return err
	}
	if existing != nil {
		cred.ID = existing.ID
		cred.IsActive = existing.IsActive
		cred.CreatedAt = existing.CreatedAt
	} else if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	return s.db.Save(cred).Error
}

// DeleteCredential removes one account. If it was the active account the
// active marker is cleared as well.
func (s *Store) DeleteCredential(email string) error {
	if err := s.db.Where("email = ?", email).Delete(&Credential{}).Error; err != nil {
		return err
	}
	active, err := s.ActiveAccount()
	if err == nil && active == email {
		return s.setSetting(activeAccountKey, "")
	}
	return nil
}

// DeleteAllCredentials removes every stored account.
func (s *Store) DeleteAllCredentials() error {
	if err := s.db.Where("1 = 1").Delete(&Credential{}).Error; err != nil {
		return err
	}
	return s.setSetting(activeAccountKey, "")
}

// MarkInvalid flips the permanent-failure flag for an account.
func (s *Store) MarkInvalid(email string, invalid bool) error {
	return s.db.Model(&Credential{}).Where("email = ?", email).
		Update("is_invalid", invalid).Error
}

// UpdateAccessToken stores a freshly refreshed access token and its expiry.
func (s *Store) UpdateAccessToken(email, accessToken string, expiresAt time.Time) error {
	return s.db.Model(&Credential{}).Where("email = ?", email).
		Updates(map[string]interface{}{
			"access_token": accessToken,
			"expires_at":   expiresAt,
		}).Error
}

// UpdateRefreshToken persists a rotated refresh token (RFC 6749 compliance).
func (s *Store) UpdateRefreshToken(email, refreshToken string) error {
	return s.db.Model(&Credential{}).Where("email = ?", email).
		Update("refresh_token", refreshToken).Error
}

// HasValidCredential reports whether at least one account has a refresh
// token and is not marked invalid.
func (s *Store) HasValidCredential() bool {
	var count int64
	s.db.Model(&Credential{}).
		Where("refresh_token <> '' AND is_invalid = ?", false).
		Count(&count)
	return count > 0
}

// ActiveAccount returns the email of the active account, empty when unset.
func (s *Store) ActiveAccount() (string, error) {
	return s.getSetting(activeAccountKey)
}

// SetActiveAccount marks one account as active for single-account flows.
func (s *Store) SetActiveAccount(email string) error {
	if email != "" {
		cred, err := s.Credential(email)
		if err != nil {
			return err
		}
		if cred == nil {
			return fmt.Errorf("unknown account: %s", email)
		}
	}
	s.db.Model(&Credential{}).Where("is_active = ?", true).Update("is_active", false)
	if email != "" {
		s.db.Model(&Credential{}).Where("email = ?", email).Update("is_active", true)
	}
	return s.setSetting(activeAccountKey, email)
}

// ===== Schedule configuration =====

// ScheduleConfig returns the persisted schedule, or a disabled default.
func (s *Store) ScheduleConfig() (ScheduleConfig, error) {
	raw, err := s.getSetting(scheduleConfigKey)
	if err != nil || raw == "" {
		return defaultScheduleConfig(), err
	}
	var cfg ScheduleConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		log.Printf("[Store] Corrupt schedule config, falling back to default: %v", err)
		return defaultScheduleConfig(), nil
	}
	return cfg, nil
}

// SaveScheduleConfig persists the schedule configuration as JSON.
func (s *Store) SaveScheduleConfig(cfg ScheduleConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.setSetting(scheduleConfigKey, string(raw))
}

func defaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		RepeatMode:     "daily",
		DailyTimes:     []string{"08:00"},
		SelectedModels: []string{"gemini-3-flash"},
	}
}

// ===== Reset-trigger ledger =====

// HasResetEvent reports whether a wake already fired for this exact
// (dedup key, resetAt) pair.
func (s *Store) HasResetEvent(dedupKey, resetAt string) bool {
	var count int64
	s.db.Model(&ResetEvent{}).
		Where("dedup_key = ? AND reset_at = ?", dedupKey, resetAt).
		Count(&count)
	return count > 0
}

// MarkResetEvent records a (dedup key, resetAt) firing. Safe to call for an
// already-recorded pair.
func (s *Store) MarkResetEvent(dedupKey, resetAt string) error {
	if s.HasResetEvent(dedupKey, resetAt) {
		return nil
	}
	return s.db.Create(&ResetEvent{
		DedupKey:    dedupKey,
		ResetAt:     resetAt,
		TriggeredAt: time.Now(),
	}).Error
}

// PruneResetEvents drops ledger entries older than the retention cutoff so
// long-running installations do not accumulate one row per reset forever.
func (s *Store) PruneResetEvents(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)
	result := s.db.Where("triggered_at < ?", cutoff).Delete(&ResetEvent{})
	if result.Error != nil {
		log.Printf("[Store] Failed to prune reset ledger: %v", result.Error)
		return
	}
	if result.RowsAffected > 0 {
		log.Printf("[Store] Pruned %d reset ledger entries", result.RowsAffected)
	}
}

// ===== Trigger history =====

// RecordTrigger appends one wake attempt to the history.
func (s *Store) RecordTrigger(rec *TriggerRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	return s.db.Create(rec).Error
}

// RecentTriggers returns the most recent history entries, newest first.
func (s *Store) RecentTriggers(limit int) ([]TriggerRecord, error) {
	var recs []TriggerRecord
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// ClearHistory drops all trigger history entries.
func (s *Store) ClearHistory() error {
	return s.db.Where("1 = 1").Delete(&TriggerRecord{}).Error
}

// ===== Settings =====

func (s *Store) getSetting(key string) (string, error) {
	var setting Setting
	err := s.db.Where("key = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (s *Store) setSetting(key, value string) error {
	var setting Setting
	err := s.db.Where("key = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&Setting{Key: key, Value: value}).Error
	}
	if err != nil {
		return err
	}
	setting.Value = value
	return s.db.Save(&setting).Error
}
