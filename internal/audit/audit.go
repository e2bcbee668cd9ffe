// Package audit records session lifecycle and file events in the database
// and purges them after the retention period.
package audit

import (
	"log"
	"time"

	"github.com/shellport/shellport/internal/database"
	"github.com/shellport/shellport/internal/logutil"
	"gorm.io/gorm"
)

// Event types.
const (
	EventConnected         = "connection_established"
	EventDisconnected      = "connection_terminated"
	EventConnectFailed     = "connection_failed"
	EventShellEnded        = "terminal_session_end"
	EventFileOperation     = "file_operation"
	EventHostKeyMismatch   = "fingerprint_mismatch"
	EventHostKeyTrusted    = "host_key_trusted"
	EventVaultUnlocked     = "vault_unlocked"
	EventVaultUnlockFailed = "vault_unlock_failed"
)

const DefaultRetentionDays = 90

// Entry is one event to record.
type Entry struct {
	SessionID string
	EventType string
	Host      string
	Username  string
	Details   string
	Duration  time.Duration
}

// Auditor writes and queries audit rows.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// New returns an Auditor on db. A non-positive retentionDays selects
// DefaultRetentionDays.
func New(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}
}

// SetNowFunc sets the clock. For tests.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}

func (a *Auditor) RetentionDays() int { return a.retentionDays }

// Log stores e and echoes it to the standard logger.
func (a *Auditor) Log(e Entry) error {
	row := database.AuditLog{
		SessionID:  e.SessionID,
		EventType:  e.EventType,
		Host:       e.Host,
		Username:   e.Username,
		Details:    e.Details,
		DurationMs: e.Duration.Milliseconds(),
		CreatedAt:  a.nowFn(),
	}
	if err := a.db.Create(&row).Error; err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}
	log.Printf("[audit] %s session=%s host=%s user=%s details=%s",
		e.EventType,
		logutil.SanitizeForLog(e.SessionID),
		logutil.SanitizeForLog(e.Host),
		logutil.SanitizeForLog(e.Username),
		logutil.SanitizeForLog(e.Details),
	)
	return nil
}

// QueryOptions filters Query. Zero values mean no filter.
type QueryOptions struct {
	SessionID string
	EventType string
	Host      string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query returns matching rows, newest first. Limit defaults to 50 and is
// capped at 1000.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.AuditLog{})
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Host != "" {
		tx = tx.Where("host = ?", opts.Host)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// PurgeOlderThan deletes rows older than days, or the retention period when
// days is not positive.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	res := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if res.Error != nil {
		log.Printf("[audit] purge failed: %v", res.Error)
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("[audit] purged %d entries older than %d days", res.RowsAffected, days)
	}
	return res.RowsAffected, nil
}
