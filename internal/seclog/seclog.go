// Package seclog persists security-relevant events (bans, suspicious input,
// admin logins) for later review.
package seclog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type Event struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	EventType string    `gorm:"type:varchar(64);index;not null"`
	Data      string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index;not null"`
}

func (Event) TableName() string { return "security_events" }

type Recorder struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewRecorder(db *gorm.DB, log zerolog.Logger) *Recorder {
	return &Recorder{db: db, log: log.With().Str("component", "seclog").Logger()}
}

// Record writes one event. Failures are logged and swallowed; security
// logging must never break the request path.
func (r *Recorder) Record(ctx context.Context, eventType string, data map[string]any) {
	payload := "{}"
	if len(data) > 0 {
		if b, err := json.Marshal(data); err == nil {
			payload = string(b)
		}
	}
	ev := Event{EventType: eventType, Data: payload, CreatedAt: time.Now().UTC()}
	if err := r.db.WithContext(ctx).Create(&ev).Error; err != nil {
		r.log.Error().Err(err).Str("event_type", eventType).Msg("security event write failed")
	}
}

func (r *Recorder) ListRecent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []Event
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// Prune removes events older than the retention horizon.
func (r *Recorder) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", time.Now().UTC().Add(-retention)).
		Delete(&Event{})
	return res.RowsAffected, res.Error
}
