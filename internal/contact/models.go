package contact

import "time"

type Kind string

const (
	KindName  Kind = "name"
	KindEmail Kind = "email"
	KindPhone Kind = "phone"
)

// Record is one extracted piece of contact information tied to a session.
// (SessionID, Kind, Value) is unique; re-extracting the same value is a no-op.
type Record struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID   uint64    `gorm:"not null;uniqueIndex:uniq_contact_skv,priority:1" json:"session_id"`
	MessageID   *uint64   `gorm:"index" json:"message_id,omitempty"`
	Kind        Kind      `gorm:"type:varchar(8);not null;uniqueIndex:uniq_contact_skv,priority:2" json:"kind"`
	Value       string    `gorm:"type:varchar(255);not null;uniqueIndex:uniq_contact_skv,priority:3" json:"value"`
	ExtractedAt time.Time `gorm:"index" json:"extracted_at"`
}

func (Record) TableName() string { return "contact_records" }
