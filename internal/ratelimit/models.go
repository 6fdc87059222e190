package ratelimit

import "time"

type WindowType string

const (
	WindowMinute WindowType = "minute"
	WindowHour   WindowType = "hour"
	WindowDay    WindowType = "day"
)

// Counter is one fixed window's request tally for an identity. The composite
// unique index lets concurrent increments collapse into a single atomic
// upsert instead of a read-modify-write race.
type Counter struct {
	ID           uint64     `gorm:"primaryKey;autoIncrement"`
	Identifier   string     `gorm:"type:varchar(80);uniqueIndex:uniq_rl_counter,priority:1;not null"`
	WindowType   WindowType `gorm:"type:varchar(8);uniqueIndex:uniq_rl_counter,priority:2;not null"`
	WindowStart  time.Time  `gorm:"uniqueIndex:uniq_rl_counter,priority:3;not null"`
	RequestCount int64      `gorm:"not null;default:1"`
}

func (Counter) TableName() string { return "rate_limit_counters" }

// Violation records a single rejected request. Rows are counted per hour to
// decide escalation into a ban.
type Violation struct {
	ID         uint64     `gorm:"primaryKey;autoIncrement"`
	Identifier string     `gorm:"type:varchar(80);index;not null"`
	Window     WindowType `gorm:"type:varchar(8);not null"`
	CreatedAt  time.Time  `gorm:"index;not null"`
}

func (Violation) TableName() string { return "rate_limit_violations" }

type Ban struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	Identifier string    `gorm:"type:varchar(80);uniqueIndex;not null"`
	Reason     string    `gorm:"type:varchar(255)"`
	ExpiresAt  time.Time `gorm:"index;not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (Ban) TableName() string { return "rate_limit_bans" }
