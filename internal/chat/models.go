package chat

import "time"

// End reasons recorded on a session.
const (
	EndReasonUser      = "user"
	EndReasonUnload    = "unload"
	EndReasonTimeout   = "timeout"
	EndReasonAbandoned = "abandoned"
)

// Session is one conversation between a visitor and a chatbot. OpenKey is
// "<chatbot_id>:<client_token>" while the session is open and NULL once it
// ends; the unique index on it guarantees at most one open session per
// (chatbot, token) while still allowing any number of ended ones.
type Session struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ChatbotID   uint64     `gorm:"index;not null" json:"chatbot_id"`
	UserID      *uint64    `gorm:"index" json:"user_id,omitempty"`
	ClientToken string     `gorm:"type:varchar(64);index;not null" json:"client_token"`
	OpenKey     *string    `gorm:"type:varchar(96);uniqueIndex" json:"-"`
	StartedAt   time.Time  `gorm:"not null" json:"started_at"`
	EndedAt     *time.Time `gorm:"index" json:"ended_at,omitempty"`
	EndReason   string     `gorm:"type:varchar(16)" json:"end_reason,omitempty"`
	IPAddress   string     `gorm:"type:varchar(64)" json:"-"`
	UserAgent   string     `gorm:"type:varchar(255)" json:"-"`
}

func (Session) TableName() string { return "chat_sessions" }

// Message is one request/response exchange within a session.
type Message struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID    uint64    `gorm:"index;not null" json:"session_id"`
	ChatbotID    uint64    `gorm:"index;not null" json:"chatbot_id"`
	UserID       *uint64   `gorm:"index" json:"-"`
	Request      string    `gorm:"type:text;not null" json:"request"`
	Response     string    `gorm:"type:text" json:"response"`
	TokensUsed   int       `gorm:"not null;default:0" json:"tokens_used"`
	ResponseTime float64   `gorm:"not null;default:0" json:"response_time"`
	CreatedAt    time.Time `gorm:"index;not null" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }
