package bot

import "time"

// Chatbot is one configured assistant. Sessions reference a chatbot and
// inherit its model and system prompt.
type Chatbot struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string    `gorm:"type:varchar(255);not null" json:"name"`
	Model        string    `gorm:"type:varchar(100);not null" json:"model"`
	SystemPrompt string    `gorm:"type:text" json:"system_prompt"`
	Greeting     string    `gorm:"type:text" json:"greeting"`
	AvatarURL    string    `gorm:"type:varchar(500)" json:"avatar_url"`
	Active       bool      `gorm:"not null;default:true;index" json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Chatbot) TableName() string { return "chatbots" }
