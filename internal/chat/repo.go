package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func openKey(chatbotID uint64, clientToken string) string {
	return fmt.Sprintf("%d:%s", chatbotID, clientToken)
}

// FindResumable returns the session a returning client should continue: the
// open session for (chatbot, token), or the most recent one that ended
// within the grace window.
func (r *Repo) FindResumable(ctx context.Context, chatbotID uint64, clientToken string, graceCutoff time.Time) (*Session, error) {
	var s Session
	err := r.db.WithContext(ctx).
		Where("chatbot_id = ? AND client_token = ?", chatbotID, clientToken).
		Where("ended_at IS NULL OR ended_at > ?", graceCutoff).
		Order("started_at DESC").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSessionOrGetExisting inserts a new open session. If another request
// won the race the unique open_key index rejects the insert and the existing
// open session is returned instead.
func (r *Repo) CreateSessionOrGetExisting(ctx context.Context, s *Session) (*Session, bool, error) {
	key := openKey(s.ChatbotID, s.ClientToken)
	s.OpenKey = &key

	err := r.db.WithContext(ctx).Create(s).Error
	if err == nil {
		return s, true, nil
	}

	var existing Session
	getErr := r.db.WithContext(ctx).
		Where("open_key = ?", key).
		First(&existing).Error
	if getErr == nil {
		return &existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// ReopenSession clears the end markers on a recently ended session so the
// returning client keeps appending to the same conversation. If another
// request already opened a session under the same key, that one is returned
// instead.
func (r *Repo) ReopenSession(ctx context.Context, id, chatbotID uint64, clientToken string) (*Session, error) {
	key := openKey(chatbotID, clientToken)
	err := r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"ended_at":   nil,
			"end_reason": "",
			"open_key":   key,
		}).Error
	if err != nil {
		var existing Session
		if getErr := r.db.WithContext(ctx).
			Where("open_key = ?", key).
			First(&existing).Error; getErr == nil {
			return &existing, nil
		}
		return nil, err
	}
	return r.GetSession(ctx, id)
}

func (r *Repo) GetSession(ctx context.Context, id uint64) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// EndSession closes an open session. The WHERE on ended_at makes it
// idempotent; the return reports whether this call did the transition.
func (r *Repo) EndSession(ctx context.Context, id uint64, reason string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND ended_at IS NULL", id).
		Updates(map[string]any{
			"ended_at":   at,
			"end_reason": reason,
			"open_key":   nil,
		})
	return res.RowsAffected > 0, res.Error
}

// ListInactiveOpen returns open sessions whose last message predates the
// cutoff. Zero-message sessions are left alone; ending them would fire
// notifications for conversations that never happened.
func (r *Repo) ListInactiveOpen(ctx context.Context, cutoff time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 200
	}
	var sessions []Session
	err := r.db.WithContext(ctx).
		Where("ended_at IS NULL").
		Where("EXISTS (SELECT 1 FROM chat_messages WHERE chat_messages.session_id = chat_sessions.id)").
		Where("(SELECT MAX(created_at) FROM chat_messages WHERE chat_messages.session_id = chat_sessions.id) < ?", cutoff).
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

// ListAbandonedOpen returns open sessions started before the cutoff that
// carry at least one message. Zero-message sessions are left alone; ending
// them would fire notifications for conversations that never happened.
func (r *Repo) ListAbandonedOpen(ctx context.Context, cutoff time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 200
	}
	var sessions []Session
	err := r.db.WithContext(ctx).
		Where("ended_at IS NULL AND started_at < ?", cutoff).
		Where("EXISTS (SELECT 1 FROM chat_messages WHERE chat_messages.session_id = chat_sessions.id)").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

// DeleteSessionCascade removes a session together with its messages and any
// contact records captured during it.
func (r *Repo) DeleteSessionCascade(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM contact_records WHERE session_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Session{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// ListRecentMessagesDesc returns the most recent exchanges in DESC id order
// (newest -> oldest).
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, sessionID uint64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) ListMessages(ctx context.Context, sessionID uint64, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Limit(limit)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) CountMessages(ctx context.Context, sessionID uint64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Message{}).
		Where("session_id = ?", sessionID).
		Count(&n).Error
	return n, err
}

// LastMessageAt reports the newest message time for a session, or the zero
// time if none exist.
func (r *Repo) LastMessageAt(ctx context.Context, sessionID uint64) (time.Time, error) {
	var m Message
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return m.CreatedAt, nil
}

// ListSessions pages through sessions newest first, optionally filtered by
// chatbot.
func (r *Repo) ListSessions(ctx context.Context, chatbotID uint64, limit, offset int) ([]Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Offset(offset)
	if chatbotID > 0 {
		q = q.Where("chatbot_id = ?", chatbotID)
	}
	var sessions []Session
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// SessionStats aggregates the numbers the admin dashboard shows.
type SessionStats struct {
	TotalSessions  int64   `json:"total_sessions"`
	OpenSessions   int64   `json:"open_sessions"`
	TotalMessages  int64   `json:"total_messages"`
	TokensUsed     int64   `json:"tokens_used"`
	AvgResponseSec float64 `json:"avg_response_sec"`
	SessionsToday  int64   `json:"sessions_today"`
	MessagesToday  int64   `json:"messages_today"`
}

func (r *Repo) Stats(ctx context.Context, now time.Time) (*SessionStats, error) {
	var stats SessionStats
	db := r.db.WithContext(ctx)

	if err := db.Model(&Session{}).Count(&stats.TotalSessions).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Session{}).Where("ended_at IS NULL").Count(&stats.OpenSessions).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Message{}).Count(&stats.TotalMessages).Error; err != nil {
		return nil, err
	}

	var agg struct {
		Tokens int64
		AvgRT  float64
	}
	if err := db.Model(&Message{}).
		Select("COALESCE(SUM(tokens_used),0) AS tokens, COALESCE(AVG(response_time),0) AS avg_rt").
		Scan(&agg).Error; err != nil {
		return nil, err
	}
	stats.TokensUsed = agg.Tokens
	stats.AvgResponseSec = agg.AvgRT

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if err := db.Model(&Session{}).Where("started_at >= ?", dayStart).Count(&stats.SessionsToday).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Message{}).Where("created_at >= ?", dayStart).Count(&stats.MessagesToday).Error; err != nil {
		return nil, err
	}
	return &stats, nil
}
