package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/owui/chatbot-server/internal/bot"
	"github.com/owui/chatbot-server/internal/contact"
	"github.com/owui/chatbot-server/internal/metrics"
	"github.com/owui/chatbot-server/internal/openwebui"
	"github.com/owui/chatbot-server/internal/ratelimit"
)

var (
	ErrMessageEmpty       = errors.New("message is empty")
	ErrMessageTooLong     = errors.New("message exceeds the maximum length")
	ErrChatbotUnavailable = errors.New("chatbot not found or inactive")
	ErrSessionNotFound    = errors.New("session not found")
)

// Notifier publishes ended-session jobs. A nil notifier disables
// notifications.
type Notifier interface {
	SessionEnded(ctx context.Context, sessionID uint64, reason string) error
}

type Options struct {
	ContextWindowSize int
	MaxMessageLen     int
	SessionGrace      time.Duration
	SessionTimeout    time.Duration
	SessionRetention  time.Duration
	UnloadDelay       time.Duration
}

func (o *Options) fill() {
	if o.ContextWindowSize <= 0 || o.ContextWindowSize > 100 {
		o.ContextWindowSize = 10
	}
	if o.MaxMessageLen <= 0 {
		o.MaxMessageLen = 5000
	}
	if o.SessionGrace <= 0 {
		o.SessionGrace = 30 * time.Minute
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 15 * time.Minute
	}
	if o.SessionRetention <= 0 {
		o.SessionRetention = 24 * time.Hour
	}
	if o.UnloadDelay <= 0 {
		o.UnloadDelay = 60 * time.Second
	}
}

type Service struct {
	repo      *Repo
	bots      *bot.Repo
	limiter   *ratelimit.Limiter
	completer openwebui.Completer
	extractor *contact.Extractor
	contacts  *contact.Repo
	notifier  Notifier
	log       zerolog.Logger
	opts      Options

	now func() time.Time
}

func NewService(repo *Repo, bots *bot.Repo, limiter *ratelimit.Limiter, completer openwebui.Completer,
	extractor *contact.Extractor, contacts *contact.Repo, notifier Notifier, log zerolog.Logger, opts Options) *Service {
	opts.fill()
	return &Service{
		repo:      repo,
		bots:      bots,
		limiter:   limiter,
		completer: completer,
		extractor: extractor,
		contacts:  contacts,
		notifier:  notifier,
		log:       log.With().Str("component", "chat").Logger(),
		opts:      opts,
		now:       time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// GetOrCreateSession resumes the client's open session, reopens one that
// ended within the grace window, or creates a new session. The chatbot must
// exist and be active.
func (s *Service) GetOrCreateSession(ctx context.Context, chatbotID uint64, clientToken, ip, userAgent string, userID *uint64) (*Session, error) {
	b, err := s.bots.Get(ctx, chatbotID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatbotUnavailable
		}
		return nil, err
	}
	if !b.Active {
		return nil, ErrChatbotUnavailable
	}

	now := s.now().UTC()
	existing, err := s.repo.FindResumable(ctx, chatbotID, clientToken, now.Add(-s.opts.SessionGrace))
	if err == nil {
		if existing.EndedAt == nil {
			return existing, nil
		}
		// Ended within grace: the conversation still counts as continuous,
		// so reopen the same row and keep appending to it.
		reopened, rerr := s.repo.ReopenSession(ctx, existing.ID, chatbotID, clientToken)
		if rerr != nil {
			return nil, rerr
		}
		s.log.Info().Uint64("session_id", reopened.ID).Uint64("chatbot_id", chatbotID).Msg("session resumed")
		return reopened, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	session := &Session{
		ChatbotID:   chatbotID,
		ClientToken: clientToken,
		StartedAt:   now,
		IPAddress:   ip,
		UserAgent:   userAgent,
		UserID:      userID,
	}
	created, fresh, err := s.repo.CreateSessionOrGetExisting(ctx, session)
	if err != nil {
		return nil, err
	}
	if fresh {
		s.log.Info().Uint64("session_id", created.ID).Uint64("chatbot_id", chatbotID).Msg("session started")
	}
	return created, nil
}

// Result is what a successful SendMessage hands back to the handler.
type Result struct {
	SessionID    uint64  `json:"session_id"`
	MessageID    uint64  `json:"message_id"`
	Response     string  `json:"response"`
	TokensUsed   int     `json:"tokens_used"`
	ResponseTime float64 `json:"response_time"`
}

// SendMessage runs the whole pipeline for one user message: validate, rate
// limit, resolve bot and session, build context, call the completion API,
// persist, extract contacts.
func (s *Service) SendMessage(ctx context.Context, chatbotID uint64, clientToken, text, ip, userAgent string, userID *uint64) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrMessageEmpty
	}
	if len(text) > s.opts.MaxMessageLen {
		return nil, ErrMessageTooLong
	}

	var uid uint64
	if userID != nil {
		uid = *userID
	}
	identifier := s.limiter.Identify(uid, ip)

	if banErr, err := s.limiter.BanStatus(ctx, identifier); err == nil && banErr != nil {
		metrics.MessagesProcessed.WithLabelValues("banned").Inc()
		return nil, banErr
	}
	if err := s.limiter.CheckAndRecord(ctx, identifier, ip); err != nil {
		metrics.MessagesProcessed.WithLabelValues("rate_limited").Inc()
		return nil, err
	}

	b, err := s.bots.Get(ctx, chatbotID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatbotUnavailable
		}
		return nil, err
	}
	if !b.Active {
		return nil, ErrChatbotUnavailable
	}

	session, err := s.GetOrCreateSession(ctx, chatbotID, clientToken, ip, userAgent, userID)
	if err != nil {
		return nil, err
	}

	history, err := s.RecentContext(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	start := s.now()
	completion, err := s.completer.ChatCompletion(ctx, b.Model, b.SystemPrompt, history, text)
	elapsed := s.now().Sub(start).Seconds()
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues("upstream_error").Inc()
		s.log.Error().Err(err).Uint64("session_id", session.ID).Msg("completion failed")
		return nil, err
	}

	msg := &Message{
		SessionID:    session.ID,
		ChatbotID:    chatbotID,
		UserID:       userID,
		Request:      text,
		Response:     completion.Content,
		TokensUsed:   completion.TokensUsed,
		ResponseTime: elapsed,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		// The user already has their answer; losing the transcript row is
		// logged but does not fail the request.
		s.log.Error().Err(err).Uint64("session_id", session.ID).Msg("message persist failed")
	}

	s.extractContacts(ctx, session.ID, msg)

	metrics.MessagesProcessed.WithLabelValues("ok").Inc()
	return &Result{
		SessionID:    session.ID,
		MessageID:    msg.ID,
		Response:     completion.Content,
		TokensUsed:   completion.TokensUsed,
		ResponseTime: elapsed,
	}, nil
}

func (s *Service) extractContacts(ctx context.Context, sessionID uint64, msg *Message) {
	extracted := s.extractor.Extract(msg.Request, msg.Response)
	if len(extracted) == 0 {
		return
	}
	var msgID *uint64
	if msg.ID != 0 {
		msgID = &msg.ID
	}
	if err := s.contacts.SaveAll(ctx, sessionID, msgID, extracted, s.now().UTC()); err != nil {
		s.log.Error().Err(err).Uint64("session_id", sessionID).Msg("contact save failed")
		return
	}
	for kind, values := range extracted {
		metrics.ContactsExtracted.WithLabelValues(string(kind)).Add(float64(len(values)))
	}
}

// RecentContext returns the last exchanges as completion messages in
// chronological order, ready to prepend to the next request.
func (s *Service) RecentContext(ctx context.Context, sessionID uint64) ([]openwebui.Message, error) {
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, sessionID, s.opts.ContextWindowSize)
	if err != nil {
		return nil, err
	}

	// reverse to ASC (oldest -> newest), each row expanding to a user and
	// an assistant turn
	out := make([]openwebui.Message, 0, len(recentDesc)*2)
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		out = append(out, openwebui.Message{Role: "user", Content: m.Request})
		if m.Response != "" {
			out = append(out, openwebui.Message{Role: "assistant", Content: m.Response})
		}
	}
	return out, nil
}

// End closes a session. Calling it on an already ended session is a no-op;
// the notification fires only on the actual transition.
func (s *Service) End(ctx context.Context, sessionID uint64, reason string) error {
	ended, err := s.repo.EndSession(ctx, sessionID, reason, s.now().UTC())
	if err != nil {
		return err
	}
	if !ended {
		return nil
	}
	metrics.SessionsEnded.WithLabelValues(reason).Inc()
	s.log.Info().Uint64("session_id", sessionID).Str("reason", reason).Msg("session ended")
	if s.notifier != nil {
		if err := s.notifier.SessionEnded(ctx, sessionID, reason); err != nil {
			s.log.Error().Err(err).Uint64("session_id", sessionID).Msg("notify publish failed")
		}
	}
	return nil
}

// EndByToken closes the open session for (chatbot, token), for clients that
// do not know their numeric session ID.
func (s *Service) EndByToken(ctx context.Context, chatbotID uint64, clientToken, reason string) error {
	sess, err := s.repo.FindResumable(ctx, chatbotID, clientToken, s.now().UTC())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if sess.EndedAt != nil {
		return nil
	}
	return s.End(ctx, sess.ID, reason)
}

// EndAfterUnload schedules a deferred close when the browser reports a page
// unload. The close is skipped if the session shows activity again within
// the last two minutes at fire time, so tab switches and reloads do not kill
// live conversations.
func (s *Service) EndAfterUnload(sessionID uint64) {
	time.AfterFunc(s.opts.UnloadDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		last, err := s.repo.LastMessageAt(ctx, sessionID)
		if err != nil {
			s.log.Error().Err(err).Uint64("session_id", sessionID).Msg("unload activity check failed")
			return
		}
		if !last.IsZero() && s.now().Sub(last) < 2*time.Minute {
			return
		}
		if err := s.End(ctx, sessionID, EndReasonUnload); err != nil {
			s.log.Error().Err(err).Uint64("session_id", sessionID).Msg("unload close failed")
		}
	})
}

// SweepInactive closes open sessions idle past the timeout.
func (s *Service) SweepInactive(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.opts.SessionTimeout)
	sessions, err := s.repo.ListInactiveOpen(ctx, cutoff, 200)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, sess := range sessions {
		if err := s.End(ctx, sess.ID, EndReasonTimeout); err != nil {
			s.log.Error().Err(err).Uint64("session_id", sess.ID).Msg("timeout close failed")
			continue
		}
		closed++
	}
	return closed, nil
}

// SweepAbandoned closes open sessions older than the retention horizon.
// Sessions with no messages at all are left untouched.
func (s *Service) SweepAbandoned(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.opts.SessionRetention)
	sessions, err := s.repo.ListAbandonedOpen(ctx, cutoff, 200)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, sess := range sessions {
		if err := s.End(ctx, sess.ID, EndReasonAbandoned); err != nil {
			s.log.Error().Err(err).Uint64("session_id", sess.ID).Msg("abandoned close failed")
			continue
		}
		closed++
	}
	return closed, nil
}

// GetSessionByToken resolves the caller's current session for a chatbot:
// the open one, or the most recent one ended within the grace window.
func (s *Service) GetSessionByToken(ctx context.Context, chatbotID uint64, clientToken string) (*Session, error) {
	sess, err := s.repo.FindResumable(ctx, chatbotID, clientToken, s.now().UTC().Add(-s.opts.SessionGrace))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

func (s *Service) GetSession(ctx context.Context, id uint64) (*Session, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// PurgeSession hard-deletes a session and everything recorded under it.
func (s *Service) PurgeSession(ctx context.Context, sessionID uint64) error {
	err := s.repo.DeleteSessionCascade(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrSessionNotFound
	}
	return err
}

func (s *Service) ListSessions(ctx context.Context, chatbotID uint64, limit, offset int) ([]Session, error) {
	return s.repo.ListSessions(ctx, chatbotID, limit, offset)
}

func (s *Service) Transcript(ctx context.Context, sessionID uint64, limit int, beforeID uint64) ([]Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, sessionID, limit, beforeID)
}

func (s *Service) DashboardStats(ctx context.Context) (*SessionStats, error) {
	return s.repo.Stats(ctx, s.now().UTC())
}
