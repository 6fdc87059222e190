package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/owui/chatbot-server/internal/bot"
	"github.com/owui/chatbot-server/internal/contact"
	"github.com/owui/chatbot-server/internal/openwebui"
	"github.com/owui/chatbot-server/internal/ratelimit"
)

type fakeCompleter struct {
	reply       string
	err         error
	lastHistory []openwebui.Message
	lastUser    string
	calls       int
}

func (f *fakeCompleter) ChatCompletion(ctx context.Context, model, systemPrompt string, history []openwebui.Message, userText string) (*openwebui.Completion, error) {
	_ = ctx
	_ = model
	_ = systemPrompt
	f.calls++
	f.lastHistory = append([]openwebui.Message(nil), history...)
	f.lastUser = userText
	if f.err != nil {
		return nil, f.err
	}
	return &openwebui.Completion{Content: f.reply, TokensUsed: 42}, nil
}

type fakeNotifier struct {
	ended []uint64
}

func (f *fakeNotifier) SessionEnded(ctx context.Context, sessionID uint64, reason string) error {
	_ = ctx
	_ = reason
	f.ended = append(f.ended, sessionID)
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Session{}, &Message{}, &bot.Chatbot{}, &contact.Record{},
		&ratelimit.Counter{}, &ratelimit.Violation{}, &ratelimit.Ban{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type testEnv struct {
	svc       *Service
	db        *gorm.DB
	completer *fakeCompleter
	notifier  *fakeNotifier
	clock     *time.Time
	botID     uint64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := openTestDB(t)

	b := &bot.Chatbot{Name: "Support", Model: "llama3", SystemPrompt: "be helpful", Active: true}
	if err := db.Create(b).Error; err != nil {
		t.Fatalf("seed chatbot: %v", err)
	}

	limiter := ratelimit.NewLimiter(db, zerolog.Nop(),
		ratelimit.Ceilings{PerMinute: 1000, PerHour: 1000, PerDay: 1000}, "salt", nil)

	completer := &fakeCompleter{reply: "hello there"}
	notifier := &fakeNotifier{}

	svc := NewService(NewRepo(db), bot.NewRepo(db), limiter, completer,
		contact.NewExtractor(), contact.NewRepo(db), notifier, zerolog.Nop(),
		Options{ContextWindowSize: 10})

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	clock := &now
	svc.SetClock(func() time.Time { return *clock })
	limiter.SetClock(func() time.Time { return *clock })

	return &testEnv{svc: svc, db: db, completer: completer, notifier: notifier, clock: clock, botID: b.ID}
}

func TestSendMessage_PersistsExchange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.SendMessage(ctx, env.botID, "tok-1", "Hi, my name is Jane Doe. Email me at jane@example.com", "203.0.113.9", "test-agent", nil)
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if res.Response != "hello there" {
		t.Fatalf("unexpected response %q", res.Response)
	}
	if res.TokensUsed != 42 {
		t.Fatalf("tokens not propagated: %d", res.TokensUsed)
	}

	var msgs []Message
	if err := env.db.Where("session_id = ?", res.SessionID).Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 exchange, got %d", len(msgs))
	}
	if msgs[0].Response != "hello there" {
		t.Fatalf("unexpected persisted response %q", msgs[0].Response)
	}

	// the introduction was mined for contacts
	var recs []contact.Record
	if err := env.db.Where("session_id = ?", res.SessionID).Find(&recs).Error; err != nil {
		t.Fatalf("query contacts: %v", err)
	}
	kinds := map[contact.Kind]bool{}
	for _, r := range recs {
		kinds[r.Kind] = true
	}
	if !kinds[contact.KindName] || !kinds[contact.KindEmail] {
		t.Fatalf("expected name and email records, got %v", recs)
	}
}

func TestSendMessage_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.SendMessage(ctx, env.botID, "tok-1", "   ", "203.0.113.9", "", nil); !errors.Is(err, ErrMessageEmpty) {
		t.Fatalf("expected ErrMessageEmpty, got %v", err)
	}

	long := strings.Repeat("x", 5001)
	if _, err := env.svc.SendMessage(ctx, env.botID, "tok-1", long, "203.0.113.9", "", nil); !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("expected ErrMessageTooLong, got %v", err)
	}
	if env.completer.calls != 0 {
		t.Fatalf("invalid messages must not reach the upstream")
	}
}

func TestSendMessage_InactiveBotRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.db.Model(&bot.Chatbot{}).Where("id = ?", env.botID).Update("active", false).Error; err != nil {
		t.Fatalf("deactivate bot: %v", err)
	}

	_, err := env.svc.SendMessage(ctx, env.botID, "tok-1", "hello", "203.0.113.9", "", nil)
	if !errors.Is(err, ErrChatbotUnavailable) {
		t.Fatalf("expected ErrChatbotUnavailable, got %v", err)
	}
}

func TestSendMessage_UpstreamErrorNotPersisted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.completer.err = openwebui.ErrUpstream

	_, err := env.svc.SendMessage(ctx, env.botID, "tok-1", "hello", "203.0.113.9", "", nil)
	if !errors.Is(err, openwebui.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}

	var count int64
	if err := env.db.Model(&Message{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("failed exchange must not be persisted, found %d rows", count)
	}
}

func TestGetOrCreateSession_ReusesOpenSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.GetOrCreateSession(ctx, env.botID, "tok-1", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := env.svc.GetOrCreateSession(ctx, env.botID, "tok-1", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("open session not reused: %d vs %d", first.ID, second.ID)
	}

	// a different token gets a different session
	other, err := env.svc.GetOrCreateSession(ctx, env.botID, "tok-2", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("other token: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("tokens share a session")
	}
}

func TestGetOrCreateSession_ReopensWithinGrace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.GetOrCreateSession(ctx, env.botID, "tok-1", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.svc.End(ctx, first.ID, EndReasonUser); err != nil {
		t.Fatalf("end: %v", err)
	}

	*env.clock = env.clock.Add(5 * time.Minute)

	second, err := env.svc.GetOrCreateSession(ctx, env.botID, "tok-1", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("session ended within grace not resumed: %d vs %d", second.ID, first.ID)
	}
	if second.EndedAt != nil {
		t.Fatalf("resumed session still marked ended: %+v", second)
	}

	var saved Session
	if err := env.db.First(&saved, first.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if saved.EndedAt != nil || saved.EndReason != "" {
		t.Fatalf("end markers not cleared: %+v", saved)
	}
	if saved.OpenKey == nil {
		t.Fatalf("open key not restored on resume")
	}
}

func TestGetOrCreateSession_NewSessionAfterGraceExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.GetOrCreateSession(ctx, env.botID, "tok-1", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.svc.End(ctx, first.ID, EndReasonUser); err != nil {
		t.Fatalf("end: %v", err)
	}

	*env.clock = env.clock.Add(31 * time.Minute)

	second, err := env.svc.GetOrCreateSession(ctx, env.botID, "tok-1", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("session must not be resumed after the grace window")
	}
	if second.EndedAt != nil {
		t.Fatalf("new session already ended")
	}
}

func TestSendMessage_ContextSurvivesGraceResume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.SendMessage(ctx, env.botID, "tok-1", "what are your hours?", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := env.svc.End(ctx, res.SessionID, EndReasonUser); err != nil {
		t.Fatalf("end: %v", err)
	}

	*env.clock = env.clock.Add(5 * time.Minute)

	res2, err := env.svc.SendMessage(ctx, env.botID, "tok-1", "and on weekends?", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if res2.SessionID != res.SessionID {
		t.Fatalf("conversation split across the grace window: %d vs %d", res2.SessionID, res.SessionID)
	}
	if len(env.completer.lastHistory) != 2 {
		t.Fatalf("prior exchange missing from context: %v", env.completer.lastHistory)
	}
	if env.completer.lastHistory[0].Content != "what are your hours?" {
		t.Fatalf("unexpected first context turn: %+v", env.completer.lastHistory[0])
	}
}

func TestRecentContext_OrderAndLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.svc.GetOrCreateSession(ctx, env.botID, "tok-1", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	repo := NewRepo(env.db)
	for i := 0; i < 15; i++ {
		if err := repo.InsertMessage(ctx, &Message{
			SessionID: sess.ID,
			ChatbotID: env.botID,
			Request:   fmt.Sprintf("q%d", i),
			Response:  fmt.Sprintf("a%d", i),
			CreatedAt: env.clock.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	history, err := env.svc.RecentContext(ctx, sess.ID)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	// 10 newest exchanges, two turns each
	if len(history) != 20 {
		t.Fatalf("expected 20 turns, got %d", len(history))
	}
	if history[0].Role != "user" || history[0].Content != "q5" {
		t.Fatalf("oldest turn wrong: %+v", history[0])
	}
	if history[19].Role != "assistant" || history[19].Content != "a14" {
		t.Fatalf("newest turn wrong: %+v", history[19])
	}
}

func TestRecentContext_EmptySession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.svc.GetOrCreateSession(ctx, env.botID, "tok-1", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	history, err := env.svc.RecentContext(ctx, sess.ID)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}
}

func TestEnd_IdempotentAndNotifiesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.svc.GetOrCreateSession(ctx, env.botID, "tok-1", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	if err := env.svc.End(ctx, sess.ID, EndReasonUser); err != nil {
		t.Fatalf("first end: %v", err)
	}
	if err := env.svc.End(ctx, sess.ID, EndReasonTimeout); err != nil {
		t.Fatalf("second end: %v", err)
	}

	if len(env.notifier.ended) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(env.notifier.ended))
	}

	var saved Session
	if err := env.db.First(&saved, sess.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if saved.EndedAt == nil || saved.EndReason != EndReasonUser {
		t.Fatalf("first end must win: %+v", saved)
	}
	if saved.OpenKey != nil {
		t.Fatalf("open key must be cleared on end")
	}
}

func TestSweepInactive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	repo := NewRepo(env.db)

	idle, err := env.svc.GetOrCreateSession(ctx, env.botID, "tok-idle", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("idle session: %v", err)
	}
	if err := repo.InsertMessage(ctx, &Message{
		SessionID: idle.ID, ChatbotID: env.botID, Request: "hi", Response: "yo",
		CreatedAt: env.clock.UTC(),
	}); err != nil {
		t.Fatalf("seed idle message: %v", err)
	}

	empty, err := env.svc.GetOrCreateSession(ctx, env.botID, "tok-empty", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("empty session: %v", err)
	}

	*env.clock = env.clock.Add(20 * time.Minute)

	active, err := env.svc.GetOrCreateSession(ctx, env.botID, "tok-active", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("active session: %v", err)
	}
	if err := repo.InsertMessage(ctx, &Message{
		SessionID: active.ID, ChatbotID: env.botID, Request: "hi", Response: "yo",
		CreatedAt: env.clock.UTC(),
	}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	closed, err := env.svc.SweepInactive(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if closed != 1 {
		t.Fatalf("expected 1 closed, got %d", closed)
	}

	var saved Session
	if err := env.db.First(&saved, idle.ID).Error; err != nil {
		t.Fatalf("reload idle: %v", err)
	}
	if saved.EndedAt == nil || saved.EndReason != EndReasonTimeout {
		t.Fatalf("idle session not timed out: %+v", saved)
	}
	saved = Session{}
	if err := env.db.First(&saved, active.ID).Error; err != nil {
		t.Fatalf("reload active: %v", err)
	}
	if saved.EndedAt != nil {
		t.Fatalf("active session wrongly closed")
	}

	// no messages means no conversation to time out or announce
	saved = Session{}
	if err := env.db.First(&saved, empty.ID).Error; err != nil {
		t.Fatalf("reload empty: %v", err)
	}
	if saved.EndedAt != nil {
		t.Fatalf("zero-message session wrongly closed by inactivity sweep")
	}
	for _, id := range env.notifier.ended {
		if id == empty.ID {
			t.Fatalf("notification published for a session with no messages")
		}
	}
}

func TestSweepAbandoned(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	repo := NewRepo(env.db)

	old, err := env.svc.GetOrCreateSession(ctx, env.botID, "tok-old", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("old session: %v", err)
	}
	if err := repo.InsertMessage(ctx, &Message{
		SessionID: old.ID, ChatbotID: env.botID, Request: "hi", Response: "yo",
		CreatedAt: env.clock.UTC(),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	empty, err := env.svc.GetOrCreateSession(ctx, env.botID, "tok-empty", "203.0.113.9", "", nil)
	if err != nil {
		t.Fatalf("empty session: %v", err)
	}

	*env.clock = env.clock.Add(25 * time.Hour)

	closed, err := env.svc.SweepAbandoned(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if closed != 1 {
		t.Fatalf("expected 1 closed, got %d", closed)
	}

	var saved Session
	if err := env.db.First(&saved, old.ID).Error; err != nil {
		t.Fatalf("reload old: %v", err)
	}
	if saved.EndedAt == nil || saved.EndReason != EndReasonAbandoned {
		t.Fatalf("old session not closed as abandoned: %+v", saved)
	}

	// zero-message sessions stay open for the inactivity sweep instead
	saved = Session{}
	if err := env.db.First(&saved, empty.ID).Error; err != nil {
		t.Fatalf("reload empty: %v", err)
	}
	if saved.EndedAt != nil {
		t.Fatalf("empty session wrongly closed by abandoned sweep")
	}
}

func TestSendMessage_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	limiter := ratelimit.NewLimiter(env.db, zerolog.Nop(),
		ratelimit.Ceilings{PerMinute: 1, PerHour: 100, PerDay: 500}, "salt", nil)
	limiter.SetClock(func() time.Time { return *env.clock })

	svc := NewService(NewRepo(env.db), bot.NewRepo(env.db), limiter, env.completer,
		contact.NewExtractor(), contact.NewRepo(env.db), nil, zerolog.Nop(), Options{})
	svc.SetClock(func() time.Time { return *env.clock })

	if _, err := svc.SendMessage(ctx, env.botID, "tok-1", "one", "203.0.113.9", "", nil); err != nil {
		t.Fatalf("first message: %v", err)
	}

	_, err := svc.SendMessage(ctx, env.botID, "tok-1", "two", "203.0.113.9", "", nil)
	var rl *ratelimit.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}

	var count int64
	if err := env.db.Model(&Message{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("rate limited message must not be persisted, found %d", count)
	}
}
