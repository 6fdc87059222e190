package handlers

import (
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/owui/chatbot-server/internal/bot"
	"github.com/owui/chatbot-server/internal/chat"
	"github.com/owui/chatbot-server/internal/config"
	"github.com/owui/chatbot-server/internal/contact"
	"github.com/owui/chatbot-server/internal/openwebui"
	"github.com/owui/chatbot-server/internal/ratelimit"
	"github.com/owui/chatbot-server/internal/seclog"
	"github.com/owui/chatbot-server/internal/store/redisstore"
)

type Handler struct {
	DB       *gorm.DB
	Cfg      config.Config
	Redis    *redisstore.Store
	Log      zerolog.Logger
	BotSvc   *bot.Service
	ChatSvc  *chat.Service
	Contacts *contact.Repo
	Limiter  *ratelimit.Limiter
	Upstream *openwebui.Client
	Seclog   *seclog.Recorder
}

func NewHandler(db *gorm.DB, cfg config.Config, rds *redisstore.Store, notifier chat.Notifier, log zerolog.Logger) *Handler {
	botRepo := bot.NewRepo(db)
	contactRepo := contact.NewRepo(db)

	limiter := ratelimit.NewLimiter(db, log, ratelimit.Ceilings{
		PerMinute: cfg.RateLimitPerMinute,
		PerHour:   cfg.RateLimitPerHour,
		PerDay:    cfg.RateLimitPerDay,
	}, cfg.IdentitySalt, cfg.RateLimitWhitelist)

	recorder := seclog.NewRecorder(db, log)
	limiter.SetEventSink(recorder)

	upstream := openwebui.NewClient(
		cfg.OpenWebUIBaseURL,
		cfg.OpenWebUIAPIKey,
		time.Duration(cfg.APITimeoutSec)*time.Second,
		cfg.APIMaxRetries,
		cfg.MaxTokens,
		cfg.Temperature,
		log,
	)

	chatSvc := chat.NewService(
		chat.NewRepo(db),
		botRepo,
		limiter,
		upstream,
		contact.NewExtractor(),
		contactRepo,
		notifier,
		log,
		chat.Options{
			ContextWindowSize: cfg.ContextWindowSize,
			MaxMessageLen:     cfg.MaxMessageLen,
			SessionGrace:      time.Duration(cfg.SessionGraceMin) * time.Minute,
			SessionTimeout:    time.Duration(cfg.SessionTimeoutMin) * time.Minute,
			SessionRetention:  time.Duration(cfg.SessionRetentionHr) * time.Hour,
		},
	)

	return &Handler{
		DB:       db,
		Cfg:      cfg,
		Redis:    rds,
		Log:      log,
		BotSvc:   bot.NewService(botRepo),
		ChatSvc:  chatSvc,
		Contacts: contactRepo,
		Limiter:  limiter,
		Upstream: upstream,
		Seclog:   recorder,
	}
}
