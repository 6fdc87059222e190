package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/owui/chatbot-server/internal/bot"
	"github.com/owui/chatbot-server/internal/chat"
	"github.com/owui/chatbot-server/internal/config"
	"github.com/owui/chatbot-server/internal/contact"
	"github.com/owui/chatbot-server/internal/db"
	"github.com/owui/chatbot-server/internal/notify"
	"github.com/owui/chatbot-server/internal/ratelimit"
	"github.com/owui/chatbot-server/internal/seclog"
)

const (
	contactRetention = 90 * 24 * time.Hour
	seclogRetention  = 30 * 24 * time.Hour
)

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	logger = logger.With().Str("service", "sweeper").Logger()

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}

	var notifier chat.Notifier
	if cfg.NotifyEnabled {
		pub, err := notify.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			logger.Warn().Err(err).Msg("rabbitmq unavailable, notifications disabled")
		} else {
			defer pub.Close()
			notifier = pub
		}
	}

	limiter := ratelimit.NewLimiter(gdb, logger, ratelimit.Ceilings{
		PerMinute: cfg.RateLimitPerMinute,
		PerHour:   cfg.RateLimitPerHour,
		PerDay:    cfg.RateLimitPerDay,
	}, cfg.IdentitySalt, cfg.RateLimitWhitelist)

	contactRepo := contact.NewRepo(gdb)
	recorder := seclog.NewRecorder(gdb, logger)

	// The sweeper never talks to the completion API.
	chatSvc := chat.NewService(
		chat.NewRepo(gdb),
		bot.NewRepo(gdb),
		limiter,
		nil,
		contact.NewExtractor(),
		contactRepo,
		notifier,
		logger,
		chat.Options{
			ContextWindowSize: cfg.ContextWindowSize,
			MaxMessageLen:     cfg.MaxMessageLen,
			SessionGrace:      time.Duration(cfg.SessionGraceMin) * time.Minute,
			SessionTimeout:    time.Duration(cfg.SessionTimeoutMin) * time.Minute,
			SessionRetention:  time.Duration(cfg.SessionRetentionHr) * time.Hour,
		},
	)

	c := cron.New()

	// idle sessions, every five minutes
	if _, err := c.AddFunc("*/5 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		n, err := chatSvc.SweepInactive(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("inactive sweep failed")
			return
		}
		if n > 0 {
			logger.Info().Int("closed", n).Msg("inactive sessions closed")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("cron schedule failed")
	}

	// abandoned sessions and stale counters, hourly
	if _, err := c.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		n, err := chatSvc.SweepAbandoned(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("abandoned sweep failed")
		} else if n > 0 {
			logger.Info().Int("closed", n).Msg("abandoned sessions closed")
		}
		if err := limiter.SweepCounters(ctx); err != nil {
			logger.Error().Err(err).Msg("counter sweep failed")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("cron schedule failed")
	}

	// long-term retention, daily
	if _, err := c.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if n, err := contactRepo.DeleteOlderThan(ctx, time.Now().UTC().Add(-contactRetention)); err != nil {
			logger.Error().Err(err).Msg("contact prune failed")
		} else if n > 0 {
			logger.Info().Int64("deleted", n).Msg("old contact records pruned")
		}
		if n, err := recorder.Prune(ctx, seclogRetention); err != nil {
			logger.Error().Err(err).Msg("security event prune failed")
		} else if n > 0 {
			logger.Info().Int64("deleted", n).Msg("old security events pruned")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("cron schedule failed")
	}

	c.Start()
	logger.Info().Msg("sweeper started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("sweeper stopping...")
	<-c.Stop().Done()
	logger.Info().Msg("sweeper stopped")
}
