package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/owui/chatbot-server/internal/bot"
	"github.com/owui/chatbot-server/internal/chat"
	"github.com/owui/chatbot-server/internal/config"
	"github.com/owui/chatbot-server/internal/contact"
	"github.com/owui/chatbot-server/internal/db"
	"github.com/owui/chatbot-server/internal/email"
	"github.com/owui/chatbot-server/internal/metrics"
	"github.com/owui/chatbot-server/internal/notify"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

type notifier struct {
	cfg      config.Config
	log      zerolog.Logger
	chatRepo *chat.Repo
	botRepo  *bot.Repo
	contacts *contact.Repo
	smtp     email.SMTPConfig
}

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
	logger = logger.With().Str("service", "notifier").Logger()

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}

	n := &notifier{
		cfg:      cfg,
		log:      logger,
		chatRepo: chat.NewRepo(gdb),
		botRepo:  bot.NewRepo(gdb),
		contacts: contact.NewRepo(gdb),
		smtp: email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     strconv.Itoa(cfg.SMTPPort),
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.SMTPFrom,
		},
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("rabbit dial failed")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal().Err(err).Msg("rabbit channel failed")
	}
	defer ch.Close()

	// The publisher owns queue topology; declaring here too makes startup
	// order irrelevant.
	if _, err := ch.QueueDeclare(cfg.RabbitQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.RabbitQueue + ".dlq",
	}); err != nil {
		logger.Fatal().Err(err).Msg("queue declare failed")
	}
	if _, err := ch.QueueDeclare(cfg.RabbitQueue+".dlq", true, false, false, false, nil); err != nil {
		logger.Fatal().Err(err).Msg("dlq declare failed")
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		logger.Fatal().Err(err).Msg("qos failed")
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("consume failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", concurrency).Msg("notifier started")

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var job notify.SessionEndedJob
				if err := json.Unmarshal(d.Body, &job); err != nil || job.SessionID == 0 {
					logger.Error().Int("worker", workerID).Err(err).Msg("bad message")
					_ = d.Nack(false, false)
					continue
				}

				if err := n.handle(ctx, job); err != nil {
					logger.Error().Int("worker", workerID).Uint64("session_id", job.SessionID).
						Err(err).Msg("notification failed")
					metrics.NotificationsSent.WithLabelValues("error").Inc()
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					logger.Error().Int("worker", workerID).Uint64("session_id", job.SessionID).
						Err(err).Msg("ack failed")
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("notifier shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, delivering := <-msgs:
			if !delivering {
				logger.Warn().Msg("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

// handle sends one session summary mail, or skips it when policy says so.
// Skips are acked; only real failures nack into the DLQ.
func (n *notifier) handle(ctx context.Context, job notify.SessionEndedJob) error {
	if n.cfg.AdminEmail == "" || n.cfg.SMTPHost == "" {
		n.log.Debug().Uint64("session_id", job.SessionID).Msg("mail not configured, skipping")
		metrics.NotificationsSent.WithLabelValues("skipped").Inc()
		return nil
	}

	sess, err := n.chatRepo.GetSession(ctx, job.SessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			metrics.NotificationsSent.WithLabelValues("skipped").Inc()
			return nil
		}
		return err
	}

	msgCount, err := n.chatRepo.CountMessages(ctx, sess.ID)
	if err != nil {
		return err
	}
	if msgCount < int64(n.cfg.NotifyMinMessages) {
		metrics.NotificationsSent.WithLabelValues("skipped").Inc()
		return nil
	}

	contacts, err := n.contacts.ListBySession(ctx, sess.ID)
	if err != nil {
		return err
	}
	if n.cfg.NotifyRequireContacts && len(contacts) == 0 {
		metrics.NotificationsSent.WithLabelValues("skipped").Inc()
		return nil
	}

	botName := "chatbot"
	if b, err := n.botRepo.Get(ctx, sess.ChatbotID); err == nil {
		botName = b.Name
	}

	ended := time.Now().UTC()
	if sess.EndedAt != nil {
		ended = *sess.EndedAt
	}

	byKind := map[string][]string{}
	for _, rec := range contacts {
		byKind[string(rec.Kind)] = append(byKind[string(rec.Kind)], rec.Value)
	}

	summary := notify.SessionSummary{
		SessionID:    sess.ID,
		ChatbotName:  botName,
		Started:      sess.StartedAt,
		Ended:        ended,
		MessageCount: int(msgCount),
		EndReason:    job.Reason,
		Contacts:     byKind,
	}

	if err := email.SendHTML(n.smtp, n.cfg.AdminEmail, notify.BuildSubject(summary), notify.BuildHTML(summary)); err != nil {
		return err
	}

	metrics.NotificationsSent.WithLabelValues("sent").Inc()
	n.log.Info().Uint64("session_id", sess.ID).Str("reason", job.Reason).Msg("summary sent")
	return nil
}
