package ratelimit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/owui/chatbot-server/internal/metrics"
)

const (
	// Escalation thresholds over the trailing hour of violations.
	banShortThreshold = 5
	banLongThreshold  = 10
	banShortDuration  = 15 * time.Minute
	banLongDuration   = 60 * time.Minute
)

// Ceilings holds the per-window request limits.
type Ceilings struct {
	PerMinute int64
	PerHour   int64
	PerDay    int64
}

// EventSink receives security-relevant limiter events. It is optional; a nil
// sink disables event recording.
type EventSink interface {
	Record(ctx context.Context, eventType string, data map[string]any)
}

// RateLimitError is returned when a request would exceed a window ceiling.
type RateLimitError struct {
	Window     WindowType
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s window, retry after %s", e.Window, e.RetryAfter)
}

// BanError is returned while a temporary ban is in force.
type BanError struct {
	ExpiresAt time.Time
	Reason    string
}

func (e *BanError) Error() string {
	return fmt.Sprintf("temporarily banned until %s: %s", e.ExpiresAt.Format(time.RFC3339), e.Reason)
}

type Limiter struct {
	db       *gorm.DB
	log      zerolog.Logger
	ceilings Ceilings
	salt     []byte
	sink     EventSink

	whitelistExact map[string]struct{}
	whitelistCIDRs []*net.IPNet

	now func() time.Time
}

func NewLimiter(db *gorm.DB, log zerolog.Logger, ceilings Ceilings, identitySalt string, whitelist []string) *Limiter {
	l := &Limiter{
		db:             db,
		log:            log.With().Str("component", "ratelimit").Logger(),
		ceilings:       ceilings,
		salt:           []byte(identitySalt),
		whitelistExact: map[string]struct{}{},
		now:            time.Now,
	}
	for _, entry := range whitelist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipnet, err := net.ParseCIDR(entry)
			if err != nil {
				l.log.Warn().Str("entry", entry).Msg("invalid whitelist CIDR, skipping")
				continue
			}
			l.whitelistCIDRs = append(l.whitelistCIDRs, ipnet)
			continue
		}
		l.whitelistExact[entry] = struct{}{}
	}
	return l
}

// SetEventSink wires an optional security event recorder.
func (l *Limiter) SetEventSink(sink EventSink) { l.sink = sink }

// SetClock overrides the time source. Used by tests to step windows.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Identify derives the rate-limit key. Authenticated users key on their ID;
// anonymous traffic keys on an HMAC of the client IP so raw addresses never
// land in storage.
func (l *Limiter) Identify(userID uint64, ip string) string {
	if userID != 0 {
		return fmt.Sprintf("user:%d", userID)
	}
	mac := hmac.New(sha256.New, l.salt)
	mac.Write([]byte(ip))
	return "ip:" + hex.EncodeToString(mac.Sum(nil))[:40]
}

func (l *Limiter) whitelisted(ip string) bool {
	if _, ok := l.whitelistExact[ip]; ok {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range l.whitelistCIDRs {
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

func windowStart(t time.Time, w WindowType) time.Time {
	t = t.UTC()
	switch w {
	case WindowMinute:
		return t.Truncate(time.Minute)
	case WindowHour:
		return t.Truncate(time.Hour)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func windowDuration(w WindowType) time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

func (l *Limiter) ceiling(w WindowType) int64 {
	switch w {
	case WindowMinute:
		return l.ceilings.PerMinute
	case WindowHour:
		return l.ceilings.PerHour
	default:
		return l.ceilings.PerDay
	}
}

var allWindows = []WindowType{WindowMinute, WindowHour, WindowDay}

// CheckAndRecord enforces the limits for one incoming request. All three
// windows are read before anything is written, so a request rejected by any
// window leaves every counter untouched. Storage failures log and allow the
// request through rather than blocking traffic on a broken database.
func (l *Limiter) CheckAndRecord(ctx context.Context, identifier, ip string) error {
	if l.whitelisted(ip) {
		return nil
	}
	now := l.now()

	if banErr, err := l.banStatus(ctx, identifier, now); err != nil {
		l.log.Error().Err(err).Str("identifier", identifier).Msg("ban lookup failed, allowing request")
		return nil
	} else if banErr != nil {
		return banErr
	}

	counts := make(map[WindowType]int64, len(allWindows))
	for _, w := range allWindows {
		var c Counter
		err := l.db.WithContext(ctx).
			Where("identifier = ? AND window_type = ? AND window_start = ?", identifier, w, windowStart(now, w)).
			First(&c).Error
		switch {
		case err == nil:
			counts[w] = c.RequestCount
		case errors.Is(err, gorm.ErrRecordNotFound):
			counts[w] = 0
		default:
			l.log.Error().Err(err).Str("identifier", identifier).Msg("counter read failed, allowing request")
			return nil
		}
	}

	for _, w := range allWindows {
		if counts[w] >= l.ceiling(w) {
			start := windowStart(now, w)
			retryAfter := start.Add(windowDuration(w)).Sub(now)
			metrics.RateLimitRejections.WithLabelValues(string(w)).Inc()
			l.recordViolation(ctx, identifier, w, now)
			return &RateLimitError{Window: w, RetryAfter: retryAfter}
		}
	}

	for _, w := range allWindows {
		if err := l.increment(ctx, identifier, w, now); err != nil {
			l.log.Error().Err(err).Str("identifier", identifier).Str("window", string(w)).
				Msg("counter increment failed")
		}
	}
	return nil
}

func (l *Limiter) increment(ctx context.Context, identifier string, w WindowType, now time.Time) error {
	return l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "identifier"}, {Name: "window_type"}, {Name: "window_start"}},
			DoUpdates: clause.Assignments(map[string]any{
				"request_count": gorm.Expr("request_count + 1"),
			}),
		}).
		Create(&Counter{
			Identifier:   identifier,
			WindowType:   w,
			WindowStart:  windowStart(now, w),
			RequestCount: 1,
		}).Error
}

func (l *Limiter) recordViolation(ctx context.Context, identifier string, w WindowType, now time.Time) {
	if err := l.db.WithContext(ctx).Create(&Violation{
		Identifier: identifier,
		Window:     w,
		CreatedAt:  now,
	}).Error; err != nil {
		l.log.Error().Err(err).Str("identifier", identifier).Msg("violation record failed")
		return
	}
	if l.sink != nil {
		l.sink.Record(ctx, "rate_limit_exceeded", map[string]any{
			"identifier": identifier,
			"window":     string(w),
		})
	}

	var count int64
	if err := l.db.WithContext(ctx).Model(&Violation{}).
		Where("identifier = ? AND created_at > ?", identifier, now.Add(-time.Hour)).
		Count(&count).Error; err != nil {
		l.log.Error().Err(err).Str("identifier", identifier).Msg("violation count failed")
		return
	}

	var dur time.Duration
	switch {
	case count >= banLongThreshold:
		dur = banLongDuration
	case count >= banShortThreshold:
		dur = banShortDuration
	default:
		return
	}

	expires := now.Add(dur)
	reason := fmt.Sprintf("%d rate limit violations within one hour", count)
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "identifier"}},
			DoUpdates: clause.Assignments(map[string]any{
				"expires_at": expires,
				"reason":     reason,
			}),
		}).
		Create(&Ban{
			Identifier: identifier,
			Reason:     reason,
			ExpiresAt:  expires,
			CreatedAt:  now,
		}).Error
	if err != nil {
		l.log.Error().Err(err).Str("identifier", identifier).Msg("ban upsert failed")
		return
	}

	metrics.BansIssued.Inc()
	l.log.Warn().Str("identifier", identifier).Int64("violations", count).
		Dur("duration", dur).Msg("identity banned")
	if l.sink != nil {
		l.sink.Record(ctx, "ban_issued", map[string]any{
			"identifier": identifier,
			"violations": count,
			"expires_at": expires.Format(time.RFC3339),
		})
	}
}

func (l *Limiter) banStatus(ctx context.Context, identifier string, now time.Time) (*BanError, error) {
	var ban Ban
	err := l.db.WithContext(ctx).
		Where("identifier = ? AND expires_at > ?", identifier, now).
		First(&ban).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &BanError{ExpiresAt: ban.ExpiresAt, Reason: ban.Reason}, nil
}

// BanStatus reports an active ban for the identity, or nil.
func (l *Limiter) BanStatus(ctx context.Context, identifier string) (*BanError, error) {
	return l.banStatus(ctx, identifier, l.now())
}

// Remaining reports how many requests the identity has left in each window.
func (l *Limiter) Remaining(ctx context.Context, identifier string) (map[WindowType]int64, error) {
	now := l.now()
	out := make(map[WindowType]int64, len(allWindows))
	for _, w := range allWindows {
		var c Counter
		err := l.db.WithContext(ctx).
			Where("identifier = ? AND window_type = ? AND window_start = ?", identifier, w, windowStart(now, w)).
			First(&c).Error
		switch {
		case err == nil:
			rem := l.ceiling(w) - c.RequestCount
			if rem < 0 {
				rem = 0
			}
			out[w] = rem
		case errors.Is(err, gorm.ErrRecordNotFound):
			out[w] = l.ceiling(w)
		default:
			return nil, err
		}
	}
	return out, nil
}

// ResetIn reports the time until each window rolls over.
func (l *Limiter) ResetIn() map[WindowType]time.Duration {
	now := l.now()
	out := make(map[WindowType]time.Duration, len(allWindows))
	for _, w := range allWindows {
		out[w] = windowStart(now, w).Add(windowDuration(w)).Sub(now)
	}
	return out
}

// SweepCounters drops counters and violations past any live window, plus
// expired bans.
func (l *Limiter) SweepCounters(ctx context.Context) error {
	now := l.now()
	cutoff := now.Add(-25 * time.Hour)
	if err := l.db.WithContext(ctx).
		Where("window_start < ?", cutoff).
		Delete(&Counter{}).Error; err != nil {
		return fmt.Errorf("sweep counters: %w", err)
	}
	if err := l.db.WithContext(ctx).
		Where("created_at < ?", now.Add(-2*time.Hour)).
		Delete(&Violation{}).Error; err != nil {
		return fmt.Errorf("sweep violations: %w", err)
	}
	if err := l.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&Ban{}).Error; err != nil {
		return fmt.Errorf("sweep bans: %w", err)
	}
	return nil
}
