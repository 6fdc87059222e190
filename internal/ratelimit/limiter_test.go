package ratelimit

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
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Counter{}, &Violation{}, &Ban{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestLimiter(t *testing.T, ceilings Ceilings, whitelist []string) (*Limiter, *time.Time) {
	t.Helper()
	db := openTestDB(t)
	l := NewLimiter(db, zerolog.Nop(), ceilings, "test-salt", whitelist)

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	clock := &now
	l.SetClock(func() time.Time { return *clock })
	return l, clock
}

func TestCheckAndRecord_CeilingEnforced(t *testing.T) {
	l, _ := newTestLimiter(t, Ceilings{PerMinute: 3, PerHour: 100, PerDay: 500}, nil)
	ctx := context.Background()
	id := l.Identify(0, "203.0.113.9")

	for i := 0; i < 3; i++ {
		if err := l.CheckAndRecord(ctx, id, "203.0.113.9"); err != nil {
			t.Fatalf("request %d should pass: %v", i+1, err)
		}
	}

	err := l.CheckAndRecord(ctx, id, "203.0.113.9")
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rl.Window != WindowMinute {
		t.Fatalf("expected minute window, got %s", rl.Window)
	}
	if rl.RetryAfter <= 0 || rl.RetryAfter > time.Minute {
		t.Fatalf("retry-after out of range: %s", rl.RetryAfter)
	}
}

func TestCheckAndRecord_RejectionDoesNotIncrement(t *testing.T) {
	l, _ := newTestLimiter(t, Ceilings{PerMinute: 2, PerHour: 100, PerDay: 500}, nil)
	ctx := context.Background()
	id := l.Identify(0, "203.0.113.9")

	for i := 0; i < 2; i++ {
		if err := l.CheckAndRecord(ctx, id, "203.0.113.9"); err != nil {
			t.Fatalf("request %d should pass: %v", i+1, err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := l.CheckAndRecord(ctx, id, "203.0.113.9"); err == nil {
			t.Fatalf("rejected request %d unexpectedly passed", i+1)
		}
	}

	var c Counter
	if err := l.db.Where("identifier = ? AND window_type = ?", id, WindowMinute).First(&c).Error; err != nil {
		t.Fatalf("counter lookup: %v", err)
	}
	if c.RequestCount != 2 {
		t.Fatalf("rejections leaked into the counter: got %d, want 2", c.RequestCount)
	}
}

func TestCheckAndRecord_WindowRollsOver(t *testing.T) {
	l, clock := newTestLimiter(t, Ceilings{PerMinute: 1, PerHour: 100, PerDay: 500}, nil)
	ctx := context.Background()
	id := l.Identify(0, "203.0.113.9")

	if err := l.CheckAndRecord(ctx, id, "203.0.113.9"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := l.CheckAndRecord(ctx, id, "203.0.113.9"); err == nil {
		t.Fatalf("second request in same minute should be rejected")
	}

	*clock = clock.Add(time.Minute)
	if err := l.CheckAndRecord(ctx, id, "203.0.113.9"); err != nil {
		t.Fatalf("request after window rollover: %v", err)
	}
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t, Ceilings{PerMinute: 5, PerHour: 100, PerDay: 500}, nil)
	ctx := context.Background()
	id := l.Identify(0, "203.0.113.9")

	rem, err := l.Remaining(ctx, id)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if rem[WindowMinute] != 5 || rem[WindowHour] != 100 || rem[WindowDay] != 500 {
		t.Fatalf("fresh identity should have full allowance, got %v", rem)
	}

	for i := 0; i < 3; i++ {
		if err := l.CheckAndRecord(ctx, id, "203.0.113.9"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}

	rem, err = l.Remaining(ctx, id)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if rem[WindowMinute] != 2 {
		t.Fatalf("expected 2 left in minute window, got %d", rem[WindowMinute])
	}
	if rem[WindowHour] != 97 || rem[WindowDay] != 497 {
		t.Fatalf("hour/day windows off: %v", rem)
	}
}

func TestViolationsEscalateToBans(t *testing.T) {
	l, clock := newTestLimiter(t, Ceilings{PerMinute: 1, PerHour: 100, PerDay: 1}, nil)
	ctx := context.Background()
	id := l.Identify(0, "203.0.113.9")

	if err := l.CheckAndRecord(ctx, id, "203.0.113.9"); err != nil {
		t.Fatalf("first request: %v", err)
	}

	// five rejections trigger the short ban
	for i := 0; i < 5; i++ {
		err := l.CheckAndRecord(ctx, id, "203.0.113.9")
		var rl *RateLimitError
		if !errors.As(err, &rl) {
			t.Fatalf("rejection %d: expected RateLimitError, got %v", i+1, err)
		}
	}

	err := l.CheckAndRecord(ctx, id, "203.0.113.9")
	var ban *BanError
	if !errors.As(err, &ban) {
		t.Fatalf("expected BanError after 5 violations, got %v", err)
	}
	if want := clock.Add(banShortDuration); !ban.ExpiresAt.Equal(want) {
		t.Fatalf("short ban expiry: got %v, want %v", ban.ExpiresAt, want)
	}

	// past the short ban the day ceiling still rejects; five more
	// violations escalate to the long ban
	*clock = clock.Add(16 * time.Minute)
	for i := 0; i < 5; i++ {
		err := l.CheckAndRecord(ctx, id, "203.0.113.9")
		var rl *RateLimitError
		if !errors.As(err, &rl) {
			t.Fatalf("second round rejection %d: expected RateLimitError, got %v", i+1, err)
		}
	}

	err = l.CheckAndRecord(ctx, id, "203.0.113.9")
	if !errors.As(err, &ban) {
		t.Fatalf("expected BanError after 10 violations, got %v", err)
	}
	if want := clock.Add(banLongDuration); !ban.ExpiresAt.Equal(want) {
		t.Fatalf("long ban expiry: got %v, want %v", ban.ExpiresAt, want)
	}

	// BanStatus reports it too
	status, statusErr := l.BanStatus(ctx, id)
	if statusErr != nil || status == nil {
		t.Fatalf("ban status: %v, %v", status, statusErr)
	}
}

func TestWhitelistBypassesLimits(t *testing.T) {
	l, _ := newTestLimiter(t, Ceilings{PerMinute: 1, PerHour: 1, PerDay: 1},
		[]string{"198.51.100.7", "10.0.0.0/8"})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := l.CheckAndRecord(ctx, l.Identify(0, "198.51.100.7"), "198.51.100.7"); err != nil {
			t.Fatalf("exact whitelist entry rejected: %v", err)
		}
		if err := l.CheckAndRecord(ctx, l.Identify(0, "10.1.2.3"), "10.1.2.3"); err != nil {
			t.Fatalf("CIDR whitelist entry rejected: %v", err)
		}
	}
}

func TestCheckAndRecord_FailsOpenOnStorageError(t *testing.T) {
	l, _ := newTestLimiter(t, Ceilings{PerMinute: 1, PerHour: 1, PerDay: 1}, nil)
	ctx := context.Background()
	id := l.Identify(0, "203.0.113.9")

	sqlDB, err := l.db.DB()
	if err != nil {
		t.Fatalf("unwrap db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	if err := l.CheckAndRecord(ctx, id, "203.0.113.9"); err != nil {
		t.Fatalf("expected fail-open on broken storage, got %v", err)
	}
}

func TestIdentify(t *testing.T) {
	l, _ := newTestLimiter(t, Ceilings{PerMinute: 1, PerHour: 1, PerDay: 1}, nil)

	if got := l.Identify(7, "203.0.113.9"); got != "user:7" {
		t.Fatalf("user identity: got %q", got)
	}

	a := l.Identify(0, "203.0.113.9")
	b := l.Identify(0, "203.0.113.9")
	c := l.Identify(0, "203.0.113.10")
	if a != b {
		t.Fatalf("identity not stable: %q vs %q", a, b)
	}
	if a == c {
		t.Fatalf("distinct IPs share an identity")
	}
	if !strings.HasPrefix(a, "ip:") || strings.Contains(a, "203.0.113.9") {
		t.Fatalf("raw IP leaked into identity %q", a)
	}
}

func TestSweepCounters(t *testing.T) {
	l, clock := newTestLimiter(t, Ceilings{PerMinute: 10, PerHour: 100, PerDay: 500}, nil)
	ctx := context.Background()
	id := l.Identify(0, "203.0.113.9")

	if err := l.CheckAndRecord(ctx, id, "203.0.113.9"); err != nil {
		t.Fatalf("request: %v", err)
	}

	*clock = clock.Add(26 * time.Hour)
	if err := l.SweepCounters(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var count int64
	if err := l.db.Model(&Counter{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected stale counters swept, %d remain", count)
	}
}
