package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestLimiter(t *testing.T, db *bolt.DB, cfg Config) *Limiter {
	t.Helper()
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour // Don't flush during test
	}
	l, err := New(db, cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	return l
}

func allowN(t *testing.T, l *Limiter, req *Request, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		res, err := l.Allow(context.Background(), req)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed, denied by %s", i+1, res.DeniedBy)
		}
	}
}

func TestNewDefaultFlushInterval(t *testing.T) {
	l, err := New(setupTestDB(t), Config{})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer l.Stop()

	if l.config.FlushInterval != 10*time.Second {
		t.Errorf("expected default FlushInterval=10s, got %v", l.config.FlushInterval)
	}
}

func TestConfigEnabled(t *testing.T) {
	if (Config{}).Enabled() {
		t.Error("empty config should be disabled")
	}
	if !(Config{RecipientDomain: Limits{PerDay: 1}}).Enabled() {
		t.Error("recipient domain quota should enable the limiter")
	}
}

func TestAllowGlobalLimit(t *testing.T) {
	l := newTestLimiter(t, setupTestDB(t), Config{Global: Limits{PerHour: 3, PerDay: 10}})
	defer l.Stop()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	req := &Request{CampaignID: "c1", RecipientDomain: "example.com"}
	allowN(t, l, req, 3)

	res, err := l.Allow(context.Background(), req)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if res.Allowed {
		t.Error("request 4 should be denied")
	}
	if res.DeniedBy != LevelGlobal {
		t.Errorf("expected DeniedBy=global, got %s", res.DeniedBy)
	}
	if !res.RetryAt.Equal(now.Add(time.Hour)) {
		t.Errorf("RetryAt = %v, want %v", res.RetryAt, now.Add(time.Hour))
	}
}

func TestAllowRecipientDomainLimit(t *testing.T) {
	l := newTestLimiter(t, setupTestDB(t), Config{RecipientDomain: Limits{PerHour: 2}})
	defer l.Stop()

	ctx := context.Background()
	reqA := &Request{RecipientDomain: "Domain-A.com"}
	allowN(t, l, reqA, 2)

	res, _ := l.Allow(ctx, &Request{RecipientDomain: "domain-a.com"})
	if res.Allowed {
		t.Error("domain A request 3 should be denied regardless of case")
	}
	if res.DeniedBy != LevelRecipientDomain || res.DeniedKey != "recipient_domain:domain-a.com" {
		t.Errorf("denied by %s/%s", res.DeniedBy, res.DeniedKey)
	}

	// Other domains have their own quota
	allowN(t, l, &Request{RecipientDomain: "domain-b.com"}, 2)
}

func TestAllowCampaignLimit(t *testing.T) {
	l := newTestLimiter(t, setupTestDB(t), Config{Campaign: Limits{PerHour: 1}})
	defer l.Stop()

	allowN(t, l, &Request{CampaignID: "c1"}, 1)

	res, _ := l.Allow(context.Background(), &Request{CampaignID: "c1"})
	if res.Allowed || res.DeniedBy != LevelCampaign {
		t.Errorf("campaign c1 should be denied, got %+v", res)
	}

	allowN(t, l, &Request{CampaignID: "c2"}, 1)
}

func TestAllowDailyLimit(t *testing.T) {
	l := newTestLimiter(t, setupTestDB(t), Config{Global: Limits{PerHour: 100, PerDay: 2}})
	defer l.Stop()

	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	now := start
	l.now = func() time.Time { return now }

	allowN(t, l, &Request{}, 2)

	// A new hour does not reset the daily window
	now = start.Add(2 * time.Hour)
	res, _ := l.Allow(context.Background(), &Request{})
	if res.Allowed {
		t.Error("daily quota should still be exhausted")
	}
	if !res.RetryAt.Equal(start.Add(24 * time.Hour)) {
		t.Errorf("RetryAt = %v, want day start + 24h", res.RetryAt)
	}

	now = start.Add(25 * time.Hour)
	allowN(t, l, &Request{}, 1)
}

func TestDeniedRequestDoesNotCount(t *testing.T) {
	l := newTestLimiter(t, setupTestDB(t), Config{
		Global:          Limits{PerHour: 10},
		RecipientDomain: Limits{PerHour: 1},
	})
	defer l.Stop()

	req := &Request{RecipientDomain: "example.com"}
	allowN(t, l, req, 1)
	for i := 0; i < 3; i++ {
		l.Allow(context.Background(), req)
	}

	if got := l.GetStats(LevelGlobal, "global").HourlyCount; got != 1 {
		t.Errorf("global hourly count = %d, want 1", got)
	}
}

func TestGetStats(t *testing.T) {
	l := newTestLimiter(t, setupTestDB(t), Config{RecipientDomain: Limits{PerHour: 10}})
	defer l.Stop()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	allowN(t, l, &Request{RecipientDomain: "example.com"}, 3)

	stats := l.GetStats(LevelRecipientDomain, "example.com")
	if stats.HourlyCount != 3 || stats.DailyCount != 3 {
		t.Errorf("stats = %+v, want 3/3", stats)
	}

	now = now.Add(90 * time.Minute)
	stats = l.GetStats(LevelRecipientDomain, "example.com")
	if stats.HourlyCount != 0 || stats.DailyCount != 3 {
		t.Errorf("stats after an hour = %+v, want 0/3", stats)
	}

	if s := l.GetStats(LevelCampaign, "missing"); s.HourlyCount != 0 || s.Key != "missing" {
		t.Errorf("stats for unknown key = %+v", s)
	}
}

func TestPersistence(t *testing.T) {
	db := setupTestDB(t)
	cfg := Config{RecipientDomain: Limits{PerDay: 2}}

	l := newTestLimiter(t, db, cfg)
	allowN(t, l, &Request{RecipientDomain: "example.com"}, 2)
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Counters are reloaded by a new limiter on the same database
	l2 := newTestLimiter(t, db, cfg)
	defer l2.Stop()

	res, _ := l2.Allow(context.Background(), &Request{RecipientDomain: "example.com"})
	if res.Allowed {
		t.Error("quota should survive a restart")
	}
}

func TestZeroLimits(t *testing.T) {
	l := newTestLimiter(t, setupTestDB(t), Config{})
	defer l.Stop()

	allowN(t, l, &Request{CampaignID: "c1", RecipientDomain: "example.com"}, 100)
}
