// Package ratelimit enforces hourly and daily send quotas for campaign mail.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// Level is the scope a quota applies to
type Level string

const (
	LevelGlobal          Level = "global"
	LevelCampaign        Level = "campaign"
	LevelRecipientDomain Level = "recipient_domain"
)

// Limits holds the quota of one level. Zero means unlimited.
type Limits struct {
	PerHour int `json:"per_hour"`
	PerDay  int `json:"per_day"`
}

func (l Limits) enabled() bool {
	return l.PerHour > 0 || l.PerDay > 0
}

// Config contains the quotas of every level
type Config struct {
	Global          Limits
	Campaign        Limits // Applied to each campaign separately
	RecipientDomain Limits // Applied to each recipient domain separately
	FlushInterval   time.Duration
}

// Enabled reports whether any quota is configured
func (c Config) Enabled() bool {
	return c.Global.enabled() || c.Campaign.enabled() || c.RecipientDomain.enabled()
}

// Counter tracks the sends of one key within the current windows
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Request describes one send
type Request struct {
	CampaignID      string
	RecipientDomain string
}

// Result is the outcome of a quota check
type Result struct {
	Allowed   bool
	DeniedBy  Level
	DeniedKey string
	RetryAt   time.Time // When the exhausted window resets
}

// Stats contains the current usage of one key
type Stats struct {
	Level       Level     `json:"level"`
	Key         string    `json:"key"`
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Limiter counts sends per level and persists the counters to bbolt so
// quotas survive a restart
type Limiter struct {
	db       *bolt.DB
	config   Config
	counters map[string]*Counter
	mu       sync.Mutex
	now      func() time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a limiter backed by db and starts its flush loop
func New(db *bolt.DB, cfg Config) (*Limiter, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	l.wg.Add(1)
	go l.persistLoop()

	return l, nil
}

// Allow checks every applicable quota and, when all of them have room,
// counts the send against each
func (l *Limiter) Allow(ctx context.Context, req *Request) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	checks := l.checks(req)

	for _, check := range checks {
		counter := l.counter(check.key, now)
		resetExpired(counter, now)

		if check.limit.PerHour > 0 && counter.HourlyCount >= check.limit.PerHour {
			return &Result{DeniedBy: check.level, DeniedKey: check.key, RetryAt: counter.HourStart.Add(time.Hour)}, nil
		}
		if check.limit.PerDay > 0 && counter.DailyCount >= check.limit.PerDay {
			return &Result{DeniedBy: check.level, DeniedKey: check.key, RetryAt: counter.DayStart.Add(24 * time.Hour)}, nil
		}
	}

	for _, check := range checks {
		counter := l.counters[check.key]
		counter.HourlyCount++
		counter.DailyCount++
	}

	return &Result{Allowed: true}, nil
}

// GetStats returns the usage of one key
func (l *Limiter) GetStats(level Level, key string) *Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := &Stats{Level: level, Key: key}
	counter, ok := l.counters[makeKey(level, key)]
	if !ok {
		return stats
	}

	now := l.now()
	stats.HourStart = counter.HourStart
	stats.DayStart = counter.DayStart
	if now.Sub(counter.HourStart) < time.Hour {
		stats.HourlyCount = counter.HourlyCount
	}
	if now.Sub(counter.DayStart) < 24*time.Hour {
		stats.DailyCount = counter.DailyCount
	}
	return stats
}

// Stop stops the flush loop and persists the counters
func (l *Limiter) Stop() error {
	close(l.stopCh)
	l.wg.Wait()
	return l.persistCounters()
}

type limitCheck struct {
	level Level
	key   string
	limit Limits
}

func (l *Limiter) checks(req *Request) []limitCheck {
	var checks []limitCheck

	if l.config.Global.enabled() {
		checks = append(checks, limitCheck{LevelGlobal, makeKey(LevelGlobal, "global"), l.config.Global})
	}
	if req.CampaignID != "" && l.config.Campaign.enabled() {
		checks = append(checks, limitCheck{LevelCampaign, makeKey(LevelCampaign, req.CampaignID), l.config.Campaign})
	}
	if req.RecipientDomain != "" && l.config.RecipientDomain.enabled() {
		domain := strings.ToLower(req.RecipientDomain)
		checks = append(checks, limitCheck{LevelRecipientDomain, makeKey(LevelRecipientDomain, domain), l.config.RecipientDomain})
	}

	return checks
}

func (l *Limiter) counter(key string, now time.Time) *Counter {
	counter, ok := l.counters[key]
	if !ok {
		counter = &Counter{HourStart: now, DayStart: now}
		l.counters[key] = counter
	}
	return counter
}

func resetExpired(counter *Counter, now time.Time) {
	if now.Sub(counter.HourStart) >= time.Hour {
		counter.HourlyCount = 0
		counter.HourStart = now
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateLimits).ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // Skip invalid entries
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.Lock()
	snapshot := make(map[string][]byte, len(l.counters))
	for key, counter := range l.counters {
		data, err := json.Marshal(counter)
		if err != nil {
			continue
		}
		snapshot[key] = data
	}
	l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		for key, data := range snapshot {
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
