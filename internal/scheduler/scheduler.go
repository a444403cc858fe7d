// Package scheduler claims due stage executions, hands them to the dispatch
// coordinator and moves them through settlement.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/cadence/internal/campaign"
	"github.com/foxzi/cadence/internal/dispatch"
	"github.com/foxzi/cadence/internal/metrics"
)

// Store is the persistence the scheduler needs
type Store interface {
	campaign.ExecutionStore
	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
}

// Lifecycle is the part of the campaign state machine the scheduler drives
type Lifecycle interface {
	Activate(ctx context.Context, id string) (*campaign.Campaign, error)
	CompleteIfDone(ctx context.Context, id string) (bool, error)
}

// Dispatcher sends one claimed execution
type Dispatcher interface {
	Dispatch(ctx context.Context, key campaign.ExecutionKey) (*dispatch.Result, error)
}

// Summarizer computes the settled summary of an execution
type Summarizer interface {
	Summarize(ctx context.Context, exec *campaign.StageExecution) (campaign.Summary, error)
}

// SettledFunc consumes StageSettled facts
type SettledFunc func(ctx context.Context, ev campaign.StageSettled)

// Config contains scheduler configuration
type Config struct {
	TickInterval     time.Duration
	SettlementWindow time.Duration
	MaxAttempts      int
	RetryInterval    time.Duration
	MaxBackoff       time.Duration
	LeaseDuration    time.Duration
	Workers          int
	BatchSize        int
}

// Stats counts what one tick did
type Stats struct {
	Settled   int
	Claimed   int
	Conflicts int
	Sent      int
	Blocked   int
	Retried   int
	Throttled int
	Failed    int
}

// Scheduler runs the tick loop
type Scheduler struct {
	store      Store
	lifecycle  Lifecycle
	dispatcher Dispatcher
	summarizer Summarizer
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	listeners []SettledFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a new scheduler
func New(store Store, lifecycle Lifecycle, dispatcher Dispatcher, summarizer Summarizer, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if cfg.SettlementWindow <= 0 {
		cfg.SettlementWindow = 48 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Minute
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Hour
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 10 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	return &Scheduler{
		store:      store,
		lifecycle:  lifecycle,
		dispatcher: dispatcher,
		summarizer: summarizer,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// SetClock overrides the time source
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// OnSettled registers a StageSettled consumer
func (s *Scheduler) OnSettled(fn SettledFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start reloads persisted state and runs the tick loop
func (s *Scheduler) Start(ctx context.Context) {
	s.reload(ctx)

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop stops the tick loop and waits for in-flight work
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// reload logs the work found in storage. Due times are always re-read from
// storage, so nothing else is needed to resume after a restart.
func (s *Scheduler) reload(ctx context.Context) {
	counts := make(map[campaign.StageStatus]int)
	for _, st := range []campaign.StageStatus{campaign.StagePending, campaign.StageDispatched, campaign.StageSettling} {
		execs, err := s.store.ExecutionsByStatus(ctx, st)
		if err != nil {
			s.logger.Error("failed to reload stage executions", "status", st, "error", err)
			continue
		}
		counts[st] = len(execs)
	}

	s.logger.Info("starting scheduler",
		"tick_interval", s.cfg.TickInterval,
		"workers", s.cfg.Workers,
		"pending", counts[campaign.StagePending],
		"dispatched", counts[campaign.StageDispatched],
		"settling", counts[campaign.StageSettling],
	)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.Tick(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling cycle: settle, claim, dispatch
func (s *Scheduler) Tick(ctx context.Context) Stats {
	start := time.Now()
	now := s.now().UTC()
	var stats Stats

	s.settle(ctx, now, &stats)

	claims := s.claimRetries(ctx, now, &stats)
	claims = append(claims, s.claimDue(ctx, now, &stats)...)
	s.process(ctx, claims, &stats)

	metrics.ObserveTickDuration(time.Since(start))
	if stats != (Stats{}) {
		s.logger.Info("scheduler tick",
			"settled", stats.Settled,
			"claimed", stats.Claimed,
			"conflicts", stats.Conflicts,
			"sent", stats.Sent,
			"blocked", stats.Blocked,
			"retried", stats.Retried,
			"throttled", stats.Throttled,
			"failed", stats.Failed,
			"duration", time.Since(start),
		)
	}
	return stats
}

// settle completes settling executions whose window has closed
func (s *Scheduler) settle(ctx context.Context, now time.Time, stats *Stats) {
	execs, err := s.store.ExecutionsByStatus(ctx, campaign.StageSettling)
	if err != nil {
		s.logger.Error("failed to list settling executions", "error", err)
		return
	}

	for _, e := range execs {
		if e.SettlesAt != nil && e.SettlesAt.After(now) {
			continue
		}
		key := e.Key()

		summary, err := s.summarizer.Summarize(ctx, e)
		if err != nil {
			s.logger.Error("failed to summarize execution", "key", key.String(), "error", err)
			continue
		}

		_, err = s.store.UpdateExecution(ctx, key, func(_ *campaign.Campaign, e *campaign.StageExecution) error {
			if e.Status != campaign.StageSettling {
				return campaign.ErrClaimConflict
			}
			e.Status = campaign.StageCompleted
			e.Summary = summary
			e.CompletedAt = &now
			return nil
		})
		if errors.Is(err, campaign.ErrClaimConflict) {
			continue
		}
		if err != nil {
			s.logger.Error("failed to complete execution", "key", key.String(), "error", err)
			continue
		}

		stats.Settled++
		metrics.IncStageSettled(string(key.Stage))
		s.logger.Info("stage settled",
			"key", key.String(),
			"sent", summary.Sent,
			"opened", summary.Opened,
			"clicked", summary.Clicked,
		)

		s.emit(ctx, campaign.StageSettled{Key: key, Summary: summary, SettledAt: now})
		s.completeIfDone(ctx, key.CampaignID)
	}
}

// claimDue claims pending executions whose due time has passed
func (s *Scheduler) claimDue(ctx context.Context, now time.Time, stats *Stats) []campaign.ExecutionKey {
	due, err := s.store.DueExecutions(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list due executions", "error", err)
		return nil
	}

	var claims []campaign.ExecutionKey
	for _, e := range due {
		key := e.Key()
		if !s.ensureActive(ctx, key.CampaignID) {
			continue
		}

		_, err := s.store.UpdateExecution(ctx, key, func(c *campaign.Campaign, e *campaign.StageExecution) error {
			if e.Status != campaign.StagePending || c.Status != campaign.StatusActive {
				return campaign.ErrClaimConflict
			}
			e.Status = campaign.StageDispatched
			e.LeaseUntil = now.Add(s.cfg.LeaseDuration)
			e.DispatchedAt = &now
			return nil
		})
		if !s.claimed(key, err, stats) {
			continue
		}
		claims = append(claims, key)
	}
	return claims
}

// claimRetries re-claims dispatched executions whose lease expired and whose
// backoff has elapsed. This also resumes dispatches interrupted by a crash.
// A cancelled campaign only skips pending stages, so its in-flight stages are
// still retried until they settle or fail. Paused campaigns wait.
func (s *Scheduler) claimRetries(ctx context.Context, now time.Time, stats *Stats) []campaign.ExecutionKey {
	execs, err := s.store.ExecutionsByStatus(ctx, campaign.StageDispatched)
	if err != nil {
		s.logger.Error("failed to list dispatched executions", "error", err)
		return nil
	}

	var claims []campaign.ExecutionKey
	for _, e := range execs {
		if e.LeaseUntil.After(now) || e.NextAttemptAt.After(now) {
			continue
		}
		key := e.Key()
		observed := e.LeaseUntil

		_, err := s.store.UpdateExecution(ctx, key, func(c *campaign.Campaign, e *campaign.StageExecution) error {
			if e.Status != campaign.StageDispatched || !e.LeaseUntil.Equal(observed) || c.Status == campaign.StatusPaused {
				return campaign.ErrClaimConflict
			}
			e.LeaseUntil = now.Add(s.cfg.LeaseDuration)
			return nil
		})
		if !s.claimed(key, err, stats) {
			continue
		}
		claims = append(claims, key)
	}
	return claims
}

func (s *Scheduler) claimed(key campaign.ExecutionKey, err error, stats *Stats) bool {
	switch {
	case err == nil:
		stats.Claimed++
		metrics.IncClaim("claimed")
		return true
	case errors.Is(err, campaign.ErrClaimConflict):
		stats.Conflicts++
		metrics.IncClaim("conflict")
	default:
		s.logger.Error("failed to claim execution", "key", key.String(), "error", err)
		metrics.IncClaim("error")
	}
	return false
}

// ensureActive activates a scheduled campaign and reports whether it is active
func (s *Scheduler) ensureActive(ctx context.Context, id string) bool {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		s.logger.Error("failed to load campaign", "campaign_id", id, "error", err)
		return false
	}

	switch c.Status {
	case campaign.StatusActive:
		return true
	case campaign.StatusScheduled:
		_, err := s.lifecycle.Activate(ctx, id)
		if err != nil && !errors.Is(err, campaign.ErrInvalidTransition) {
			s.logger.Error("failed to activate campaign", "campaign_id", id, "error", err)
			return false
		}
		return true
	default:
		return false
	}
}

// process dispatches claims with bounded concurrency
func (s *Scheduler) process(ctx context.Context, claims []campaign.ExecutionKey, stats *Stats) {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.cfg.Workers)
	)

	for _, key := range claims {
		sem <- struct{}{}
		wg.Add(1)
		go func(key campaign.ExecutionKey) {
			defer wg.Done()
			defer func() { <-sem }()

			result := s.dispatchOne(ctx, key)

			mu.Lock()
			defer mu.Unlock()
			switch result {
			case resultSent:
				stats.Sent++
			case resultBlocked:
				stats.Blocked++
			case resultRetry:
				stats.Retried++
			case resultThrottled:
				stats.Throttled++
			case resultFailed:
				stats.Failed++
			}
		}(key)
	}

	wg.Wait()
}

const (
	resultSent        = "sent"
	resultBlocked     = "no_content"
	resultRetry       = "retry"
	resultThrottled   = "throttled"
	resultFailed      = "failed"
	resultConflict    = "conflict"
	resultInterrupted = "interrupted"
)

// dispatchOne sends one claimed execution and records the outcome
func (s *Scheduler) dispatchOne(ctx context.Context, key campaign.ExecutionKey) string {
	logger := s.logger.With("key", key.String())

	res, err := s.dispatcher.Dispatch(ctx, key)
	now := s.now().UTC()

	var result string
	switch {
	case errors.Is(err, campaign.ErrClaimConflict):
		return resultConflict

	case err != nil && ctx.Err() != nil:
		// Shutdown cut the batch short. The stage keeps its claim and is
		// resumed once the lease expires, without spending an attempt.
		logger.Warn("stage dispatch interrupted", "error", err)
		return resultInterrupted

	case errors.Is(err, campaign.ErrNoApprovedContent):
		logger.Warn("stage blocked waiting for approved content", "error", err)
		result = resultBlocked
		err = s.release(ctx, key, err.Error())

	case err == nil && res.Transient == 0 && res.Throttled > 0:
		logger.Info("stage held back by send quota", "throttled", res.Throttled, "retry_at", res.ThrottledUntil)
		result = resultThrottled
		err = s.throttle(ctx, key, now, res.ThrottledUntil)

	case err != nil || res.Transient > 0:
		reason := "transient recipient failures"
		if err != nil {
			reason = err.Error()
		}
		result, err = s.retry(ctx, key, now, reason, logger)

	default:
		result = resultSent
		_, err = s.store.UpdateExecution(ctx, key, func(_ *campaign.Campaign, e *campaign.StageExecution) error {
			if e.Status != campaign.StageDispatched {
				return campaign.ErrClaimConflict
			}
			settles := now.Add(s.cfg.SettlementWindow)
			e.Status = campaign.StageSettling
			e.DispatchAttempts++
			e.SettlesAt = &settles
			e.LeaseUntil = time.Time{}
			e.NextAttemptAt = time.Time{}
			e.LastError = ""
			return nil
		})
	}

	if err != nil {
		if !errors.Is(err, campaign.ErrClaimConflict) {
			logger.Error("failed to record dispatch outcome", "result", result, "error", err)
		}
		return resultConflict
	}

	metrics.IncStageDispatch(string(key.Stage), result)
	if result == resultFailed {
		s.completeIfDone(ctx, key.CampaignID)
	}
	return result
}

// release returns a blocked execution to pending without spending an attempt
func (s *Scheduler) release(ctx context.Context, key campaign.ExecutionKey, reason string) error {
	_, err := s.store.UpdateExecution(ctx, key, func(_ *campaign.Campaign, e *campaign.StageExecution) error {
		if e.Status != campaign.StageDispatched {
			return campaign.ErrClaimConflict
		}
		e.Status = campaign.StagePending
		e.LeaseUntil = time.Time{}
		e.LastError = reason
		return nil
	})
	return err
}

// throttle defers the remaining sends until the quota resets without
// spending an attempt
func (s *Scheduler) throttle(ctx context.Context, key campaign.ExecutionKey, now, until time.Time) error {
	if !until.After(now) {
		until = now.Add(s.cfg.RetryInterval)
	}
	_, err := s.store.UpdateExecution(ctx, key, func(_ *campaign.Campaign, e *campaign.StageExecution) error {
		if e.Status != campaign.StageDispatched {
			return campaign.ErrClaimConflict
		}
		e.LeaseUntil = time.Time{}
		e.NextAttemptAt = until
		e.LastError = "send quota exhausted"
		return nil
	})
	return err
}

// retry spends one attempt and either schedules a backoff or fails the execution
func (s *Scheduler) retry(ctx context.Context, key campaign.ExecutionKey, now time.Time, reason string, logger *slog.Logger) (string, error) {
	result := resultRetry
	var attempts int
	var next time.Time

	_, err := s.store.UpdateExecution(ctx, key, func(_ *campaign.Campaign, e *campaign.StageExecution) error {
		if e.Status != campaign.StageDispatched {
			return campaign.ErrClaimConflict
		}
		e.DispatchAttempts++
		e.LastError = reason
		e.LeaseUntil = time.Time{}
		attempts = e.DispatchAttempts

		if e.DispatchAttempts >= s.cfg.MaxAttempts {
			e.Status = campaign.StageFailed
			e.CompletedAt = &now
			e.NextAttemptAt = time.Time{}
			result = resultFailed
			return nil
		}
		next = now.Add(s.calculateBackoff(e.DispatchAttempts))
		e.NextAttemptAt = next
		return nil
	})
	if err != nil {
		return result, err
	}

	if result == resultFailed {
		logger.Error("stage failed after max attempts",
			"attempts", attempts,
			"max_attempts", s.cfg.MaxAttempts,
			"last_error", reason,
		)
	} else {
		logger.Info("stage dispatch deferred",
			"attempts", attempts,
			"next_attempt_at", next,
			"reason", reason,
		)
	}
	return result, nil
}

// calculateBackoff returns retry_interval * 2^(attempts-1), capped at max_backoff
func (s *Scheduler) calculateBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := s.cfg.RetryInterval
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	if backoff > s.cfg.MaxBackoff {
		return s.cfg.MaxBackoff
	}
	return backoff
}

func (s *Scheduler) emit(ctx context.Context, ev campaign.StageSettled) {
	s.mu.Lock()
	listeners := append([]SettledFunc(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(ctx, ev)
	}
}

func (s *Scheduler) completeIfDone(ctx context.Context, id string) {
	if _, err := s.lifecycle.CompleteIfDone(ctx, id); err != nil {
		s.logger.Error("failed to check campaign completion", "campaign_id", id, "error", err)
	}
}
