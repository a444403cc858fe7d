// Package performance aggregates engagement events into per-stage rates and baselines.
package performance

import (
	"context"
	"fmt"
	"sort"

	"github.com/foxzi/cadence/internal/campaign"
)

// DefaultBaseline is used when no comparable executions exist
var DefaultBaseline = campaign.Rates{Open: 0.40, Click: 0.10}

// Store is the read side the aggregator needs
type Store interface {
	GetExecution(ctx context.Context, key campaign.ExecutionKey) (*campaign.StageExecution, error)
	ExecutionsByStatus(ctx context.Context, status campaign.StageStatus) ([]*campaign.StageExecution, error)
	ListEvents(ctx context.Context, key campaign.ExecutionKey) ([]*campaign.EngagementEvent, error)
	ListDispatches(ctx context.Context, key campaign.ExecutionKey) ([]*campaign.DispatchRecord, error)
}

// Aggregator computes stage summaries and baselines
type Aggregator struct {
	store           Store
	baselineWindow  int
	defaultBaseline campaign.Rates
}

// NewAggregator creates an aggregator. window is the number of recent
// completed executions averaged for a baseline.
func NewAggregator(store Store, window int, defaultBaseline campaign.Rates) *Aggregator {
	if window <= 0 {
		window = 10
	}
	return &Aggregator{
		store:           store,
		baselineWindow:  window,
		defaultBaseline: defaultBaseline,
	}
}

// RatesFrom converts a summary to rates. Rates are zero when nothing was sent.
func RatesFrom(s campaign.Summary) campaign.Rates {
	if s.Sent <= 0 {
		return campaign.Rates{}
	}
	sent := float64(s.Sent)
	return campaign.Rates{
		Open:   float64(s.Opened) / sent,
		Click:  float64(s.Clicked) / sent,
		Reply:  float64(s.Replied) / sent,
		Bounce: float64(s.Bounced) / sent,
	}
}

// Summarize counts distinct contacts per event type attributed to an execution.
// Only contacts the stage was sent to are counted, and events after the
// settlement deadline are ignored.
func (a *Aggregator) Summarize(ctx context.Context, exec *campaign.StageExecution) (campaign.Summary, error) {
	key := exec.Key()

	records, err := a.store.ListDispatches(ctx, key)
	if err != nil {
		return campaign.Summary{}, fmt.Errorf("failed to list dispatches: %w", err)
	}
	events, err := a.store.ListEvents(ctx, key)
	if err != nil {
		return campaign.Summary{}, fmt.Errorf("failed to list events: %w", err)
	}

	var s campaign.Summary
	recipients := make(map[string]struct{})
	for _, r := range records {
		if r.Status == campaign.DispatchSent {
			recipients[r.ContactID] = struct{}{}
		}
	}
	s.Sent = len(recipients)

	seen := make(map[campaign.EventType]map[string]struct{})
	for _, ev := range events {
		if exec.SettlesAt != nil && ev.OccurredAt.After(*exec.SettlesAt) {
			continue
		}
		if _, ok := recipients[ev.ContactID]; !ok {
			continue
		}
		contacts, ok := seen[ev.Type]
		if !ok {
			contacts = make(map[string]struct{})
			seen[ev.Type] = contacts
		}
		contacts[ev.ContactID] = struct{}{}
	}

	s.Opened = len(seen[campaign.EventOpen])
	s.Clicked = len(seen[campaign.EventClick])
	s.Replied = len(seen[campaign.EventReply])
	s.Bounced = len(seen[campaign.EventBounce])

	return s, nil
}

// Baseline returns the mean rates of the most recent completed executions of
// the same stage type in other campaigns, or the configured default
func (a *Aggregator) Baseline(ctx context.Context, exclude campaign.ExecutionKey) (campaign.Rates, error) {
	completed, err := a.store.ExecutionsByStatus(ctx, campaign.StageCompleted)
	if err != nil {
		return campaign.Rates{}, fmt.Errorf("failed to list completed executions: %w", err)
	}

	var peers []*campaign.StageExecution
	for _, e := range completed {
		if e.Stage != exclude.Stage || e.CampaignID == exclude.CampaignID {
			continue
		}
		if e.Summary.Sent == 0 || e.CompletedAt == nil {
			continue
		}
		peers = append(peers, e)
	}
	if len(peers) == 0 {
		return a.defaultBaseline, nil
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].CompletedAt.After(*peers[j].CompletedAt)
	})
	if len(peers) > a.baselineWindow {
		peers = peers[:a.baselineWindow]
	}

	var sum campaign.Rates
	for _, e := range peers {
		r := RatesFrom(e.Summary)
		sum.Open += r.Open
		sum.Click += r.Click
		sum.Reply += r.Reply
		sum.Bounce += r.Bounce
	}
	n := float64(len(peers))
	return campaign.Rates{
		Open:   sum.Open / n,
		Click:  sum.Click / n,
		Reply:  sum.Reply / n,
		Bounce: sum.Bounce / n,
	}, nil
}

// StageMetrics is the read model served for one stage
type StageMetrics struct {
	Key       campaign.ExecutionKey `json:"key"`
	Status    campaign.StageStatus  `json:"status"`
	Summary   campaign.Summary      `json:"performance_summary"`
	Rates     campaign.Rates        `json:"rates"`
	Baseline  campaign.Rates        `json:"baseline"`
	Failed    int                   `json:"failed_recipients"`
	Final     bool                  `json:"final"`
	Attempts  int                   `json:"dispatch_attempts"`
	LastError string                `json:"last_error,omitempty"`
}

// StageMetrics returns the summary and rates of a stage. Completed stages
// report their settled snapshot, others a live computation.
func (a *Aggregator) StageMetrics(ctx context.Context, key campaign.ExecutionKey) (*StageMetrics, error) {
	exec, err := a.store.GetExecution(ctx, key)
	if err != nil {
		return nil, err
	}

	m := &StageMetrics{
		Key:       key,
		Status:    exec.Status,
		Final:     exec.Status == campaign.StageCompleted,
		Attempts:  exec.DispatchAttempts,
		LastError: exec.LastError,
	}

	if m.Final {
		m.Summary = exec.Summary
	} else {
		m.Summary, err = a.Summarize(ctx, exec)
		if err != nil {
			return nil, err
		}
	}

	records, err := a.store.ListDispatches(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatches: %w", err)
	}
	for _, r := range records {
		if r.Status == campaign.DispatchPermanentFailed {
			m.Failed++
		}
	}

	m.Rates = RatesFrom(m.Summary)
	m.Baseline, err = a.Baseline(ctx, key)
	if err != nil {
		return nil, err
	}
	return m, nil
}
