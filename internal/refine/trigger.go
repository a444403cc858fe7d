// Package refine requests improved content for the next stage of a campaign
// when a settled stage underperforms its baseline.
package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/cadence/internal/campaign"
	"github.com/foxzi/cadence/internal/content"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/performance"
)

// Outcome labels for the refinement counter
const (
	OutcomeCreated      = "created"
	OutcomeWithinMargin = "within_margin"
	OutcomeNoTarget     = "no_target"
	OutcomeFallback     = "fallback"
)

// Store is the persistence the trigger needs
type Store interface {
	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
	GetExecution(ctx context.Context, key campaign.ExecutionKey) (*campaign.StageExecution, error)
	UpdateExecution(ctx context.Context, key campaign.ExecutionKey, fn func(c *campaign.Campaign, e *campaign.StageExecution) error) (*campaign.StageExecution, error)
	GetDraft(ctx context.Context, key campaign.ExecutionKey, version int) (*campaign.ContentDraft, error)
	PutDraft(ctx context.Context, d *campaign.ContentDraft) error
	LatestApprovedDraft(ctx context.Context, key campaign.ExecutionKey, minVersion int) (*campaign.ContentDraft, error)
}

// Baseliner provides the comparison rates for a stage
type Baseliner interface {
	Baseline(ctx context.Context, exclude campaign.ExecutionKey) (campaign.Rates, error)
}

// Trigger consumes StageSettled facts
type Trigger struct {
	store     Store
	baseline  Baseliner
	generator content.Generator
	margin    float64
	logger    *slog.Logger
}

// NewTrigger creates a refinement trigger. generator may be nil, in which
// case underperforming stages keep their approved drafts.
func NewTrigger(store Store, baseline Baseliner, generator content.Generator, margin float64, logger *slog.Logger) *Trigger {
	return &Trigger{
		store:     store,
		baseline:  baseline,
		generator: generator,
		margin:    margin,
		logger:    logger,
	}
}

// Shortfall returns how far each rate falls below the baseline. Negative
// values mean the stage did better.
func Shortfall(rates, baseline campaign.Rates) campaign.Rates {
	return campaign.Rates{
		Open:   baseline.Open - rates.Open,
		Click:  baseline.Click - rates.Click,
		Reply:  baseline.Reply - rates.Reply,
		Bounce: rates.Bounce - baseline.Bounce,
	}
}

// Underperforms reports whether open or click rate is below baseline by more than margin
func Underperforms(shortfall campaign.Rates, margin float64) bool {
	return shortfall.Open > margin || shortfall.Click > margin
}

// HandleSettled evaluates a settled stage and, when it underperformed, stores
// an unapproved refined draft for the next pending stage. It returns the new
// draft or nil. Generator failures are logged and yield nil without error.
func (t *Trigger) HandleSettled(ctx context.Context, ev campaign.StageSettled) (*campaign.ContentDraft, error) {
	logger := t.logger.With("campaign_id", ev.Key.CampaignID, "stage", ev.Key.Stage)

	rates := performance.RatesFrom(ev.Summary)
	baseline, err := t.baseline.Baseline(ctx, ev.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to compute baseline: %w", err)
	}
	shortfall := Shortfall(rates, baseline)

	if !Underperforms(shortfall, t.margin) {
		logger.Debug("stage within baseline margin",
			"open_rate", rates.Open,
			"click_rate", rates.Click,
			"baseline_open", baseline.Open,
			"baseline_click", baseline.Click,
		)
		metrics.IncRefinement(OutcomeWithinMargin)
		return nil, nil
	}

	c, err := t.store.GetCampaign(ctx, ev.Key.CampaignID)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		metrics.IncRefinement(OutcomeNoTarget)
		return nil, nil
	}

	target, ok, err := t.nextPendingStage(ctx, c, ev.Key.Stage)
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.Info("stage underperformed but no pending stage follows", "open_rate", rates.Open, "click_rate", rates.Click)
		metrics.IncRefinement(OutcomeNoTarget)
		return nil, nil
	}
	targetKey := campaign.ExecutionKey{CampaignID: c.ID, Stage: target}

	logger.Info("stage underperformed, requesting refined content",
		"target_stage", target,
		"open_rate", rates.Open,
		"click_rate", rates.Click,
		"baseline_open", baseline.Open,
		"baseline_click", baseline.Click,
	)

	out, prior, err := t.generate(ctx, c, ev, targetKey, rates, baseline, shortfall)
	if err != nil {
		logger.Warn("content refinement failed, keeping approved draft",
			"target_stage", target,
			"error", err,
		)
		metrics.IncRefinement(OutcomeFallback)
		return nil, nil
	}

	d := &campaign.ContentDraft{
		CampaignID: c.ID,
		Stage:      target,
		Subject:    out.Subject,
		Body:       out.Body,
		HTML:       out.HTML,
		Origin:     campaign.OriginAIRefined,
		CreatedAt:  time.Now().UTC(),
	}
	if err := t.store.PutDraft(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to store refined draft: %w", err)
	}

	_, err = t.store.UpdateExecution(ctx, targetKey, func(_ *campaign.Campaign, e *campaign.StageExecution) error {
		if e.Status != campaign.StagePending {
			return campaign.ErrClaimConflict
		}
		if d.Version > e.MinContentVersion {
			e.MinContentVersion = d.Version
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, campaign.ErrClaimConflict) {
			return d, fmt.Errorf("failed to gate %s on refined draft: %w", targetKey, err)
		}
		logger.Info("target stage already claimed, refined draft not enforced", "target_stage", target, "version", d.Version)
	}

	priorVersion := 0
	if prior != nil {
		priorVersion = prior.Version
	}
	logger.Info("refined draft created",
		"target_stage", target,
		"version", d.Version,
		"prior_version", priorVersion,
	)
	metrics.IncRefinement(OutcomeCreated)
	return d, nil
}

// nextPendingStage returns the first stage declared after settled whose
// execution has not been claimed yet
func (t *Trigger) nextPendingStage(ctx context.Context, c *campaign.Campaign, settled campaign.StageType) (campaign.StageType, bool, error) {
	after := false
	for _, s := range c.Stages {
		if s.Type == settled {
			after = true
			continue
		}
		if !after {
			continue
		}
		e, err := t.store.GetExecution(ctx, campaign.ExecutionKey{CampaignID: c.ID, Stage: s.Type})
		if errors.Is(err, campaign.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		if e.Status == campaign.StagePending {
			return s.Type, true, nil
		}
	}
	return "", false, nil
}

// generate calls Refine with the best prior content, or Generate when no
// prior content exists
func (t *Trigger) generate(ctx context.Context, c *campaign.Campaign, ev campaign.StageSettled, target campaign.ExecutionKey, rates, baseline, shortfall campaign.Rates) (*content.Draft, *campaign.ContentDraft, error) {
	if t.generator == nil {
		return nil, nil, &campaign.ContentGenerationError{Op: "refine", Err: content.ErrNoGenerator}
	}

	prior, err := t.priorDraft(ctx, ev.Key, target)
	if err != nil {
		return nil, nil, err
	}

	req := content.RequestFor(c, target.Stage)
	if prior == nil {
		out, err := t.generator.Generate(ctx, req)
		if err != nil {
			return nil, nil, &campaign.ContentGenerationError{Op: "generate", Err: err}
		}
		return out, nil, nil
	}

	out, err := t.generator.Refine(ctx, content.RefineRequest{
		GenerateRequest: req,
		Prior:           content.Draft{Subject: prior.Subject, Body: prior.Body, HTML: prior.HTML},
		PriorVersion:    prior.Version,
		MeasuredStage:   ev.Key.Stage,
		Rates:           rates,
		Baseline:        baseline,
		Shortfall:       shortfall,
	})
	if err != nil {
		return nil, nil, &campaign.ContentGenerationError{Op: "refine", Err: err}
	}
	return out, prior, nil
}

// priorDraft prefers the target's latest approved draft and falls back to the
// content the settled stage actually sent
func (t *Trigger) priorDraft(ctx context.Context, settled, target campaign.ExecutionKey) (*campaign.ContentDraft, error) {
	d, err := t.store.LatestApprovedDraft(ctx, target, 0)
	if err != nil || d != nil {
		return d, err
	}

	e, err := t.store.GetExecution(ctx, settled)
	if err != nil {
		return nil, err
	}
	if e.ContentVersion == 0 {
		return nil, nil
	}
	d, err = t.store.GetDraft(ctx, settled, e.ContentVersion)
	if errors.Is(err, campaign.ErrNotFound) {
		return nil, nil
	}
	return d, err
}
