// Package dispatch sends one claimed stage execution to its resolved audience.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/cadence/internal/campaign"
	"github.com/foxzi/cadence/internal/contacts"
	"github.com/foxzi/cadence/internal/content"
	"github.com/foxzi/cadence/internal/delivery"
	"github.com/foxzi/cadence/internal/email"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/ratelimit"
)

// Store is the persistence the coordinator needs
type Store interface {
	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
	GetExecution(ctx context.Context, key campaign.ExecutionKey) (*campaign.StageExecution, error)
	UpdateExecution(ctx context.Context, key campaign.ExecutionKey, fn func(c *campaign.Campaign, e *campaign.StageExecution) error) (*campaign.StageExecution, error)
	GetDraft(ctx context.Context, key campaign.ExecutionKey, version int) (*campaign.ContentDraft, error)
	LatestApprovedDraft(ctx context.Context, key campaign.ExecutionKey, minVersion int) (*campaign.ContentDraft, error)
	ReserveDispatch(ctx context.Context, key campaign.ExecutionKey, contactID string, contentVersion int) (*campaign.DispatchRecord, bool, error)
	FinishDispatch(ctx context.Context, key campaign.ExecutionKey, contactID string, status campaign.DispatchStatus, lastError string) error
	ListDispatches(ctx context.Context, key campaign.ExecutionKey) ([]*campaign.DispatchRecord, error)
}

// Directory resolves audiences and recipients
type Directory interface {
	FindByPredicate(ctx context.Context, p campaign.AudiencePredicate) ([]string, error)
	Get(ctx context.Context, id string) (*contacts.Contact, error)
}

// Tracker decorates outgoing mail so engagement can be attributed back to a
// dispatch record
type Tracker interface {
	Token(dispatchID string) string
	DecorateHTML(html, token string) string
	ReplyAddress(token string) string
	BounceAddress(token string) string
}

// Limiter enforces send quotas
type Limiter interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
}

// Config holds coordinator settings
type Config struct {
	From        string
	FromName    string
	Concurrency int
	SendTimeout time.Duration
}

// Result is the outcome of one dispatch run
type Result struct {
	Audience  int // Resolved audience size
	Sent      int // Sends that succeeded in this run
	Skipped   int // Contacts already handled by an earlier run
	Transient int // Retryable failures in this run
	Permanent int // Non-retryable failures in this run
	Throttled int // Sends held back by a quota in this run
	TotalSent int // Sent records for the stage across all runs

	// ThrottledUntil is the latest quota reset among throttled sends
	ThrottledUntil time.Time
}

// Coordinator sends stage executions
type Coordinator struct {
	store     Store
	directory Directory
	sender    delivery.Sender
	tracker   Tracker
	limiter   Limiter
	cfg       Config
	logger    *slog.Logger
}

// NewCoordinator creates a dispatch coordinator. tracker may be nil.
func NewCoordinator(store Store, directory Directory, sender delivery.Sender, tracker Tracker, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 60 * time.Second
	}
	return &Coordinator{
		store:     store,
		directory: directory,
		sender:    sender,
		tracker:   tracker,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetLimiter enables send quotas
func (c *Coordinator) SetLimiter(l Limiter) {
	c.limiter = l
}

// Dispatch sends a claimed execution to every contact of its audience that
// has not been handled yet. An execution that is not in the dispatched state
// sends nothing. A run cut short by ctx returns ctx's error.
func (c *Coordinator) Dispatch(ctx context.Context, key campaign.ExecutionKey) (*Result, error) {
	exec, err := c.store.GetExecution(ctx, key)
	if err != nil {
		return nil, err
	}
	if exec.Status != campaign.StageDispatched {
		c.logger.Debug("execution not claimed, nothing to send", "key", key.String(), "status", exec.Status)
		return &Result{}, nil
	}

	camp, err := c.store.GetCampaign(ctx, key.CampaignID)
	if err != nil {
		return nil, err
	}

	draft, err := c.selectDraft(ctx, exec)
	if err != nil {
		return nil, err
	}

	exec, err = c.resolveAudience(ctx, camp, exec, draft.Version)
	if err != nil {
		return nil, err
	}

	result := &Result{Audience: len(exec.ResolvedAudience)}
	c.sendAll(ctx, camp, exec, draft, result)

	// Contacts left unattempted by a cancelled context are still owed the
	// stage, so the run must not look complete
	if err := ctx.Err(); err != nil {
		c.logger.Warn("stage dispatch interrupted",
			"key", key.String(),
			"audience", result.Audience,
			"sent", result.Sent,
		)
		return result, fmt.Errorf("dispatch of %s interrupted: %w", key.String(), err)
	}

	total, err := c.countSent(ctx, key)
	if err != nil {
		return result, err
	}
	result.TotalSent = total

	_, err = c.store.UpdateExecution(ctx, key, func(_ *campaign.Campaign, e *campaign.StageExecution) error {
		e.Summary.Sent = total
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("failed to record sent count: %w", err)
	}

	c.logger.Info("stage dispatched",
		"key", key.String(),
		"content_version", draft.Version,
		"audience", result.Audience,
		"sent", result.Sent,
		"skipped", result.Skipped,
		"transient", result.Transient,
		"permanent", result.Permanent,
		"throttled", result.Throttled,
		"total_sent", result.TotalSent,
	)

	return result, nil
}

// selectDraft returns the pinned draft of an earlier attempt, or the highest
// approved version allowed by the refinement gate
func (c *Coordinator) selectDraft(ctx context.Context, exec *campaign.StageExecution) (*campaign.ContentDraft, error) {
	key := exec.Key()
	if exec.ContentVersion > 0 {
		return c.store.GetDraft(ctx, key, exec.ContentVersion)
	}

	d, err := c.store.LatestApprovedDraft(ctx, key, exec.MinContentVersion)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, &campaign.NoApprovedContentError{Key: key, MinVersion: exec.MinContentVersion}
	}
	return d, nil
}

// resolveAudience snapshots the audience and pins the content version on the
// first attempt. Later attempts reuse the snapshot.
func (c *Coordinator) resolveAudience(ctx context.Context, camp *campaign.Campaign, exec *campaign.StageExecution, version int) (*campaign.StageExecution, error) {
	if exec.AudienceResolved {
		return exec, nil
	}

	stage, ok := camp.Stage(exec.Stage)
	if !ok {
		return nil, fmt.Errorf("campaign %s has no %s stage: %w", camp.ID, exec.Stage, campaign.ErrNotFound)
	}

	ids, err := c.directory.FindByPredicate(ctx, stage.Audience)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve audience: %w", err)
	}

	return c.store.UpdateExecution(ctx, exec.Key(), func(_ *campaign.Campaign, e *campaign.StageExecution) error {
		if e.Status != campaign.StageDispatched {
			return campaign.ErrClaimConflict
		}
		if e.AudienceResolved {
			return nil
		}
		e.AudienceResolved = true
		e.ResolvedAudience = ids
		e.ContentVersion = version
		return nil
	})
}

// sendAll sends to every contact in the snapshot with bounded concurrency
func (c *Coordinator) sendAll(ctx context.Context, camp *campaign.Campaign, exec *campaign.StageExecution, draft *campaign.ContentDraft, result *Result) {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, c.cfg.Concurrency)
	)

	for _, contactID := range exec.ResolvedAudience {
		if ctx.Err() != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(contactID string) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, retryAt := c.sendOne(ctx, camp, exec, draft, contactID)
			metrics.IncRecipientSend(string(exec.Stage), string(outcome))

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeSent:
				result.Sent++
			case outcomeSkipped:
				result.Skipped++
			case outcomeTransient:
				result.Transient++
			case outcomePermanent:
				result.Permanent++
			case outcomeThrottled:
				result.Throttled++
				if retryAt.After(result.ThrottledUntil) {
					result.ThrottledUntil = retryAt
				}
			}
		}(contactID)
	}

	wg.Wait()
}

type outcome string

const (
	outcomeSent      outcome = "sent"
	outcomeSkipped   outcome = "skipped"
	outcomeTransient outcome = "transient"
	outcomePermanent outcome = "permanent"
	outcomeThrottled outcome = "throttled"
)

// sendOne reserves, renders and sends one recipient's email. A throttled
// send also returns when its quota resets.
func (c *Coordinator) sendOne(ctx context.Context, camp *campaign.Campaign, exec *campaign.StageExecution, draft *campaign.ContentDraft, contactID string) (outcome, time.Time) {
	key := exec.Key()
	logger := c.logger.With("key", key.String(), "contact_id", contactID)

	rec, reserved, err := c.store.ReserveDispatch(ctx, key, contactID, draft.Version)
	if err != nil {
		logger.Error("failed to reserve dispatch", "error", err)
		return outcomeTransient, time.Time{}
	}
	if !reserved {
		return outcomeSkipped, time.Time{}
	}

	finish := func(status campaign.DispatchStatus, lastError string) {
		// Recording the outcome must survive a cancelled dispatch context
		if err := c.store.FinishDispatch(context.WithoutCancel(ctx), key, contactID, status, lastError); err != nil {
			logger.Error("failed to record dispatch outcome", "status", status, "error", err)
		}
	}

	contact, err := c.directory.Get(ctx, contactID)
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			finish(campaign.DispatchPermanentFailed, "contact not found")
			return outcomePermanent, time.Time{}
		}
		finish(campaign.DispatchTransientFailed, err.Error())
		return outcomeTransient, time.Time{}
	}

	if c.limiter != nil {
		res, err := c.limiter.Allow(ctx, &ratelimit.Request{
			CampaignID:      camp.ID,
			RecipientDomain: email.ExtractDomain(contact.Email),
		})
		if err != nil {
			finish(campaign.DispatchTransientFailed, err.Error())
			return outcomeTransient, time.Time{}
		}
		if !res.Allowed {
			logger.Debug("send throttled", "level", res.DeniedBy, "retry_at", res.RetryAt)
			finish(campaign.DispatchTransientFailed, fmt.Sprintf("%s quota exhausted until %s", res.DeniedBy, res.RetryAt.UTC().Format(time.RFC3339)))
			return outcomeThrottled, res.RetryAt
		}
	}

	msg := c.buildMessage(camp, exec, draft, contact, rec)

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	if err := c.sender.Send(sendCtx, msg); err != nil {
		if delivery.IsTemporary(err) {
			logger.Warn("transient delivery failure", "attempt", rec.Attempts, "error", err)
			finish(campaign.DispatchTransientFailed, err.Error())
			return outcomeTransient, time.Time{}
		}
		logger.Warn("permanent delivery failure", "error", err)
		finish(campaign.DispatchPermanentFailed, err.Error())
		return outcomePermanent, time.Time{}
	}

	finish(campaign.DispatchSent, "")
	logger.Debug("email sent", "to", contact.Email, "dispatch_id", rec.ID)
	return outcomeSent, time.Time{}
}

// buildMessage renders the draft for one contact
func (c *Coordinator) buildMessage(camp *campaign.Campaign, exec *campaign.StageExecution, draft *campaign.ContentDraft, contact *contacts.Contact, rec *campaign.DispatchRecord) *delivery.Message {
	vars := content.Variables(camp, exec.Stage, map[string]string{
		"name":  contact.Name,
		"email": contact.Email,
	})
	rendered := content.Render(draft, vars)

	msg := &delivery.Message{
		ID:       rec.ID,
		From:     c.cfg.From,
		FromName: c.cfg.FromName,
		To:       contact.Email,
		ToName:   contact.Name,
		Subject:  rendered.Subject,
		Text:     rendered.Text,
		HTML:     rendered.HTML,
		Headers: map[string]string{
			delivery.HeaderCampaignID: camp.ID,
			delivery.HeaderStage:      string(exec.Stage),
		},
	}

	if c.tracker != nil {
		token := c.tracker.Token(rec.ID)
		msg.HTML = c.tracker.DecorateHTML(msg.HTML, token)
		msg.ReplyTo = c.tracker.ReplyAddress(token)
		msg.EnvelopeFrom = c.tracker.BounceAddress(token)
	}

	return msg
}

func (c *Coordinator) countSent(ctx context.Context, key campaign.ExecutionKey) (int, error) {
	records, err := c.store.ListDispatches(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to list dispatches: %w", err)
	}
	n := 0
	for _, r := range records {
		if r.Status == campaign.DispatchSent {
			n++
		}
	}
	return n, nil
}
