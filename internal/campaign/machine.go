package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

var transitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusCancelled},
	StatusScheduled: {StatusActive, StatusCancelled},
	StatusActive:    {StatusPaused, StatusCompleted, StatusCancelled},
	StatusPaused:    {StatusActive, StatusCompleted, StatusCancelled},
}

// CanTransition reports whether a campaign may move from one status to another
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// CampaignStatus is the read model returned to the API layer
type CampaignStatus struct {
	Campaign   *Campaign           `json:"campaign"`
	Executions []*StageExecution   `json:"executions"`
	Stages     map[StageStatus]int `json:"stage_counts"`
	Pending    int                 `json:"pending"`
	Summary    Summary             `json:"summary"`
}

// Machine owns campaign and stage lifecycle transitions.
// It only writes state; dispatch happens elsewhere.
type Machine struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewMachine creates a new campaign state machine
func NewMachine(store Store, logger *slog.Logger) *Machine {
	return &Machine{
		store:  store,
		now:    time.Now,
		logger: logger,
	}
}

// SetClock overrides the time source
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// Create stores a new campaign in draft status
func (m *Machine) Create(ctx context.Context, c *Campaign) (*Campaign, error) {
	now := m.now().UTC()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if err := ValidateID(c.ID); err != nil {
		return nil, err
	}
	c.Status = StatusDraft
	c.ActivationTime = nil
	c.PausedAt = nil
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := m.store.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}

	m.logger.Info("campaign created", "campaign_id", c.ID, "title", c.Title, "stages", len(c.Stages))
	return c, nil
}

// Schedule fixes the activation time and derives pending stage executions.
// A zero activation means now.
func (m *Machine) Schedule(ctx context.Context, id string, activation time.Time) (*Campaign, error) {
	now := m.now().UTC()
	if activation.IsZero() {
		activation = now
	}
	activation = activation.UTC()

	c, err := m.store.UpdateCampaign(ctx, id, func(c *Campaign, execs []*StageExecution) ([]*StageExecution, error) {
		if !CanTransition(c.Status, StatusScheduled) {
			return nil, &TransitionError{From: c.Status, To: StatusScheduled}
		}
		if err := Validate(c, activation); err != nil {
			return nil, err
		}

		c.Status = StatusScheduled
		c.ActivationTime = &activation
		c.UpdatedAt = now
		return DeriveExecutions(c, activation), nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("campaign scheduled", "campaign_id", id, "activation_time", activation)
	return c, nil
}

// Activate moves a scheduled campaign to active
func (m *Machine) Activate(ctx context.Context, id string) (*Campaign, error) {
	return m.transition(ctx, id, StatusActive, func(c *Campaign, execs []*StageExecution) {})
}

// Pause freezes future dispatch claims. In-flight stages keep running.
func (m *Machine) Pause(ctx context.Context, id string) (*Campaign, error) {
	now := m.now().UTC()
	return m.transition(ctx, id, StatusPaused, func(c *Campaign, execs []*StageExecution) {
		c.PausedAt = &now
	})
}

// Resume shifts every still-pending stage by the time spent paused
func (m *Machine) Resume(ctx context.Context, id string) (*Campaign, error) {
	now := m.now().UTC()
	var shift time.Duration

	c, err := m.store.UpdateCampaign(ctx, id, func(c *Campaign, execs []*StageExecution) ([]*StageExecution, error) {
		if c.Status != StatusPaused {
			return nil, &TransitionError{From: c.Status, To: StatusActive}
		}
		if c.PausedAt != nil {
			shift = now.Sub(*c.PausedAt)
		}
		if shift > 0 {
			for _, e := range execs {
				if e.Status == StagePending {
					e.ScheduledAt = e.ScheduledAt.Add(shift)
				}
			}
		}
		c.Status = StatusActive
		c.PausedAt = nil
		c.UpdatedAt = now
		return execs, nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("campaign resumed", "campaign_id", id, "shift", shift)
	return c, nil
}

// Cancel skips every pending stage. Claimed stages still settle.
func (m *Machine) Cancel(ctx context.Context, id string) (*Campaign, error) {
	now := m.now().UTC()
	return m.transition(ctx, id, StatusCancelled, func(c *Campaign, execs []*StageExecution) {
		for _, e := range execs {
			if e.Status == StagePending {
				e.Status = StageSkipped
				e.CompletedAt = &now
			}
		}
	})
}

// CompleteIfDone moves the campaign to completed once every stage is terminal
func (m *Machine) CompleteIfDone(ctx context.Context, id string) (bool, error) {
	now := m.now().UTC()
	completed := false

	_, err := m.store.UpdateCampaign(ctx, id, func(c *Campaign, execs []*StageExecution) ([]*StageExecution, error) {
		if !CanTransition(c.Status, StatusCompleted) || len(execs) == 0 {
			return execs, nil
		}
		for _, e := range execs {
			if !e.Status.Terminal() {
				return execs, nil
			}
		}
		c.Status = StatusCompleted
		c.UpdatedAt = now
		completed = true
		return execs, nil
	})
	if err != nil {
		return false, err
	}

	if completed {
		m.logger.Info("campaign completed", "campaign_id", id)
	}
	return completed, nil
}

// Status returns the campaign together with its stage executions
func (m *Machine) Status(ctx context.Context, id string) (*CampaignStatus, error) {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	execs, err := m.store.ListExecutions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	st := &CampaignStatus{
		Campaign:   c,
		Executions: execs,
		Stages:     make(map[StageStatus]int),
	}
	for _, e := range execs {
		st.Stages[e.Status]++
		if e.Status == StagePending {
			st.Pending++
		}
		st.Summary.Sent += e.Summary.Sent
		st.Summary.Opened += e.Summary.Opened
		st.Summary.Clicked += e.Summary.Clicked
		st.Summary.Replied += e.Summary.Replied
		st.Summary.Bounced += e.Summary.Bounced
	}
	return st, nil
}

// transition applies a table-checked status change plus a side effect
func (m *Machine) transition(ctx context.Context, id string, to Status, apply func(c *Campaign, execs []*StageExecution)) (*Campaign, error) {
	now := m.now().UTC()
	var from Status

	c, err := m.store.UpdateCampaign(ctx, id, func(c *Campaign, execs []*StageExecution) ([]*StageExecution, error) {
		from = c.Status
		if !CanTransition(c.Status, to) {
			return nil, &TransitionError{From: c.Status, To: to}
		}
		apply(c, execs)
		c.Status = to
		c.UpdatedAt = now
		return execs, nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("campaign status changed", "campaign_id", id, "from", from, "to", to)
	return c, nil
}
