package campaign

import (
	"context"
	"time"
)

// ListFilter represents filter options for listing campaigns
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

// UpdateFunc mutates a campaign and its executions inside one transaction.
// The returned executions replace the stored set for the campaign.
type UpdateFunc func(c *Campaign, execs []*StageExecution) ([]*StageExecution, error)

// Store defines the persistence operations the state machine relies on
type Store interface {
	// CreateCampaign stores a new campaign
	CreateCampaign(ctx context.Context, c *Campaign) error

	// GetCampaign retrieves a campaign by ID, ErrNotFound if missing
	GetCampaign(ctx context.Context, id string) (*Campaign, error)

	// ListCampaigns returns campaigns with optional filtering
	ListCampaigns(ctx context.Context, filter ListFilter) ([]*Campaign, error)

	// ListExecutions returns the stage executions of a campaign in stage order
	ListExecutions(ctx context.Context, campaignID string) ([]*StageExecution, error)

	// UpdateCampaign atomically applies fn to a campaign and its executions
	UpdateCampaign(ctx context.Context, id string, fn UpdateFunc) (*Campaign, error)
}

// ExecutionStore is the part of the store that works on single executions
type ExecutionStore interface {
	// GetExecution retrieves one stage execution, ErrNotFound if missing
	GetExecution(ctx context.Context, key ExecutionKey) (*StageExecution, error)

	// UpdateExecution atomically applies fn to an execution and persists the result.
	// fn sees the owning campaign read in the same transaction.
	UpdateExecution(ctx context.Context, key ExecutionKey, fn func(c *Campaign, e *StageExecution) error) (*StageExecution, error)

	// DueExecutions returns pending executions with scheduled_at <= now, oldest first
	DueExecutions(ctx context.Context, now time.Time, limit int) ([]*StageExecution, error)

	// ExecutionsByStatus returns every execution in the given status
	ExecutionsByStatus(ctx context.Context, status StageStatus) ([]*StageExecution, error)
}
