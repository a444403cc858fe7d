package campaign

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidCampaign   = errors.New("invalid campaign")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoApprovedContent = errors.New("no approved content")
	ErrContentGeneration = errors.New("content generation failed")
	ErrDuplicateEvent    = errors.New("duplicate event")

	// ErrClaimConflict is returned when another worker already holds the claim.
	// It is expected under concurrency and callers skip silently.
	ErrClaimConflict = errors.New("claim conflict")
)

// InvalidCampaignError reports malformed schedule input
type InvalidCampaignError struct {
	Reasons []string
}

func (e *InvalidCampaignError) Error() string {
	return "invalid campaign: " + strings.Join(e.Reasons, "; ")
}

func (e *InvalidCampaignError) Is(target error) bool {
	return target == ErrInvalidCampaign
}

// TransitionError reports a rejected status change
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move campaign from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// NoApprovedContentError blocks a stage until an approved draft exists
type NoApprovedContentError struct {
	Key        ExecutionKey
	MinVersion int
}

func (e *NoApprovedContentError) Error() string {
	if e.MinVersion > 0 {
		return fmt.Sprintf("no approved content for %s at version >= %d", e.Key, e.MinVersion)
	}
	return fmt.Sprintf("no approved content for %s", e.Key)
}

func (e *NoApprovedContentError) Is(target error) bool {
	return target == ErrNoApprovedContent
}

// ContentGenerationError wraps a failure of the content generator
type ContentGenerationError struct {
	Op  string
	Err error
}

func (e *ContentGenerationError) Error() string {
	return fmt.Sprintf("content generation %s: %v", e.Op, e.Err)
}

func (e *ContentGenerationError) Unwrap() error {
	return e.Err
}

func (e *ContentGenerationError) Is(target error) bool {
	return target == ErrContentGeneration
}
