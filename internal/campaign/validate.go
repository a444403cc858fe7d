package campaign

import (
	"fmt"
	"strings"
	"time"
)

// MaxIDLength bounds caller-supplied campaign IDs
const MaxIDLength = 64

// ValidateID checks a caller-supplied campaign ID. IDs are storage key
// prefixes, so only letters, digits, '.', '_' and '-' are allowed.
func ValidateID(id string) error {
	if id == "" || len(id) > MaxIDLength {
		return &InvalidCampaignError{Reasons: []string{fmt.Sprintf("id must be 1 to %d characters", MaxIDLength)}}
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return &InvalidCampaignError{Reasons: []string{fmt.Sprintf("id %q contains %q", id, r)}}
		}
	}
	return nil
}

// Validate checks that a campaign can be scheduled at the given activation time.
// It never mutates the campaign.
func Validate(c *Campaign, activation time.Time) error {
	var reasons []string

	if strings.TrimSpace(c.Title) == "" {
		reasons = append(reasons, "title is required")
	}
	if len(c.Stages) == 0 {
		reasons = append(reasons, "at least one stage is required")
	}

	seen := make(map[StageType]bool, len(c.Stages))
	var prev time.Time
	for i, s := range c.Stages {
		if !s.Type.Valid() {
			reasons = append(reasons, fmt.Sprintf("stages[%d]: invalid stage_type %q", i, s.Type))
			continue
		}
		if seen[s.Type] {
			reasons = append(reasons, fmt.Sprintf("stages[%d]: duplicate stage_type %s", i, s.Type))
		}
		seen[s.Type] = true

		if s.Audience.Empty() {
			reasons = append(reasons, fmt.Sprintf("stages[%d]: audience predicate is empty", i))
		}
		if s.At == nil && s.Offset < 0 {
			reasons = append(reasons, fmt.Sprintf("stages[%d]: negative offset", i))
		}

		due := s.DueAt(activation)
		if i > 0 && due.Before(prev) {
			reasons = append(reasons, fmt.Sprintf("stages[%d]: %s is due before the previous stage", i, s.Type))
		}
		prev = due
	}

	if len(reasons) > 0 {
		return &InvalidCampaignError{Reasons: reasons}
	}
	return nil
}

// DeriveExecutions builds the pending stage executions for an activation time
func DeriveExecutions(c *Campaign, activation time.Time) []*StageExecution {
	execs := make([]*StageExecution, 0, len(c.Stages))
	for _, s := range c.Stages {
		execs = append(execs, &StageExecution{
			CampaignID:  c.ID,
			Stage:       s.Type,
			Status:      StagePending,
			ScheduledAt: s.DueAt(activation),
		})
	}
	return execs
}
