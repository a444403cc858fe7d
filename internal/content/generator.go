// Package content manages stage content drafts and talks to content generators.
package content

import (
	"context"

	"github.com/foxzi/cadence/internal/campaign"
)

// Draft is generated email content
type Draft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    string `json:"html,omitempty"`
}

// GenerateRequest asks for first-time content for a stage
type GenerateRequest struct {
	Stage     campaign.StageType `json:"stage_type"`
	Title     string             `json:"title"`
	Objective string             `json:"objective,omitempty"`
	Context   campaign.Context   `json:"context"`
}

// RefineRequest asks for improved content using measured performance
type RefineRequest struct {
	GenerateRequest
	Prior         Draft              `json:"prior"`
	PriorVersion  int                `json:"prior_version"`
	MeasuredStage campaign.StageType `json:"measured_stage"`
	Rates         campaign.Rates     `json:"rates"`
	Baseline      campaign.Rates     `json:"baseline"`
	Shortfall     campaign.Rates     `json:"shortfall"`
}

// Generator is the external content generation service.
// Both calls may fail; callers fall back to approved drafts.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Draft, error)
	Refine(ctx context.Context, req RefineRequest) (*Draft, error)
}

// RequestFor builds a generate request from a campaign
func RequestFor(c *campaign.Campaign, stage campaign.StageType) GenerateRequest {
	return GenerateRequest{
		Stage:     stage,
		Title:     c.Title,
		Objective: c.Objective,
		Context:   c.Context,
	}
}
