package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foxzi/cadence/internal/campaign"
)

// ErrNoGenerator is returned when no content generator is configured
var ErrNoGenerator = errors.New("content generator not configured")

// Store is the draft persistence the service needs
type Store interface {
	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
	PutDraft(ctx context.Context, d *campaign.ContentDraft) error
	GetDraft(ctx context.Context, key campaign.ExecutionKey, version int) (*campaign.ContentDraft, error)
	ListDrafts(ctx context.Context, key campaign.ExecutionKey) ([]*campaign.ContentDraft, error)
	ApproveDraft(ctx context.Context, key campaign.ExecutionKey, version int, at time.Time) (*campaign.ContentDraft, error)
	LatestApprovedDraft(ctx context.Context, key campaign.ExecutionKey, minVersion int) (*campaign.ContentDraft, error)
}

// Service manages content drafts
type Service struct {
	store     Store
	templates *Templates
	generator Generator
	logger    *slog.Logger
}

// NewService creates a new draft service. generator may be nil.
func NewService(store Store, templates *Templates, generator Generator, logger *slog.Logger) *Service {
	if templates == nil {
		templates = &Templates{byName: make(map[string]*Template)}
	}
	return &Service{
		store:     store,
		templates: templates,
		generator: generator,
		logger:    logger,
	}
}

// Generator returns the configured generator, or nil
func (s *Service) Generator() Generator {
	return s.generator
}

// Templates returns the loaded template set
func (s *Service) Templates() *Templates {
	return s.templates
}

// CreateDraft stores a hand-written draft as the next version
func (s *Service) CreateDraft(ctx context.Context, d *campaign.ContentDraft) error {
	if !d.Stage.Valid() {
		return fmt.Errorf("invalid stage_type %q", d.Stage)
	}
	if strings.TrimSpace(d.Subject) == "" {
		return fmt.Errorf("subject is required")
	}
	if d.Body == "" && d.HTML == "" {
		return fmt.Errorf("body or html is required")
	}
	if d.Origin == "" {
		d.Origin = campaign.OriginTemplate
	}

	now := time.Now().UTC()
	d.CreatedAt = now
	if d.Approved {
		d.ApprovedAt = &now
	}

	if err := s.store.PutDraft(ctx, d); err != nil {
		return err
	}

	s.logger.Info("draft created",
		"campaign_id", d.CampaignID,
		"stage", d.Stage,
		"version", d.Version,
		"origin", d.Origin,
		"approved", d.Approved,
	)
	return nil
}

// Approve marks a draft version as dispatchable
func (s *Service) Approve(ctx context.Context, key campaign.ExecutionKey, version int) (*campaign.ContentDraft, error) {
	d, err := s.store.ApproveDraft(ctx, key, version, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.Info("draft approved", "campaign_id", key.CampaignID, "stage", key.Stage, "version", version)
	return d, nil
}

// List returns every draft version of a stage
func (s *Service) List(ctx context.Context, key campaign.ExecutionKey) ([]*campaign.ContentDraft, error) {
	return s.store.ListDrafts(ctx, key)
}

// Get returns one draft version
func (s *Service) Get(ctx context.Context, key campaign.ExecutionKey, version int) (*campaign.ContentDraft, error) {
	return s.store.GetDraft(ctx, key, version)
}

// GenerateInitial asks the generator for first-time content and stores it
// as an unapproved ai_initial draft
func (s *Service) GenerateInitial(ctx context.Context, campaignID string, stage campaign.StageType) (*campaign.ContentDraft, error) {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if _, ok := c.Stage(stage); !ok {
		return nil, fmt.Errorf("campaign %s has no %s stage: %w", campaignID, stage, campaign.ErrNotFound)
	}
	if s.generator == nil {
		return nil, &campaign.ContentGenerationError{Op: "generate", Err: ErrNoGenerator}
	}

	out, err := s.generator.Generate(ctx, RequestFor(c, stage))
	if err != nil {
		return nil, &campaign.ContentGenerationError{Op: "generate", Err: err}
	}

	d := &campaign.ContentDraft{
		CampaignID: campaignID,
		Stage:      stage,
		Subject:    out.Subject,
		Body:       out.Body,
		HTML:       out.HTML,
		Origin:     campaign.OriginAIInitial,
	}
	if err := s.CreateDraft(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// SeedFromTemplates stores an approved template draft for every stage that
// references a template and has no draft yet
func (s *Service) SeedFromTemplates(ctx context.Context, c *campaign.Campaign) (int, error) {
	seeded := 0
	for _, stage := range c.Stages {
		if stage.TemplateRef == "" {
			continue
		}
		tmpl, ok := s.templates.Get(stage.TemplateRef)
		if !ok {
			return seeded, fmt.Errorf("stage %s: unknown template %q", stage.Type, stage.TemplateRef)
		}

		key := campaign.ExecutionKey{CampaignID: c.ID, Stage: stage.Type}
		existing, err := s.store.ListDrafts(ctx, key)
		if err != nil {
			return seeded, err
		}
		if len(existing) > 0 {
			continue
		}

		d := &campaign.ContentDraft{
			CampaignID: c.ID,
			Stage:      stage.Type,
			Subject:    tmpl.Subject,
			Body:       tmpl.Body,
			HTML:       tmpl.HTML,
			Origin:     campaign.OriginTemplate,
			Approved:   true,
		}
		if err := s.CreateDraft(ctx, d); err != nil {
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}
