package refine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/cadence/internal/campaign"
	"github.com/foxzi/cadence/internal/content"
	"github.com/foxzi/cadence/internal/storage"
)

type fixedBaseline campaign.Rates

func (b fixedBaseline) Baseline(ctx context.Context, exclude campaign.ExecutionKey) (campaign.Rates, error) {
	return campaign.Rates(b), nil
}

type fakeGenerator struct {
	draft    *content.Draft
	err      error
	refines  []content.RefineRequest
	generate int
}

func (f *fakeGenerator) Generate(ctx context.Context, req content.GenerateRequest) (*content.Draft, error) {
	f.generate++
	return f.draft, f.err
}

func (f *fakeGenerator) Refine(ctx context.Context, req content.RefineRequest) (*content.Draft, error) {
	f.refines = append(f.refines, req)
	return f.draft, f.err
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// setup creates an active campaign [invite, reminder, thank_you] with the
// invite settled and an approved reminder draft v1
func setup(t *testing.T) *storage.BoltStorage {
	t.Helper()
	s, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	everyone := campaign.AudiencePredicate{Everyone: true}
	c := &campaign.Campaign{
		ID:     "c1",
		Title:  "Launch",
		Status: campaign.StatusDraft,
		Stages: []campaign.StageDefinition{
			{Type: campaign.StageInvite, Audience: everyone},
			{Type: campaign.StageReminder, Offset: campaign.Duration(72 * time.Hour), Audience: everyone},
			{Type: campaign.StageThankYou, Offset: campaign.Duration(240 * time.Hour), Audience: everyone},
		},
		CreatedAt: t0,
	}
	if err := s.CreateCampaign(ctx, c); err != nil {
		t.Fatal(err)
	}
	_, err = s.UpdateCampaign(ctx, "c1", func(c *campaign.Campaign, _ []*campaign.StageExecution) ([]*campaign.StageExecution, error) {
		c.Status = campaign.StatusActive
		c.ActivationTime = &t0
		execs := campaign.DeriveExecutions(c, t0)
		execs[0].Status = campaign.StageCompleted
		execs[0].ContentVersion = 1
		return execs, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, d := range []*campaign.ContentDraft{
		{CampaignID: "c1", Stage: campaign.StageInvite, Subject: "Invite", Body: "Join", Origin: campaign.OriginTemplate, Approved: true},
		{CampaignID: "c1", Stage: campaign.StageReminder, Subject: "Reminder", Body: "Soon", Origin: campaign.OriginTemplate, Approved: true},
	} {
		if err := s.PutDraft(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func newTrigger(s *storage.BoltStorage, gen content.Generator) *Trigger {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTrigger(s, fixedBaseline{Open: 0.40, Click: 0.10}, gen, 0.1, logger)
}

func settled(sent, opened, clicked int) campaign.StageSettled {
	return campaign.StageSettled{
		Key:       campaign.ExecutionKey{CampaignID: "c1", Stage: campaign.StageInvite},
		Summary:   campaign.Summary{Sent: sent, Opened: opened, Clicked: clicked},
		SettledAt: t0.Add(48 * time.Hour),
	}
}

func TestShortfallAndUnderperforms(t *testing.T) {
	tests := []struct {
		name  string
		rates campaign.Rates
		want  bool
	}{
		{"far below open", campaign.Rates{Open: 0.10, Click: 0.10}, true},
		{"far below click", campaign.Rates{Open: 0.40, Click: -0.05}, true},
		{"within margin", campaign.Rates{Open: 0.35, Click: 0.05}, false},
		{"above baseline", campaign.Rates{Open: 0.60, Click: 0.30}, false},
	}
	baseline := campaign.Rates{Open: 0.40, Click: 0.10}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sf := Shortfall(tt.rates, baseline)
			if got := Underperforms(sf, 0.1); got != tt.want {
				t.Errorf("Underperforms(%+v) = %v, want %v", sf, got, tt.want)
			}
		})
	}
}

func TestHandleSettledCreatesRefinedDraft(t *testing.T) {
	s := setup(t)
	gen := &fakeGenerator{draft: &content.Draft{Subject: "Better", Body: "Much better"}}
	trig := newTrigger(s, gen)
	ctx := context.Background()

	d, err := trig.HandleSettled(ctx, settled(100, 10, 5))
	if err != nil {
		t.Fatalf("HandleSettled() error = %v", err)
	}
	if d == nil {
		t.Fatal("HandleSettled() returned no draft")
	}
	if d.Stage != campaign.StageReminder || d.Version != 2 || d.Approved || d.Origin != campaign.OriginAIRefined {
		t.Errorf("draft = %+v, want unapproved ai_refined reminder v2", d)
	}

	if len(gen.refines) != 1 {
		t.Fatalf("Refine() calls = %d, want 1", len(gen.refines))
	}
	req := gen.refines[0]
	if req.Prior.Subject != "Reminder" || req.PriorVersion != 1 || req.MeasuredStage != campaign.StageInvite {
		t.Errorf("refine request = %+v", req)
	}
	if req.Shortfall.Open < 0.29 || req.Shortfall.Open > 0.31 {
		t.Errorf("Shortfall.Open = %v, want 0.30", req.Shortfall.Open)
	}

	e, _ := s.GetExecution(ctx, campaign.ExecutionKey{CampaignID: "c1", Stage: campaign.StageReminder})
	if e.MinContentVersion != 2 {
		t.Errorf("MinContentVersion = %d, want 2", e.MinContentVersion)
	}

	// The gate means the approved v1 no longer qualifies
	latest, _ := s.LatestApprovedDraft(ctx, e.Key(), e.MinContentVersion)
	if latest != nil {
		t.Errorf("LatestApprovedDraft() = v%d, want none until v2 is approved", latest.Version)
	}
}

func TestHandleSettledWithinMargin(t *testing.T) {
	s := setup(t)
	gen := &fakeGenerator{draft: &content.Draft{Subject: "x", Body: "y"}}
	trig := newTrigger(s, gen)

	d, err := trig.HandleSettled(context.Background(), settled(100, 35, 9))
	if err != nil || d != nil {
		t.Fatalf("HandleSettled() = %v, %v, want nil, nil", d, err)
	}
	if len(gen.refines) != 0 || gen.generate != 0 {
		t.Error("generator should not be called within margin")
	}
}

func TestHandleSettledGeneratorFailureFallsBack(t *testing.T) {
	s := setup(t)
	gen := &fakeGenerator{err: errors.New("rate limited")}
	trig := newTrigger(s, gen)
	ctx := context.Background()

	d, err := trig.HandleSettled(ctx, settled(100, 10, 5))
	if err != nil || d != nil {
		t.Fatalf("HandleSettled() = %v, %v, want silent fallback", d, err)
	}

	key := campaign.ExecutionKey{CampaignID: "c1", Stage: campaign.StageReminder}
	drafts, _ := s.ListDrafts(ctx, key)
	if len(drafts) != 1 {
		t.Errorf("drafts = %d, want only the original", len(drafts))
	}
	e, _ := s.GetExecution(ctx, key)
	if e.MinContentVersion != 0 {
		t.Errorf("MinContentVersion = %d, want 0", e.MinContentVersion)
	}
}

func TestHandleSettledNoGenerator(t *testing.T) {
	s := setup(t)
	trig := newTrigger(s, nil)

	d, err := trig.HandleSettled(context.Background(), settled(100, 0, 0))
	if err != nil || d != nil {
		t.Fatalf("HandleSettled() = %v, %v, want nil, nil", d, err)
	}
}

func TestHandleSettledSkipsClaimedStages(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	reminder := campaign.ExecutionKey{CampaignID: "c1", Stage: campaign.StageReminder}
	_, err := s.UpdateExecution(ctx, reminder, func(_ *campaign.Campaign, e *campaign.StageExecution) error {
		e.Status = campaign.StageDispatched
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	gen := &fakeGenerator{draft: &content.Draft{Subject: "Thanks", Body: "Thanks"}}
	trig := newTrigger(s, gen)

	d, err := trig.HandleSettled(ctx, settled(100, 5, 0))
	if err != nil {
		t.Fatalf("HandleSettled() error = %v", err)
	}
	if d == nil || d.Stage != campaign.StageThankYou || d.Version != 1 {
		t.Fatalf("draft = %+v, want thank_you v1", d)
	}

	// No approved thank_you draft exists, so the prior is the invite content
	if len(gen.refines) != 1 || gen.refines[0].Prior.Subject != "Invite" {
		t.Errorf("refine requests = %+v, want prior from invite", gen.refines)
	}
}

func TestHandleSettledNoPendingStage(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	for _, st := range []campaign.StageType{campaign.StageReminder, campaign.StageThankYou} {
		_, err := s.UpdateExecution(ctx, campaign.ExecutionKey{CampaignID: "c1", Stage: st}, func(_ *campaign.Campaign, e *campaign.StageExecution) error {
			e.Status = campaign.StageSettling
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	gen := &fakeGenerator{draft: &content.Draft{Subject: "x", Body: "y"}}
	d, err := newTrigger(s, gen).HandleSettled(ctx, settled(100, 0, 0))
	if err != nil || d != nil {
		t.Fatalf("HandleSettled() = %v, %v, want nil, nil", d, err)
	}
	if len(gen.refines) != 0 {
		t.Error("generator should not be called without a target stage")
	}
}
