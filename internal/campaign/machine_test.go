package campaign_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/cadence/internal/campaign"
	"github.com/foxzi/cadence/internal/storage"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newMachine(t *testing.T) (*campaign.Machine, *storage.BoltStorage, *clock) {
	t.Helper()
	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clk := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	m := campaign.NewMachine(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.SetClock(clk.Now)
	return m, store, clk
}

func everyone() campaign.AudiencePredicate {
	return campaign.AudiencePredicate{Everyone: true}
}

func threeStageCampaign() *campaign.Campaign {
	return &campaign.Campaign{
		Title: "Spring meetup",
		Stages: []campaign.StageDefinition{
			{Type: campaign.StageInvite, Audience: everyone()},
			{Type: campaign.StageReminder, Offset: campaign.Duration(3 * 24 * time.Hour), Audience: everyone()},
			{Type: campaign.StageThankYou, Offset: campaign.Duration(10 * 24 * time.Hour), Audience: campaign.AudiencePredicate{AnyOf: []string{"engaged"}}},
		},
	}
}

func TestScheduleDerivesExecutions(t *testing.T) {
	m, store, clk := newMachine(t)
	ctx := context.Background()

	c, err := m.Create(ctx, threeStageCampaign())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if c.Status != campaign.StatusDraft {
		t.Errorf("Status = %v, want draft", c.Status)
	}

	c, err = m.Schedule(ctx, c.ID, time.Time{})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if c.Status != campaign.StatusScheduled {
		t.Errorf("Status = %v, want scheduled", c.Status)
	}
	if c.ActivationTime == nil || !c.ActivationTime.Equal(clk.now) {
		t.Errorf("ActivationTime = %v, want %v", c.ActivationTime, clk.now)
	}

	execs, _ := store.ListExecutions(ctx, c.ID)
	if len(execs) != 3 {
		t.Fatalf("len(execs) = %d, want 3", len(execs))
	}
	for _, e := range execs {
		if e.Status != campaign.StagePending {
			t.Errorf("%s status = %v, want pending", e.Stage, e.Status)
		}
	}
	if !execs[1].ScheduledAt.Equal(clk.now.Add(72 * time.Hour)) {
		t.Errorf("reminder ScheduledAt = %v", execs[1].ScheduledAt)
	}

	// activation_time is immutable once scheduled
	if _, err := m.Schedule(ctx, c.ID, time.Time{}); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Errorf("second Schedule() error = %v, want ErrInvalidTransition", err)
	}
}

func TestCreateRejectsUnsafeIDs(t *testing.T) {
	m, store, _ := newMachine(t)
	ctx := context.Background()

	stages := []campaign.StageDefinition{{Type: campaign.StageInvite, Audience: everyone()}}
	if _, err := m.Create(ctx, &campaign.Campaign{ID: "c1", Title: "Launch", Stages: stages}); err != nil {
		t.Fatalf("Create(c1) error = %v", err)
	}

	tests := []struct {
		name string
		id   string
	}{
		{"slash", "c1/invite"},
		{"parent", "../c1"},
		{"space", "spring meetup"},
		{"too long", strings.Repeat("x", campaign.MaxIDLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(ctx, &campaign.Campaign{ID: tt.id, Title: "Launch", Stages: stages})
			if !errors.Is(err, campaign.ErrInvalidCampaign) {
				t.Errorf("Create(%q) error = %v, want ErrInvalidCampaign", tt.id, err)
			}
		})
	}

	// A prefix of another campaign's keys must not be creatable
	if _, err := store.GetCampaign(ctx, "c1/invite"); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("GetCampaign(c1/invite) error = %v, want ErrNotFound", err)
	}

	for _, id := range []string{"spring-meetup_2026.v1", "550e8400-e29b-41d4-a716-446655440000"} {
		if _, err := m.Create(ctx, &campaign.Campaign{ID: id, Title: "Launch", Stages: stages}); err != nil {
			t.Errorf("Create(%q) error = %v", id, err)
		}
	}
}

func TestScheduleRejectsInvalidCampaign(t *testing.T) {
	tests := []struct {
		name   string
		stages []campaign.StageDefinition
	}{
		{"no stages", nil},
		{"empty audience", []campaign.StageDefinition{{Type: campaign.StageInvite}}},
		{"out of order", []campaign.StageDefinition{
			{Type: campaign.StageInvite, Offset: campaign.Duration(48 * time.Hour), Audience: everyone()},
			{Type: campaign.StageReminder, Offset: campaign.Duration(24 * time.Hour), Audience: everyone()},
		}},
		{"duplicate stage", []campaign.StageDefinition{
			{Type: campaign.StageInvite, Audience: everyone()},
			{Type: campaign.StageInvite, Audience: everyone()},
		}},
		{"unknown stage", []campaign.StageDefinition{{Type: "survey", Audience: everyone()}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store, _ := newMachine(t)
			ctx := context.Background()

			c, err := m.Create(ctx, &campaign.Campaign{Title: "x", Stages: tt.stages})
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}

			_, err = m.Schedule(ctx, c.ID, time.Time{})
			if !errors.Is(err, campaign.ErrInvalidCampaign) {
				t.Fatalf("Schedule() error = %v, want ErrInvalidCampaign", err)
			}
			var invalid *campaign.InvalidCampaignError
			if !errors.As(err, &invalid) || len(invalid.Reasons) == 0 {
				t.Errorf("Schedule() error = %v, want InvalidCampaignError with reasons", err)
			}

			// Rejected before any state change
			got, _ := store.GetCampaign(ctx, c.ID)
			if got.Status != campaign.StatusDraft || got.ActivationTime != nil {
				t.Errorf("campaign changed after rejected schedule: %+v", got)
			}
			execs, _ := store.ListExecutions(ctx, c.ID)
			if len(execs) != 0 {
				t.Errorf("executions derived after rejected schedule: %d", len(execs))
			}
		})
	}
}

func TestPauseResumePreservesSpacing(t *testing.T) {
	m, store, clk := newMachine(t)
	ctx := context.Background()
	t0 := clk.now
	day := 24 * time.Hour

	c, _ := m.Create(ctx, threeStageCampaign())
	m.Schedule(ctx, c.ID, t0)
	if _, err := m.Activate(ctx, c.ID); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	// invite already went out
	store.UpdateExecution(ctx, campaign.ExecutionKey{CampaignID: c.ID, Stage: campaign.StageInvite}, func(_ *campaign.Campaign, e *campaign.StageExecution) error {
		e.Status = campaign.StageSettling
		return nil
	})

	clk.now = t0.Add(day)
	if _, err := m.Pause(ctx, c.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	if _, err := m.Pause(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Errorf("Pause() twice error = %v, want ErrInvalidTransition", err)
	}

	clk.now = t0.Add(3 * day)
	resumed, err := m.Resume(ctx, c.ID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.Status != campaign.StatusActive || resumed.PausedAt != nil {
		t.Errorf("resumed = %+v", resumed)
	}

	execs, _ := store.ListExecutions(ctx, c.ID)
	want := map[campaign.StageType]time.Time{
		campaign.StageInvite:   t0,
		campaign.StageReminder: t0.Add(5 * day),
		campaign.StageThankYou: t0.Add(12 * day),
	}
	for _, e := range execs {
		if !e.ScheduledAt.Equal(want[e.Stage]) {
			t.Errorf("%s ScheduledAt = %v, want %v", e.Stage, e.ScheduledAt, want[e.Stage])
		}
	}

	if _, err := m.Resume(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Errorf("Resume() while active error = %v, want ErrInvalidTransition", err)
	}
}

func TestPauseOnlyFromActive(t *testing.T) {
	m, _, _ := newMachine(t)
	ctx := context.Background()

	c, _ := m.Create(ctx, threeStageCampaign())
	if _, err := m.Pause(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Errorf("Pause(draft) error = %v, want ErrInvalidTransition", err)
	}
	m.Schedule(ctx, c.ID, time.Time{})
	if _, err := m.Pause(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Errorf("Pause(scheduled) error = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelSkipsPendingOnly(t *testing.T) {
	m, store, _ := newMachine(t)
	ctx := context.Background()

	c, _ := m.Create(ctx, threeStageCampaign())
	m.Schedule(ctx, c.ID, time.Time{})
	m.Activate(ctx, c.ID)

	invite := campaign.ExecutionKey{CampaignID: c.ID, Stage: campaign.StageInvite}
	store.UpdateExecution(ctx, invite, func(_ *campaign.Campaign, e *campaign.StageExecution) error {
		e.Status = campaign.StageDispatched
		return nil
	})

	cancelled, err := m.Cancel(ctx, c.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != campaign.StatusCancelled {
		t.Errorf("Status = %v, want cancelled", cancelled.Status)
	}

	execs, _ := store.ListExecutions(ctx, c.ID)
	if execs[0].Status != campaign.StageDispatched {
		t.Errorf("in-flight invite = %v, want dispatched", execs[0].Status)
	}
	for _, e := range execs[1:] {
		if e.Status != campaign.StageSkipped {
			t.Errorf("%s = %v, want skipped", e.Stage, e.Status)
		}
	}

	if _, err := m.Cancel(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Errorf("Cancel() terminal error = %v, want ErrInvalidTransition", err)
	}
}

func TestCompleteIfDone(t *testing.T) {
	m, store, _ := newMachine(t)
	ctx := context.Background()

	c, _ := m.Create(ctx, threeStageCampaign())
	m.Schedule(ctx, c.ID, time.Time{})
	m.Activate(ctx, c.ID)

	statuses := []campaign.StageStatus{campaign.StageCompleted, campaign.StageFailed, campaign.StageSettling}
	for i, st := range statuses {
		key := campaign.ExecutionKey{CampaignID: c.ID, Stage: c.Stages[i].Type}
		store.UpdateExecution(ctx, key, func(_ *campaign.Campaign, e *campaign.StageExecution) error {
			e.Status = st
			return nil
		})
	}

	done, err := m.CompleteIfDone(ctx, c.ID)
	if err != nil {
		t.Fatalf("CompleteIfDone() error = %v", err)
	}
	if done {
		t.Fatal("CompleteIfDone() completed with a settling stage")
	}

	store.UpdateExecution(ctx, campaign.ExecutionKey{CampaignID: c.ID, Stage: campaign.StageThankYou}, func(_ *campaign.Campaign, e *campaign.StageExecution) error {
		e.Status = campaign.StageSkipped
		return nil
	})

	done, _ = m.CompleteIfDone(ctx, c.ID)
	if !done {
		t.Fatal("CompleteIfDone() did not complete with all stages terminal")
	}

	st, err := m.Status(ctx, c.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Campaign.Status != campaign.StatusCompleted {
		t.Errorf("Status = %v, want completed", st.Campaign.Status)
	}
	if st.Stages[campaign.StageCompleted] != 1 || st.Stages[campaign.StageFailed] != 1 {
		t.Errorf("stage counts = %v", st.Stages)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to campaign.Status
		want     bool
	}{
		{campaign.StatusDraft, campaign.StatusScheduled, true},
		{campaign.StatusDraft, campaign.StatusActive, false},
		{campaign.StatusScheduled, campaign.StatusActive, true},
		{campaign.StatusActive, campaign.StatusPaused, true},
		{campaign.StatusPaused, campaign.StatusActive, true},
		{campaign.StatusPaused, campaign.StatusCancelled, true},
		{campaign.StatusCompleted, campaign.StatusCancelled, false},
		{campaign.StatusCancelled, campaign.StatusActive, false},
	}
	for _, tt := range tests {
		if got := campaign.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
