package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/cadence/internal/campaign"
)

func newTestStorage(t *testing.T) *BoltStorage {
	t.Helper()
	s, err := NewBoltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testCampaign(id string) *campaign.Campaign {
	return &campaign.Campaign{
		ID:     id,
		Title:  "Launch",
		Status: campaign.StatusDraft,
		Stages: []campaign.StageDefinition{
			{Type: campaign.StageInvite, Audience: campaign.AudiencePredicate{Everyone: true}},
			{Type: campaign.StageReminder, Offset: campaign.Duration(72 * time.Hour), Audience: campaign.AudiencePredicate{Everyone: true}},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func scheduleAt(t *testing.T, s *BoltStorage, id string, at time.Time) {
	t.Helper()
	_, err := s.UpdateCampaign(context.Background(), id, func(c *campaign.Campaign, execs []*campaign.StageExecution) ([]*campaign.StageExecution, error) {
		c.Status = campaign.StatusScheduled
		c.ActivationTime = &at
		return campaign.DeriveExecutions(c, at), nil
	})
	if err != nil {
		t.Fatalf("UpdateCampaign() error = %v", err)
	}
}

func TestCampaignCRUD(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.CreateCampaign(ctx, testCampaign("c1")); err != nil {
		t.Fatalf("CreateCampaign() error = %v", err)
	}
	if err := s.CreateCampaign(ctx, testCampaign("c1")); err == nil {
		t.Error("CreateCampaign() expected error for duplicate id")
	}

	got, err := s.GetCampaign(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCampaign() error = %v", err)
	}
	if got.Title != "Launch" {
		t.Errorf("GetCampaign().Title = %v, want Launch", got.Title)
	}
	if len(got.Stages) != 2 {
		t.Errorf("len(Stages) = %d, want 2", len(got.Stages))
	}

	_, err = s.GetCampaign(ctx, "missing")
	if !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("GetCampaign() error = %v, want ErrNotFound", err)
	}

	list, err := s.ListCampaigns(ctx, campaign.ListFilter{Status: campaign.StatusDraft})
	if err != nil {
		t.Fatalf("ListCampaigns() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListCampaigns() returned %d, want 1", len(list))
	}
	list, _ = s.ListCampaigns(ctx, campaign.ListFilter{Status: campaign.StatusActive})
	if len(list) != 0 {
		t.Errorf("ListCampaigns(active) returned %d, want 0", len(list))
	}
}

func TestUpdateCampaignRollsBackOnError(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	s.CreateCampaign(ctx, testCampaign("c1"))

	boom := errors.New("boom")
	_, err := s.UpdateCampaign(ctx, "c1", func(c *campaign.Campaign, execs []*campaign.StageExecution) ([]*campaign.StageExecution, error) {
		c.Title = "changed"
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("UpdateCampaign() error = %v, want boom", err)
	}

	got, _ := s.GetCampaign(ctx, "c1")
	if got.Title != "Launch" {
		t.Errorf("Title = %q, want unchanged", got.Title)
	}
}

func TestDueExecutions(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	s.CreateCampaign(ctx, testCampaign("c1"))
	scheduleAt(t, s, "c1", t0)

	execs, err := s.ListExecutions(ctx, "c1")
	if err != nil {
		t.Fatalf("ListExecutions() error = %v", err)
	}
	if len(execs) != 2 || execs[0].Stage != campaign.StageInvite || execs[1].Stage != campaign.StageReminder {
		t.Fatalf("ListExecutions() = %+v, want invite then reminder", execs)
	}

	due, err := s.DueExecutions(ctx, t0.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("DueExecutions() error = %v", err)
	}
	if len(due) != 1 || due[0].Stage != campaign.StageInvite {
		t.Fatalf("DueExecutions() = %+v, want only invite", due)
	}

	due, _ = s.DueExecutions(ctx, t0.Add(100*time.Hour), 0)
	if len(due) != 2 {
		t.Errorf("DueExecutions() returned %d, want 2", len(due))
	}

	// Claiming removes the execution from the due index
	key := campaign.ExecutionKey{CampaignID: "c1", Stage: campaign.StageInvite}
	_, err = s.UpdateExecution(ctx, key, func(c *campaign.Campaign, e *campaign.StageExecution) error {
		e.Status = campaign.StageDispatched
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateExecution() error = %v", err)
	}

	due, _ = s.DueExecutions(ctx, t0.Add(100*time.Hour), 0)
	if len(due) != 1 || due[0].Stage != campaign.StageReminder {
		t.Errorf("DueExecutions() after claim = %+v, want only reminder", due)
	}

	dispatched, _ := s.ExecutionsByStatus(ctx, campaign.StageDispatched)
	if len(dispatched) != 1 {
		t.Errorf("ExecutionsByStatus(dispatched) returned %d, want 1", len(dispatched))
	}
}

func TestUpdateExecutionConflictWritesNothing(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	t0 := time.Now().UTC()
	s.CreateCampaign(ctx, testCampaign("c1"))
	scheduleAt(t, s, "c1", t0)

	key := campaign.ExecutionKey{CampaignID: "c1", Stage: campaign.StageInvite}
	_, err := s.UpdateExecution(ctx, key, func(c *campaign.Campaign, e *campaign.StageExecution) error {
		e.Status = campaign.StageDispatched
		return campaign.ErrClaimConflict
	})
	if !errors.Is(err, campaign.ErrClaimConflict) {
		t.Fatalf("UpdateExecution() error = %v, want ErrClaimConflict", err)
	}

	got, _ := s.GetExecution(ctx, key)
	if got.Status != campaign.StagePending {
		t.Errorf("Status = %v, want pending", got.Status)
	}
}

func TestDrafts(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	s.CreateCampaign(ctx, testCampaign("c1"))
	key := campaign.ExecutionKey{CampaignID: "c1", Stage: campaign.StageReminder}

	for i := 0; i < 3; i++ {
		d := &campaign.ContentDraft{CampaignID: "c1", Stage: campaign.StageReminder, Subject: "s", Origin: campaign.OriginTemplate}
		if err := s.PutDraft(ctx, d); err != nil {
			t.Fatalf("PutDraft() error = %v", err)
		}
		if d.Version != i+1 {
			t.Errorf("Version = %d, want %d", d.Version, i+1)
		}
	}

	latest, err := s.LatestApprovedDraft(ctx, key, 0)
	if err != nil {
		t.Fatalf("LatestApprovedDraft() error = %v", err)
	}
	if latest != nil {
		t.Errorf("LatestApprovedDraft() = %+v, want nil before approval", latest)
	}

	s.ApproveDraft(ctx, key, 1, time.Now())
	s.ApproveDraft(ctx, key, 2, time.Now())

	latest, _ = s.LatestApprovedDraft(ctx, key, 0)
	if latest == nil || latest.Version != 2 {
		t.Errorf("LatestApprovedDraft() = %+v, want version 2", latest)
	}

	latest, _ = s.LatestApprovedDraft(ctx, key, 3)
	if latest != nil {
		t.Errorf("LatestApprovedDraft(min 3) = %+v, want nil", latest)
	}

	if _, err := s.ApproveDraft(ctx, key, 9, time.Now()); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("ApproveDraft(9) error = %v, want ErrNotFound", err)
	}

	drafts, _ := s.ListDrafts(ctx, key)
	if len(drafts) != 3 {
		t.Errorf("ListDrafts() returned %d, want 3", len(drafts))
	}

	if err := s.PutDraft(ctx, &campaign.ContentDraft{CampaignID: "missing", Stage: campaign.StageInvite}); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("PutDraft(missing campaign) error = %v, want ErrNotFound", err)
	}
}

func TestReserveDispatch(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	key := campaign.ExecutionKey{CampaignID: "c1", Stage: campaign.StageInvite}

	rec, ok, err := s.ReserveDispatch(ctx, key, "contact-1", 1)
	if err != nil || !ok {
		t.Fatalf("ReserveDispatch() = %v, %v, want reserved", ok, err)
	}

	// An unresolved reservation is never handed out twice
	if _, ok, _ := s.ReserveDispatch(ctx, key, "contact-1", 1); ok {
		t.Error("ReserveDispatch() reserved an in-flight record twice")
	}

	if err := s.FinishDispatch(ctx, key, "contact-1", campaign.DispatchTransientFailed, "421 try later"); err != nil {
		t.Fatalf("FinishDispatch() error = %v", err)
	}

	// Transient failures may be retried
	retry, ok, _ := s.ReserveDispatch(ctx, key, "contact-1", 1)
	if !ok {
		t.Fatal("ReserveDispatch() refused a transient failure")
	}
	if retry.ID != rec.ID || retry.Attempts != 2 {
		t.Errorf("retry = %+v, want same id and 2 attempts", retry)
	}

	s.FinishDispatch(ctx, key, "contact-1", campaign.DispatchSent, "")
	if _, ok, _ := s.ReserveDispatch(ctx, key, "contact-1", 1); ok {
		t.Error("ReserveDispatch() reserved an already sent record")
	}

	byID, err := s.GetDispatch(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetDispatch() error = %v", err)
	}
	if byID.ContactID != "contact-1" || byID.Status != campaign.DispatchSent {
		t.Errorf("GetDispatch() = %+v", byID)
	}

	records, _ := s.ListDispatches(ctx, key)
	if len(records) != 1 {
		t.Errorf("ListDispatches() returned %d, want 1", len(records))
	}
}

func TestEvents(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	key := campaign.ExecutionKey{CampaignID: "c1", Stage: campaign.StageInvite}
	t0 := time.Now().UTC()

	for i, typ := range []campaign.EventType{campaign.EventOpen, campaign.EventClick} {
		ev := &campaign.EngagementEvent{
			ContactID:  "contact-1",
			CampaignID: "c1",
			Stage:      campaign.StageInvite,
			Type:       typ,
			OccurredAt: t0.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}
	}
	s.AppendEvent(ctx, &campaign.EngagementEvent{ContactID: "contact-1", CampaignID: "c1", Stage: campaign.StageReminder, Type: campaign.EventOpen, OccurredAt: t0})

	events, err := s.ListEvents(ctx, key)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ListEvents() returned %d, want 2", len(events))
	}
	if events[0].Type != campaign.EventOpen || events[1].Type != campaign.EventClick {
		t.Errorf("events not in occurrence order: %v, %v", events[0].Type, events[1].Type)
	}
}

func TestIndexKeyOrdering(t *testing.T) {
	early := makeIndexKey(time.Date(2026, 1, 1, 9, 0, 0, 5, time.UTC), []byte("a"))
	late := makeIndexKey(time.Date(2026, 1, 1, 9, 0, 0, 40, time.UTC), []byte("a"))
	if string(early) >= string(late) {
		t.Errorf("index keys not chronologically ordered: %s >= %s", early, late)
	}

	ts := time.Date(2026, 1, 1, 9, 0, 0, 123, time.UTC)
	if got := parseTimestampFromKey(makeIndexKey(ts, []byte("x"))); !got.Equal(ts) {
		t.Errorf("parseTimestampFromKey() = %v, want %v", got, ts)
	}
}

func TestAppendEventDuplicate(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	ev := &campaign.EngagementEvent{
		ID:         "ev-1",
		ContactID:  "contact-1",
		CampaignID: "c1",
		Stage:      campaign.StageInvite,
		Type:       campaign.EventOpen,
		OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := s.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}

	replay := *ev
	if err := s.AppendEvent(ctx, &replay); !errors.Is(err, campaign.ErrDuplicateEvent) {
		t.Errorf("AppendEvent() replay error = %v, want ErrDuplicateEvent", err)
	}

	// A replay stamped at receipt time is still the same event
	late := *ev
	late.OccurredAt = ev.OccurredAt.Add(time.Hour)
	if err := s.AppendEvent(ctx, &late); !errors.Is(err, campaign.ErrDuplicateEvent) {
		t.Errorf("AppendEvent() late replay error = %v, want ErrDuplicateEvent", err)
	}

	events, err := s.ListEvents(ctx, campaign.ExecutionKey{CampaignID: "c1", Stage: campaign.StageInvite})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("ListEvents() = %d events, want 1", len(events))
	}
}

func TestRemoveEvent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	key := campaign.ExecutionKey{CampaignID: "c1", Stage: campaign.StageInvite}

	ev := &campaign.EngagementEvent{
		ID:         "ev-1",
		ContactID:  "contact-1",
		CampaignID: "c1",
		Stage:      campaign.StageInvite,
		Type:       campaign.EventClick,
		OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := s.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	if err := s.RemoveEvent(ctx, "ev-1"); err != nil {
		t.Fatalf("RemoveEvent() error = %v", err)
	}
	if events, _ := s.ListEvents(ctx, key); len(events) != 0 {
		t.Errorf("ListEvents() = %d events, want 0", len(events))
	}

	// The ID is free again
	replay := *ev
	if err := s.AppendEvent(ctx, &replay); err != nil {
		t.Errorf("AppendEvent() after removal error = %v", err)
	}

	if err := s.RemoveEvent(ctx, "missing"); err != nil {
		t.Errorf("RemoveEvent(missing) error = %v", err)
	}
}
