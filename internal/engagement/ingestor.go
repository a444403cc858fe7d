// Package engagement ingests open, click, reply and bounce signals from every
// source and keeps contact counters and segment tags in step with them.
package engagement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/foxzi/cadence/internal/campaign"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/segment"
)

// Event sources
const (
	SourceAPI    = "api"
	SourcePixel  = "pixel"
	SourceClick  = "click"
	SourceKafka  = "kafka"
	SourceSMTP   = "smtp"
	SourceManual = "manual"
)

// ErrInvalidEvent is returned for events that cannot be attributed
var ErrInvalidEvent = errors.New("invalid event")

// EventStore is the append-only event log plus dispatch lookup
type EventStore interface {
	AppendEvent(ctx context.Context, ev *campaign.EngagementEvent) error
	RemoveEvent(ctx context.Context, id string) error
	GetDispatch(ctx context.Context, id string) (*campaign.DispatchRecord, error)
}

// Directory holds contact counters and tags
type Directory interface {
	RecordEngagement(ctx context.Context, contactID string, eventType campaign.EventType, at time.Time) (segment.Counters, []string, error)
	UpdateTags(ctx context.Context, contactID string, tags []string) error
}

// Recorder is what event sources feed
type Recorder interface {
	Record(ctx context.Context, ev *campaign.EngagementEvent) error
	RecordDispatch(ctx context.Context, dispatchID string, ev campaign.EngagementEvent) error
}

// Ingestor records engagement events
type Ingestor struct {
	events    EventStore
	directory Directory
	segments  *segment.Engine
	logger    *slog.Logger
	now       func() time.Time
}

// NewIngestor creates a new ingestor
func NewIngestor(events EventStore, directory Directory, segments *segment.Engine, logger *slog.Logger) *Ingestor {
	if segments == nil {
		segments = segment.New(nil)
	}
	return &Ingestor{
		events:    events,
		directory: directory,
		segments:  segments,
		logger:    logger,
		now:       time.Now,
	}
}

// Record appends an event, bumps the contact's counter and adds any tags the
// new counters qualify for. A replayed event with a known ID is a no-op. When
// the counters cannot be updated the event is taken back out of the log, so
// a later replay is counted.
func (i *Ingestor) Record(ctx context.Context, ev *campaign.EngagementEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = i.now().UTC()
	}
	if ev.Source == "" {
		ev.Source = SourceAPI
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if err := i.events.AppendEvent(ctx, ev); err != nil {
		if errors.Is(err, campaign.ErrDuplicateEvent) {
			i.logger.Debug("duplicate event ignored", "event_id", ev.ID)
			return nil
		}
		return fmt.Errorf("failed to append event: %w", err)
	}

	counters, existing, err := i.directory.RecordEngagement(ctx, ev.ContactID, ev.Type, ev.OccurredAt)
	if err != nil {
		if rmErr := i.events.RemoveEvent(context.WithoutCancel(ctx), ev.ID); rmErr != nil {
			i.logger.Error("failed to roll back event", "event_id", ev.ID, "error", rmErr)
		}
		return fmt.Errorf("failed to update counters: %w", err)
	}

	tags := i.segments.Apply(existing, counters)
	var added []string
	for _, t := range tags {
		if !slices.Contains(existing, t) {
			added = append(added, t)
		}
	}
	if len(added) > 0 {
		if err := i.directory.UpdateTags(ctx, ev.ContactID, added); err != nil {
			return fmt.Errorf("failed to update tags: %w", err)
		}
		i.logger.Info("contact tagged", "contact_id", ev.ContactID, "tags", added)
	}

	metrics.IncEngagementEvent(string(ev.Type), ev.Source)
	i.logger.Debug("event recorded",
		"event_id", ev.ID,
		"contact_id", ev.ContactID,
		"campaign_id", ev.CampaignID,
		"stage", ev.Stage,
		"type", ev.Type,
		"source", ev.Source,
	)
	return nil
}

// RecordDispatch records an event attributed through a dispatch record.
// Contact, campaign and stage of ev are taken from the record.
func (i *Ingestor) RecordDispatch(ctx context.Context, dispatchID string, ev campaign.EngagementEvent) error {
	rec, err := i.events.GetDispatch(ctx, dispatchID)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", dispatchID, err)
	}

	ev.ContactID = rec.ContactID
	ev.CampaignID = rec.CampaignID
	ev.Stage = rec.Stage
	return i.Record(ctx, &ev)
}
