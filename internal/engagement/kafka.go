package engagement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/foxzi/cadence/internal/campaign"
)

// KafkaConfig contains consumer settings
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	MaxWait time.Duration
}

// kafkaEvent is the wire format of an event on the topic. Events carry
// either a dispatch id (or tracking token) or a full attribution.
type kafkaEvent struct {
	ID         string             `json:"id"`
	DispatchID string             `json:"dispatch_id,omitempty"`
	Token      string             `json:"token,omitempty"`
	ContactID  string             `json:"contact_id,omitempty"`
	CampaignID string             `json:"campaign_id,omitempty"`
	Stage      campaign.StageType `json:"stage_type,omitempty"`
	Type       campaign.EventType `json:"event_type"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// KafkaConsumer feeds events from a Kafka topic into the ingestor.
// Offsets are committed after an event is recorded, so a crash replays
// uncommitted events and replays with an id are dropped by the log.
type KafkaConsumer struct {
	reader   *kafka.Reader
	recorder Recorder
	tracker  *Tracker
	logger   *slog.Logger
}

// NewKafkaConsumer creates a consumer. tracker may be nil when the stream
// never carries tokens.
func NewKafkaConsumer(cfg KafkaConfig, recorder Recorder, tracker *Tracker, logger *slog.Logger) *KafkaConsumer {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 3 * time.Second
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  cfg.MaxWait,
	})
	return &KafkaConsumer{
		reader:   reader,
		recorder: recorder,
		tracker:  tracker,
		logger:   logger,
	}
}

// Run consumes until ctx is cancelled
func (c *KafkaConsumer) Run(ctx context.Context) error {
	cfg := c.reader.Config()
	c.logger.Info("starting kafka consumer", "brokers", cfg.Brokers, "topic", cfg.Topic, "group", cfg.GroupID)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to fetch kafka message", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.handle(ctx, msg.Value); err != nil {
			if !errors.Is(err, ErrInvalidEvent) && !errors.Is(err, ErrInvalidToken) && !errors.Is(err, campaign.ErrNotFound) {
				// Leave the offset uncommitted so the event is redelivered
				c.logger.Error("failed to record kafka event", "offset", msg.Offset, "partition", msg.Partition, "error", err)
				continue
			}
			c.logger.Warn("dropping kafka event", "offset", msg.Offset, "partition", msg.Partition, "error", err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit kafka offset", "offset", msg.Offset, "error", err)
		}
	}
}

// Close closes the reader
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// handle decodes and records one message value
func (c *KafkaConsumer) handle(ctx context.Context, value []byte) error {
	var ev kafkaEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	dispatchID := ev.DispatchID
	if dispatchID == "" && ev.Token != "" {
		if c.tracker == nil {
			return ErrInvalidToken
		}
		id, err := c.tracker.Verify(ev.Token)
		if err != nil {
			return err
		}
		dispatchID = id
	}

	event := campaign.EngagementEvent{
		ID:         ev.ID,
		ContactID:  ev.ContactID,
		CampaignID: ev.CampaignID,
		Stage:      ev.Stage,
		Type:       ev.Type,
		OccurredAt: ev.OccurredAt,
		Source:     SourceKafka,
	}
	if dispatchID != "" {
		return c.recorder.RecordDispatch(ctx, dispatchID, event)
	}
	return c.recorder.Record(ctx, &event)
}
