package delivery

import (
	"context"
	"log/slog"
)

// LogSender logs messages instead of sending them (dry-run mode)
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a new dry-run sender
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message and reports success
func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	if msg.To == "" {
		return Permanent("no recipient")
	}
	s.logger.Info("dry-run delivery",
		"message_id", msg.ID,
		"from", msg.From,
		"to", msg.To,
		"subject", msg.Subject,
		"campaign_id", msg.Headers[HeaderCampaignID],
		"stage", msg.Headers[HeaderStage],
	)
	return nil
}

const (
	HeaderCampaignID = "X-Campaign-ID"
	HeaderStage      = "X-Campaign-Stage"
)
