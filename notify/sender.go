package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/interfaces"
)

var _ interfaces.MessageSender = (*LogSender)(nil)

// LogSender writes messages to the log instead of delivering them. Bodies are
// never logged.
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	if log == nil {
		log = slog.Default()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, recipient, subject, body string) (string, error) {
	id := uuid.NewString()
	s.log.Info("Message",
		slog.String("delivery_id", id),
		slog.String("recipient", recipient),
		slog.String("subject", subject),
		slog.Int("body_length", len(body)))
	return id, nil
}
