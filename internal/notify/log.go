package notify

import (
	"context"
	"log/slog"
)

// LogSender writes notifications to the log instead of a device.
type LogSender struct {
	logger *slog.Logger
}

var _ Sender = (*LogSender)(nil)

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, token, title, body string) error {
	s.logger.InfoContext(ctx, "push notification", "title", title, "body", body, "token_suffix", tokenSuffix(token))
	return nil
}

// tokenSuffix keeps device tokens out of logs.
func tokenSuffix(token string) string {
	if len(token) <= 6 {
		return "***"
	}
	return "***" + token[len(token)-6:]
}
