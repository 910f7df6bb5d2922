package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/DukeRupert/geepity/internal/metrics"
	"github.com/DukeRupert/geepity/internal/notify"
	"github.com/DukeRupert/geepity/internal/worker"
)

// PushTokenLookup is the account store method the handler needs.
type PushTokenLookup interface {
	PushToken(ctx context.Context, accountID string) (string, error)
}

// SendNotificationHandler delivers one push notification. Accounts without
// a device token are skipped silently.
type SendNotificationHandler struct {
	tokens PushTokenLookup
	sender notify.Sender
	logger *slog.Logger
}

// NewSendNotificationHandler creates a new handler for push notification jobs.
func NewSendNotificationHandler(tokens PushTokenLookup, sender notify.Sender, logger *slog.Logger) *SendNotificationHandler {
	return &SendNotificationHandler{
		tokens: tokens,
		sender: sender,
		logger: logger,
	}
}

// Type returns the job type identifier.
func (h *SendNotificationHandler) Type() string {
	return worker.JobTypeSendNotification
}

// Handle executes the notification job.
func (h *SendNotificationHandler) Handle(ctx context.Context, payload []byte) error {
	var p worker.SendNotificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return worker.NewPermanentError(fmt.Errorf("invalid payload: %w", err))
	}
	if p.AccountID == "" {
		return worker.NewPermanentError(errors.New("payload missing account_id"))
	}

	token, err := h.tokens.PushToken(ctx, p.AccountID)
	if err != nil {
		// Store error - retryable
		return fmt.Errorf("load push token: %w", err)
	}
	if token == "" {
		metrics.Notification("no_token")
		return nil
	}

	if err := h.sender.Send(ctx, token, p.Title, p.Body); err != nil {
		metrics.Notification("failed")
		if errors.Is(err, notify.ErrInvalidToken) {
			return worker.NewPermanentError(err)
		}
		return err
	}

	metrics.Notification("sent")
	h.logger.Debug("Notification sent", "account_id", p.AccountID)
	return nil
}
