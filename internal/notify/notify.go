// Package notify delivers push notifications to account holders.
//
// This package defines a Notifier interface for fire-and-forget delivery and
// a Sender interface for the push transport, with implementations for:
// - FCMSender: Firebase Cloud Messaging (production)
// - LogSender: writes notifications to the log (development)
//
// QueueNotifier hands notifications to the background worker so callers on
// the request path never wait on the push provider.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/DukeRupert/geepity/internal/metrics"
	"github.com/DukeRupert/geepity/internal/worker"
)

// =============================================================================
// Interface Definitions
// =============================================================================

// Notifier requests a notification for an account. Delivery failures are
// logged by the implementation and never returned.
type Notifier interface {
	Notify(ctx context.Context, accountID, title, body string)
}

// Sender delivers one notification to a device token.
type Sender interface {
	Send(ctx context.Context, token, title, body string) error
}

// ErrInvalidToken means the device token will never accept a message and
// the send should not be retried.
var ErrInvalidToken = errors.New("push token is invalid or unregistered")

// Push provider constants.
const (
	ProviderFCM = "fcm"
	ProviderLog = "log"
)

// =============================================================================
// Queue-backed Notifier
// =============================================================================

// Enqueuer is the part of the worker QueueNotifier needs.
type Enqueuer interface {
	EnqueueSendNotification(accountID, title, body string, opts ...worker.EnqueueOption) (uuid.UUID, error)
	EnqueueSendNotificationWait(ctx context.Context, accountID, title, body string, opts ...worker.EnqueueOption) (uuid.UUID, error)
}

// QueueNotifier implements Notifier by enqueuing send_notification jobs.
// Notify drops the notification when the queue is full; NotifyWait waits
// for room instead.
type QueueNotifier struct {
	queue  Enqueuer
	logger *slog.Logger
}

var _ Notifier = (*QueueNotifier)(nil)

// NewQueueNotifier creates a QueueNotifier.
func NewQueueNotifier(queue Enqueuer, logger *slog.Logger) *QueueNotifier {
	return &QueueNotifier{queue: queue, logger: logger}
}

func (n *QueueNotifier) Notify(ctx context.Context, accountID, title, body string) {
	jobID, err := n.queue.EnqueueSendNotification(accountID, title, body)
	if err != nil {
		n.logger.WarnContext(ctx, "notification dropped", "account_id", accountID, "error", err)
		metrics.Notification("dropped")
		return
	}
	n.logger.DebugContext(ctx, "notification queued", "account_id", accountID, "job_id", jobID)
	metrics.Notification("queued")
}

// NotifyWait queues a notification, waiting for room in the queue until ctx
// is done. The error is non-nil only when the notification was not queued.
func (n *QueueNotifier) NotifyWait(ctx context.Context, accountID, title, body string) error {
	jobID, err := n.queue.EnqueueSendNotificationWait(ctx, accountID, title, body)
	if err != nil {
		n.logger.WarnContext(ctx, "notification dropped", "account_id", accountID, "error", err)
		metrics.Notification("dropped")
		return err
	}
	n.logger.DebugContext(ctx, "notification queued", "account_id", accountID, "job_id", jobID)
	metrics.Notification("queued")
	return nil
}
