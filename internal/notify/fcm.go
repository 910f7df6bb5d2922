package notify

import (
	"context"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
)

// AndroidChannelID is the notification channel the mobile app registers
// for usage alerts.
const AndroidChannelID = "usage_alerts"

// messagingClient is the subset of *messaging.Client FCMSender uses.
type messagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSender sends notifications through Firebase Cloud Messaging.
type FCMSender struct {
	client messagingClient
	logger *slog.Logger
}

var _ Sender = (*FCMSender)(nil)

// NewFCMSender initializes a Firebase app for projectID with application
// default credentials (GOOGLE_APPLICATION_CREDENTIALS).
func NewFCMSender(ctx context.Context, projectID string, logger *slog.Logger) (*FCMSender, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase messaging: %w", err)
	}
	return &FCMSender{client: client, logger: logger}, nil
}

func (s *FCMSender) Send(ctx context.Context, token, title, body string) error {
	msg := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Android: &messaging.AndroidConfig{
			Notification: &messaging.AndroidNotification{
				ChannelID: AndroidChannelID,
			},
		},
	}

	id, err := s.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) {
			return fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return fmt.Errorf("fcm send: %w", err)
	}

	s.logger.DebugContext(ctx, "push notification sent", "message_id", id)
	return nil
}
