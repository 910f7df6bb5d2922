package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Job type constants - these must match the JobHandler.Type() values
const (
	JobTypeSendNotification = "send_notification"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue buffer is full.
	ErrQueueFull = errors.New("job queue is full")

	// ErrStopped is returned by Enqueue after Stop has been called.
	ErrStopped = errors.New("worker is stopped")
)

// SendNotificationPayload is the payload for push notification jobs.
type SendNotificationPayload struct {
	AccountID string `json:"account_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

// Job is one unit of queued work.
type Job struct {
	ID          uuid.UUID
	Type        string
	Payload     []byte
	Attempt     int
	MaxAttempts int
}

// EnqueueOption is a functional option for customizing job enqueue parameters.
type EnqueueOption func(*enqueueParams)

type enqueueParams struct {
	maxAttempts int
}

// WithMaxAttempts sets the maximum number of attempts.
func WithMaxAttempts(attempts int) EnqueueOption {
	return func(p *enqueueParams) {
		p.maxAttempts = attempts
	}
}

// Enqueue marshals payload and queues a job without blocking. It returns
// ErrQueueFull when the buffer is full and ErrStopped after Stop.
func (w *Worker) Enqueue(jobType string, payload interface{}, opts ...EnqueueOption) (uuid.UUID, error) {
	job, err := w.newJob(jobType, payload, opts)
	if err != nil {
		return uuid.Nil, err
	}
	if err := w.push(job); err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

// EnqueueWait is like Enqueue but waits for room in the queue until ctx is
// done. Use it for bulk producers that must not drop jobs.
func (w *Worker) EnqueueWait(ctx context.Context, jobType string, payload interface{}, opts ...EnqueueOption) (uuid.UUID, error) {
	job, err := w.newJob(jobType, payload, opts)
	if err != nil {
		return uuid.Nil, err
	}
	if err := w.pushWait(ctx, job); err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

func (w *Worker) newJob(jobType string, payload interface{}, opts []EnqueueOption) (Job, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	params := enqueueParams{maxAttempts: w.config.MaxAttempts}
	for _, opt := range opts {
		opt(&params)
	}

	return Job{
		ID:          uuid.New(),
		Type:        jobType,
		Payload:     payloadJSON,
		Attempt:     1,
		MaxAttempts: params.maxAttempts,
	}, nil
}

// EnqueueSendNotification queues a push notification for an account.
func (w *Worker) EnqueueSendNotification(accountID, title, body string, opts ...EnqueueOption) (uuid.UUID, error) {
	return w.Enqueue(JobTypeSendNotification, notificationPayload(accountID, title, body), opts...)
}

// EnqueueSendNotificationWait queues a push notification, waiting for room
// in the queue until ctx is done.
func (w *Worker) EnqueueSendNotificationWait(ctx context.Context, accountID, title, body string, opts ...EnqueueOption) (uuid.UUID, error) {
	return w.EnqueueWait(ctx, JobTypeSendNotification, notificationPayload(accountID, title, body), opts...)
}

func notificationPayload(accountID, title, body string) SendNotificationPayload {
	return SendNotificationPayload{
		AccountID: accountID,
		Title:     title,
		Body:      body,
	}
}
