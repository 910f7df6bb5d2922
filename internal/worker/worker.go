package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/geepity/internal/metrics"
)

// Worker runs queued jobs on a fixed pool of goroutines. Jobs live in a
// bounded in-process channel; a failed attempt is re-queued after an
// exponential backoff until it succeeds, fails permanently, or exhausts
// its attempts.
type Worker struct {
	handlers map[string]JobHandler
	config   Config
	logger   *slog.Logger

	queue chan Job

	// mu guards stopped so Enqueue never races Stop.
	mu      sync.RWMutex
	stopped bool

	// Synchronization
	ctx     context.Context
	wg      sync.WaitGroup
	retryWg sync.WaitGroup
	stopCh  chan struct{}
}

// New creates a new Worker with the given configuration.
// The worker must be started with Start() and stopped with Stop().
func New(config Config, logger *slog.Logger) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Worker{
		handlers: make(map[string]JobHandler),
		config:   config,
		logger:   logger,
		queue:    make(chan Job, config.QueueSize),
		ctx:      context.Background(),
		stopCh:   make(chan struct{}),
	}, nil
}

// Register adds a job handler to the worker.
// The handler's Type() must be unique. Call this before Start().
func (w *Worker) Register(handler JobHandler) {
	jobType := handler.Type()
	if _, exists := w.handlers[jobType]; exists {
		w.logger.Warn("Overwriting existing handler", "job_type", jobType)
	}
	w.handlers[jobType] = handler
	w.logger.Debug("Registered job handler", "job_type", jobType)
}

// Start begins processing jobs with the configured number of concurrent
// workers. ctx is the parent of every job context.
func (w *Worker) Start(ctx context.Context) {
	w.ctx = ctx
	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.runWorker(i + 1)
	}

	w.logger.Info("Worker started", "concurrency", w.config.Concurrency, "queue_size", w.config.QueueSize)
}

// Stop rejects new jobs, lets the workers drain what is already queued, and
// waits for them to finish. It respects the configured ShutdownTimeout.
// Pending retries are abandoned.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.retryWg.Wait()
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped gracefully")
	case <-time.After(w.config.ShutdownTimeout):
		w.logger.Warn("Worker shutdown timeout exceeded, some jobs may still be running", "queued", len(w.queue))
	}
}

// push places a job on the queue without blocking.
func (w *Worker) push(job Job) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped {
		return ErrStopped
	}
	select {
	case w.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// pushWait places a job on the queue, blocking until there is room or ctx
// is done. Stop waits for a blocked pushWait to return.
func (w *Worker) pushWait(ctx context.Context, job Job) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped {
		return ErrStopped
	}
	select {
	case w.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedule re-queues a job after delay unless the worker stops first.
func (w *Worker) schedule(job Job, delay time.Duration) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped {
		return ErrStopped
	}

	w.retryWg.Add(1)
	go func() {
		defer w.retryWg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-w.stopCh:
			w.logger.Warn("Dropping scheduled job on shutdown", "job_id", job.ID, "job_type", job.Type, "attempt", job.Attempt)
			metrics.JobDropped(job.Type)
		case <-timer.C:
			if err := w.push(job); err != nil {
				w.logger.Error("Failed to re-queue job", "job_id", job.ID, "job_type", job.Type, "error", err)
				metrics.JobDropped(job.Type)
			}
		}
	}()
	return nil
}

// runWorker is the main loop for a worker goroutine. After stopCh closes
// it drains the remaining queue before returning.
func (w *Worker) runWorker(workerID int) {
	defer w.wg.Done()

	logger := w.logger.With("worker_id", workerID)
	logger.Debug("Worker started")

	for {
		select {
		case job := <-w.queue:
			w.processJob(job, logger)
		case <-w.stopCh:
			for {
				select {
				case job := <-w.queue:
					w.processJob(job, logger)
				default:
					logger.Debug("Worker stopping")
					return
				}
			}
		}
	}
}

// processJob runs one attempt and decides whether to retry.
func (w *Worker) processJob(job Job, logger *slog.Logger) {
	logger = logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempt)
	logger.Debug("Processing job")

	start := time.Now()
	metrics.JobStarted(job.Type)

	err := w.executeJob(job)
	if err == nil {
		metrics.JobCompleted(job.Type, time.Since(start))
		logger.Debug("Job completed", "duration", time.Since(start))
		return
	}

	if IsPermanent(err) || job.Attempt >= job.MaxAttempts {
		metrics.JobFailed(job.Type, time.Since(start))
		logger.Error("Job failed, will not retry", "error", err, "permanent", IsPermanent(err))
		return
	}

	metrics.JobRetried(job.Type)
	job.Attempt++
	delay := w.config.backoff(job.Attempt)
	logger.Warn("Job failed, retrying", "error", err, "retry_in", delay)
	if err := w.schedule(job, delay); err != nil {
		logger.Warn("Job retry abandoned", "error", err)
		metrics.JobDropped(job.Type)
	}
}

// executeJob runs the appropriate handler for the job with a timeout context.
func (w *Worker) executeJob(job Job) (err error) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		// No handler registered - this is a permanent error
		return NewPermanentError(fmt.Errorf("no handler registered for job type: %s", job.Type))
	}

	jobCtx, cancel := context.WithTimeout(w.ctx, w.config.JobTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = NewPermanentError(fmt.Errorf("job panicked: %v", rec))
		}
	}()

	return handler.Handle(jobCtx, job.Payload)
}
