package worker

import (
	"fmt"
	"time"
)

// Config holds the configuration for the background job worker.
type Config struct {
	// Concurrency is the number of worker goroutines to run in parallel.
	// Default: 2
	Concurrency int

	// QueueSize bounds the number of jobs waiting to run. Enqueue fails with
	// ErrQueueFull once the buffer is full.
	// Default: 256
	QueueSize int

	// JobTimeout is the maximum time a single attempt is allowed to run.
	// If an attempt exceeds this timeout, its context is canceled.
	// Default: 10 seconds
	JobTimeout time.Duration

	// ShutdownTimeout is how long Stop waits for queued and running jobs.
	// Default: 30 seconds
	ShutdownTimeout time.Duration

	// MaxAttempts is the default number of attempts per job, including the first.
	// Default: 3
	MaxAttempts int

	// RetryBaseDelay is the backoff before the second attempt. Each later
	// attempt doubles it.
	// Default: 2 seconds
	RetryBaseDelay time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Concurrency:     2,
		QueueSize:       256,
		JobTimeout:      10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		MaxAttempts:     3,
		RetryBaseDelay:  2 * time.Second,
	}
}

// Validate checks if the configuration is valid.
// Returns an error if any values are invalid.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Concurrency > 100 {
		return fmt.Errorf("concurrency too high (max 100), got %d", c.Concurrency)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1, got %d", c.QueueSize)
	}
	if c.JobTimeout < 1*time.Second {
		return fmt.Errorf("job timeout must be at least 1 second, got %v", c.JobTimeout)
	}
	if c.ShutdownTimeout < 1*time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second, got %v", c.ShutdownTimeout)
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > 10 {
		return fmt.Errorf("max attempts must be between 1 and 10, got %d", c.MaxAttempts)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be positive, got %v", c.RetryBaseDelay)
	}
	return nil
}

// backoff returns the delay before the given attempt (2 or later).
func (c Config) backoff(attempt int) time.Duration {
	return c.RetryBaseDelay * time.Duration(1<<(attempt-2))
}
