package metrics

import "time"

// JobStarted records a job entering execution.
func JobStarted(jobType string) {
	JobsInFlight.Inc()
}

// JobCompleted records a successful job completion
func JobCompleted(jobType string, duration time.Duration) {
	JobsInFlight.Dec()
	JobsTotal.WithLabelValues(jobType, "completed").Inc()
	JobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// JobFailed records a job that will not be retried.
func JobFailed(jobType string, duration time.Duration) {
	JobsInFlight.Dec()
	JobsTotal.WithLabelValues(jobType, "failed").Inc()
	JobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// JobRetried records a failed attempt that was rescheduled.
func JobRetried(jobType string) {
	JobsInFlight.Dec()
	JobRetriesTotal.WithLabelValues(jobType).Inc()
}

// JobDropped records a queued job that was discarded without running.
func JobDropped(jobType string) {
	JobsTotal.WithLabelValues(jobType, "dropped").Inc()
}
