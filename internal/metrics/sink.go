package metrics

import "time"

// Sink records operational metrics. All methods are fire-and-forget:
// implementations must not block or propagate errors.
type Sink interface {
	// Scheduler
	TickStarted()
	TickCompleted(duration time.Duration, sendsQueued int, err error)
	ScheduleSuppressed()

	// Dispatch queues
	SendCompleted(channel, outcome string, duration time.Duration)
	QueueDepthUpdate(channel string, depth int)

	// Heavyweight jobs
	JobStarted(jobType string)
	JobCompleted(jobType, status string, duration time.Duration)
	JobRejected(jobType string)

	// Storage
	ConnectionStateSet(connected bool)
	ReconnectAttempt(ok bool)
}

// Outcome labels for SendCompleted.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Status labels for JobCompleted.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)
