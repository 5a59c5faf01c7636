package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (n *NoopSink) TickStarted() {}

func (n *NoopSink) TickCompleted(duration time.Duration, sends int, err error) {}

func (n *NoopSink) ScheduleSuppressed() {}

func (n *NoopSink) SendCompleted(channel, outcome string, d time.Duration) {}

func (n *NoopSink) QueueDepthUpdate(channel string, depth int) {}

func (n *NoopSink) JobStarted(jobType string) {}

func (n *NoopSink) JobCompleted(jobType, status string, d time.Duration) {}

func (n *NoopSink) JobRejected(jobType string) {}

func (n *NoopSink) ConnectionStateSet(connected bool) {}

func (n *NoopSink) ReconnectAttempt(ok bool) {}

// Verify NoopSink implements Sink.
var _ Sink = (*NoopSink)(nil)
