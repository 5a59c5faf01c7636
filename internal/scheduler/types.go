package scheduler

import (
	"context"
	"time"

	"cellarsight/internal/dispatch"
	"cellarsight/internal/eventbus"
	"cellarsight/internal/ledger"
	"cellarsight/internal/metrics"
	"cellarsight/internal/storage"
	"cellarsight/internal/tracker"
	"cellarsight/pkg/logx"
)

type Config struct {
	Enabled           bool
	Timezone          string
	TickInterval      time.Duration
	SuppressionWindow time.Duration
	RetryBackoff      time.Duration
	Jobs              []FixedJob
}

// FixedJob is a daily trigger for one heavyweight job type.
type FixedJob struct {
	Name string
	Time string // "HH:MM" in the scheduler timezone
	Body tracker.Body
}

// ConnectionSource yields the shared store, reconnecting when needed.
type ConnectionSource interface {
	Ensure(ctx context.Context) (storage.Store, error)
}

// ReportProvider fetches rendered report content. The analytics behind it
// is an external collaborator.
type ReportProvider interface {
	FetchReport(ctx context.Context, reportType, recipient string) (subject, body string, err error)
}

// TextGenerator produces coaching or announcement copy.
type TextGenerator interface {
	Generate(ctx context.Context, subject, period string) (string, error)
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Deps are the collaborators the driver orchestrates. Queues pace each
// outbound channel; the driver itself never sleeps between sends.
type Deps struct {
	Log     logx.Logger
	Sink    metrics.Sink
	Bus     eventbus.Bus
	Source  ConnectionSource
	Ledger  *ledger.Ledger
	Tracker *tracker.Tracker

	Reports ReportProvider
	TextGen TextGenerator
	SMS     SMSSender
	Email   EmailSender

	SMSQueue   *dispatch.Queue
	EmailQueue *dispatch.Queue
	AIGenQueue *dispatch.Queue

	// Clock defaults to time.Now. Tests inject a fixed instant.
	Clock func() time.Time
}

// jobKey builds the dedup identity for one logical recurring job.
func jobKey(channel, subject, signature string) string {
	return channel + "_" + subject + "_" + signature
}
