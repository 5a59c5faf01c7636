// Package tracker guards heavyweight jobs: a reentrancy check per job type,
// a hard execution timeout, and a persisted job log entry that moves from
// running to exactly one terminal state.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cellarsight/internal/eventbus"
	"cellarsight/internal/metrics"
	"cellarsight/internal/storage"
	"cellarsight/pkg/logx"
)

var ErrAlreadyRunning = errors.New("tracker: job already running")

// FailureNotifier receives best-effort failure alerts.
type FailureNotifier interface {
	JobFailed(jobType string, took time.Duration, err error)
}

// Body is a heavyweight job's work. It reports whether it produced data.
type Body func(ctx context.Context) (dataGenerated bool, err error)

type Option func(*Tracker)

func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

func WithNotifier(n FailureNotifier) Option {
	return func(t *Tracker) { t.notifier = n }
}

func WithEventBus(bus eventbus.Bus) Option {
	return func(t *Tracker) { t.bus = bus }
}

type Tracker struct {
	log      logx.Logger
	sink     metrics.Sink
	bus      eventbus.Bus
	notifier FailureNotifier
	timeout  time.Duration
	clock    func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

func New(timeout time.Duration, log logx.Logger, sink metrics.Sink, opts ...Option) *Tracker {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	t := &Tracker{
		log:     log,
		sink:    sink,
		timeout: timeout,
		clock:   time.Now,
		running: map[string]struct{}{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// SetTimeout updates the hard timeout for future runs.
func (t *Tracker) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.timeout = d
	t.mu.Unlock()
}

// Running returns the job types currently executing.
func (t *Tracker) Running() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.running))
	for k := range t.running {
		out = append(out, k)
	}
	return out
}

func (t *Tracker) RunningCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}

// Run executes body for jobType. A second call for the same type while one
// is in flight returns ErrAlreadyRunning immediately; distinct types may
// overlap. The job log entry transitions running -> terminal exactly once.
func (t *Tracker) Run(ctx context.Context, store storage.Store, jobType string, body Body) error {
	t.mu.Lock()
	if _, busy := t.running[jobType]; busy {
		t.mu.Unlock()
		t.sink.JobRejected(jobType)
		if !t.log.IsZero() {
			t.log.Warn("job already running; skipping", logx.String("job_type", jobType))
		}
		return ErrAlreadyRunning
	}
	t.running[jobType] = struct{}{}
	timeout := t.timeout
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.running, jobType)
		t.mu.Unlock()
	}()

	start := t.clock()
	logID, err := store.CreateJobLog(ctx, jobType, start)
	if err != nil {
		return fmt.Errorf("create job log: %w", err)
	}

	t.sink.JobStarted(jobType)
	if t.bus != nil {
		t.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStarted, Data: jobType})
	}
	if !t.log.IsZero() {
		t.log.Info("job started", logx.String("job_type", jobType), logx.String("log_id", logID))
	}

	jctx, cancel := context.WithTimeout(ctx, timeout)
	dataGenerated, runErr := runBody(jctx, body)
	cancel()

	end := t.clock()
	took := end.Sub(start)

	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) {
			runErr = fmt.Errorf("timed out after %s", timeout)
		}
		if ferr := store.FinishJobLog(ctx, logID, storage.JobFailed, end, took, runErr.Error(), false); ferr != nil && !t.log.IsZero() {
			t.log.Error("job log update failed", logx.String("log_id", logID), logx.Any("err", ferr))
		}
		t.sink.JobCompleted(jobType, metrics.StatusFailed, took)
		if t.bus != nil {
			t.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Data: jobType})
		}
		if !t.log.IsZero() {
			t.log.Error("job failed", logx.String("job_type", jobType), logx.Duration("took", took), logx.Any("err", runErr))
		}
		// Alert failures must not touch tracking state.
		if t.notifier != nil {
			t.notifier.JobFailed(jobType, took, runErr)
		}
		return runErr
	}

	if ferr := store.FinishJobLog(ctx, logID, storage.JobCompleted, end, took, "", dataGenerated); ferr != nil && !t.log.IsZero() {
		t.log.Error("job log update failed", logx.String("log_id", logID), logx.Any("err", ferr))
	}
	t.sink.JobCompleted(jobType, metrics.StatusCompleted, took)
	if t.bus != nil {
		t.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFinished, Data: jobType})
	}
	if !t.log.IsZero() {
		t.log.Info("job completed", logx.String("job_type", jobType), logx.Duration("took", took), logx.Bool("data_generated", dataGenerated))
	}
	return nil
}

func runBody(ctx context.Context, body Body) (bool, error) {
	type result struct {
		data bool
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- result{err: fmt.Errorf("job panicked: %v", r)}
			}
		}()
		data, err := body(ctx)
		resCh <- result{data: data, err: err}
	}()

	select {
	case r := <-resCh:
		return r.data, r.err
	case <-ctx.Done():
		// The body is expected to honor ctx; we stop waiting regardless so a
		// stuck job cannot hold the reentrancy slot past the hard timeout.
		return false, ctx.Err()
	}
}
