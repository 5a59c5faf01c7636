// Package scheduler is the orchestrating driver: fixed daily triggers for
// heavyweight jobs and a frequent tick that evaluates every active
// recurrence rule and hands due work to the dispatch queues.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"cellarsight/internal/metrics"
	"cellarsight/pkg/logx"
)

type Service struct {
	deps   Deps
	parser cron.Parser

	mu       sync.Mutex
	cfg      Config
	loc      *time.Location
	c        *cron.Cron
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopDone chan struct{}

	// tickBusy keeps a slow pass from overlapping the next timer fire.
	tickBusy atomic.Bool

	backoffMu    sync.Mutex
	backoffUntil time.Time
}

func New(cfg Config, deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Sink == nil {
		deps.Sink = metrics.NewNoopSink()
	}
	return &Service{
		deps:   deps,
		cfg:    cfg,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	if !s.cfg.Enabled {
		return nil
	}

	loc := time.UTC
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler timezone: %w", err)
		}
		loc = l
	}
	s.loc = loc

	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	tick := s.cfg.TickInterval
	if tick <= 0 {
		tick = 10 * time.Second
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", tick), func() { s.Tick(s.runCtx) }); err != nil {
		s.teardownLocked()
		return fmt.Errorf("register tick: %w", err)
	}

	for _, job := range s.cfg.Jobs {
		job := job
		spec, err := dailySpec(job.Time)
		if err != nil {
			s.teardownLocked()
			return fmt.Errorf("job %s: %w", job.Name, err)
		}
		if _, err := c.AddFunc(spec, func() { s.runFixed(s.runCtx, job) }); err != nil {
			s.teardownLocked()
			return fmt.Errorf("register job %s: %w", job.Name, err)
		}
	}

	s.c = c
	c.Start()
	if !s.deps.Log.IsZero() {
		s.deps.Log.Info("scheduler started",
			logx.String("tz", loc.String()),
			logx.Duration("tick", tick),
			logx.Int("fixed_jobs", len(s.cfg.Jobs)),
		)
	}
	go s.waitStop(c, s.stopCh, s.stopDone)
	return nil
}

func (s *Service) waitStop(c *cron.Cron, stopCh, stopDone chan struct{}) {
	<-stopCh
	ctx := c.Stop()
	// Let in-flight cron callbacks finish before reporting done.
	<-ctx.Done()
	close(stopDone)
}

// Stop halts the triggers. In-flight heavyweight jobs are drained by the
// lifecycle controller, not here.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	stopCh, stopDone := s.stopCh, s.stopDone
	s.stopCh = nil
	cancel := s.cancel
	s.mu.Unlock()

	close(stopCh)
	select {
	case <-stopDone:
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
	cancel()
	return nil
}

// Apply restarts the trigger wiring with the new config. The ledger and
// queues live outside the service and are reconfigured by the caller.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return s.Start(ctx)
}

func (s *Service) teardownLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	s.runCtx, s.cancel = nil, nil
	s.stopCh, s.stopDone = nil, nil
	s.c = nil
}

func (s *Service) runFixed(ctx context.Context, job FixedJob) {
	store, err := s.deps.Source.Ensure(ctx)
	if err != nil {
		if !s.deps.Log.IsZero() {
			s.deps.Log.Error("fixed job skipped; storage unavailable",
				logx.String("job_type", job.Name), logx.Any("err", err))
		}
		return
	}
	// ErrAlreadyRunning and body failures are logged by the tracker.
	_ = s.deps.Tracker.Run(ctx, store, job.Name, job.Body)
}

// dailySpec converts "HH:MM" to a five-field cron spec.
func dailySpec(hhmm string) (string, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return "", fmt.Errorf("invalid time %q (want HH:MM)", hhmm)
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}
