// Package app assembles the scheduler daemon: config, logging, storage,
// dispatch queues, the trigger service and the operational endpoint, plus
// hot-reload fan-out and ordered shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cellarsight/internal/alert"
	"cellarsight/internal/channel"
	"cellarsight/internal/config"
	"cellarsight/internal/dispatch"
	"cellarsight/internal/eventbus"
	"cellarsight/internal/health"
	"cellarsight/internal/ledger"
	"cellarsight/internal/metrics"
	"cellarsight/internal/runtime/supervisor"
	"cellarsight/internal/scheduler"
	"cellarsight/internal/storage"
	"cellarsight/internal/tracker"
	"cellarsight/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry
	sink metrics.Sink

	store   *storage.Manager
	ledger  *ledger.Ledger
	tracker *tracker.Tracker
	alerts  *alert.Notifier

	smsQ   *dispatch.Queue
	emailQ *dispatch.Queue
	aigenQ *dispatch.Queue

	sched  *scheduler.Service
	health *health.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	// Bootstrap logger for load-time problems; replaced once the real log
	// service exists.
	cfgm.SetLogger(logx.NewConsole("info").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(reg, log.With(logx.String("comp", "metrics")))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	storeMgr := storage.NewManager(sc, log.With(logx.String("comp", "storage")), sink, bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	led := ledger.New(schedCfg.SuppressionWindow)

	alerts := alert.New(mapAlertConfig(cfg), log.With(logx.String("comp", "alerts")))

	trackerTimeout, err := mapTrackerTimeout(cfg)
	if err != nil {
		return nil, err
	}
	track := tracker.New(trackerTimeout, log.With(logx.String("comp", "tracker")), sink,
		tracker.WithNotifier(alerts), tracker.WithEventBus(bus))

	di, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	qlog := log.With(logx.String("comp", "dispatch"))
	smsQ := dispatch.New(dispatch.ChannelSMS, di.sms, di.queueSize, qlog, sink)
	emailQ := dispatch.New(dispatch.ChannelEmail, di.email, di.queueSize, qlog, sink)
	aigenQ := dispatch.New(dispatch.ChannelAIGen, di.aigen, di.queueSize, qlog, sink)

	chCfg, err := mapChannelConfig(cfg)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(schedCfg, scheduler.Deps{
		Log:        log.With(logx.String("comp", "scheduler")),
		Sink:       sink,
		Bus:        bus,
		Source:     storeMgr,
		Ledger:     led,
		Tracker:    track,
		Reports:    channel.NewReportAPI(chCfg),
		TextGen:    channel.NewTextGen(chCfg),
		SMS:        channel.NewSMSGateway(chCfg),
		Email:      channel.NewEmailRelay(chCfg),
		SMSQueue:   smsQ,
		EmailQueue: emailQ,
		AIGenQueue: aigenQ,
	})

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		reg:     reg,
		sink:    sink,
		store:   storeMgr,
		ledger:  led,
		tracker: track,
		alerts:  alerts,
		smsQ:    smsQ,
		emailQ:  emailQ,
		aigenQ:  aigenQ,
		sched:   sched,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// Transactional config reload: reject configs whose derived values
	// don't map cleanly before they are committed.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapChannelConfig(cfg); err != nil {
			return err
		}
		if _, err := mapTrackerTimeout(cfg); err != nil {
			return err
		}
		if _, err := mapHealthConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	// The daemon refuses to come up without its database; once running,
	// outages are ridden out by the tick retry loop instead.
	if _, err := a.store.Ensure(a.sup.Context()); err != nil {
		return err
	}

	a.smsQ.Start()
	a.emailQ.Start()
	a.aigenQ.Start()

	if a.sched.Enabled() {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	cfg := a.cfgm.Get()
	hc, err := mapHealthConfig(cfg)
	if err != nil {
		return err
	}
	a.health = health.New(hc, a.log.With(logx.String("comp", "health")),
		a.store, a.tracker, a.sup, a.reg)
	if a.health.Enabled() {
		a.health.Start(a.sup.Context())
	}

	// Operator alerts on storage state transitions. The bus fires degraded
	// on every failed reconnect; alert only on the edge.
	if a.alerts.Enabled() {
		events, unsub := a.bus.Subscribe(64)
		a.sup.Go0("alerts.storage", func(c context.Context) {
			defer unsub()
			degraded := false
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					switch e.Type {
					case eventbus.TypeStoreDegraded:
						if !degraded {
							degraded = true
							msg, _ := e.Data.(string)
							a.alerts.StoreDown(errors.New(msg))
						}
					case eventbus.TypeStoreRecovered:
						degraded = false
					}
				}
			}
		})
	}

	// Event firehose at trace level. Skipped entirely at higher levels so
	// the bus doesn't carry a dead subscriber.
	if a.log.Enabled(logx.LevelTrace) {
		events, unsub := a.bus.Subscribe(64)
		a.sup.Go0("bus.trace", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				}
			}
		})
	}

	// The ledger's key space is bounded by the active schedule count, but
	// deactivated schedules leave entries behind; sweep them out hourly.
	a.sup.Go0("ledger.sweep", func(c context.Context) {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if n := a.ledger.Sweep(); n > 0 {
					a.log.Debug("ledger sweep",
						logx.Int("removed", n),
						logx.Int("remaining", a.ledger.Len()))
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	// The watcher fails when fsnotify loses its descriptor; restart it with
	// backoff instead of taking the process down.
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(250*time.Millisecond, 5*time.Second),
		supervisor.WithPublishFirstError(true),
	)

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated hot-reload into the running components.
// The validator already vetted every mapping, so failures here are logged
// and skipped rather than propagated.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))

	if sc, err := mapStorageConfig(cfg); err == nil {
		a.store.Apply(sc)
	}

	if di, err := mapDispatchConfig(cfg); err == nil {
		a.smsQ.SetMinInterval(di.sms)
		a.emailQ.SetMinInterval(di.email)
		a.aigenQ.SetMinInterval(di.aigen)
	}

	if timeout, err := mapTrackerTimeout(cfg); err == nil {
		a.tracker.SetTimeout(timeout)
	}

	if schedCfg, err := mapSchedulerConfig(cfg); err == nil {
		a.ledger.SetWindow(schedCfg.SuppressionWindow)
		prevEnabled := a.sched.Enabled()
		if err := a.sched.Apply(ctx, schedCfg); err != nil {
			a.log.Warn("scheduler reconfigure failed; triggers stopped", logx.Any("err", err))
		}
		if prevEnabled && !schedCfg.Enabled {
			a.log.Info("scheduler disabled via config")
		} else if !prevEnabled && schedCfg.Enabled {
			a.log.Info("scheduler enabled via config")
		}
	}

	if a.health != nil {
		if hc, err := mapHealthConfig(cfg); err == nil {
			a.health.Reconfigure(ctx, hc)
		}
	}

	// Alert bot and channel endpoints are bound at startup.
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded})
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Helper: run a shutdown step with an upper bound so one component
	// can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Triggers first so no new work starts, then drain running jobs.
	step("scheduler", 3*time.Second, func(c context.Context) error { return a.sched.Stop(c) })
	step("jobs.drain", 30*time.Second, func(c context.Context) error { return a.drainJobs(c) })
	step("queues", 5*time.Second, func(c context.Context) error {
		var errs []error
		for _, q := range []*dispatch.Queue{a.smsQ, a.emailQ, a.aigenQ} {
			if err := q.Stop(c); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", q.Name(), err))
			}
		}
		return errors.Join(errs...)
	})
	step("health", time.Second, func(c context.Context) error {
		if a.health != nil {
			a.health.Stop(c)
		}
		return nil
	})
	step("storage", 2*time.Second, func(c context.Context) error { return a.store.Close(c) })

	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Stop(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// drainJobs waits for in-flight heavyweight jobs. Jobs that outlive the
// deadline keep running until their own timeout; their job-log rows are
// finished by the tracker.
func (a *App) drainJobs(ctx context.Context) error {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		n := a.tracker.RunningCount()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			a.log.Warn("jobs still running at shutdown",
				logx.Int("count", n), logx.Any("jobs", a.tracker.Running()))
			return nil
		case <-t.C:
		}
	}
}
