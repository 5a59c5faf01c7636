// Package dispatch provides bounded-rate, strictly serial work queues for
// outbound channels. Each queue paces operation starts with a minimum
// interval and never runs two operations concurrently.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cellarsight/internal/metrics"
	"cellarsight/pkg/logx"
)

var ErrQueueClosed = errors.New("dispatch: queue closed")

// Well-known channel names.
const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
	ChannelAIGen = "aigen"
)

type op struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error // nil for fire-and-forget ops
}

// Queue executes submitted operations one at a time, in submission order,
// with at least the configured interval between consecutive starts.
// Operation failures are reported to the submitter only; the queue keeps
// processing subsequent operations.
type Queue struct {
	name string
	log  logx.Logger
	sink metrics.Sink

	limiter *rate.Limiter
	ops     chan op

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	stopDone  chan struct{}
}

func New(name string, minInterval time.Duration, queueSize int, log logx.Logger, sink metrics.Sink) *Queue {
	if queueSize <= 0 {
		queueSize = 256
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	var lim rate.Limit = rate.Inf
	if minInterval > 0 {
		lim = rate.Every(minInterval)
	}
	return &Queue{
		name:     name,
		log:      log.With(logx.String("queue", name)),
		sink:     sink,
		limiter:  rate.NewLimiter(lim, 1),
		ops:      make(chan op, queueSize),
		stopCh:   make(chan struct{}),
		stopDone: make(chan struct{}),
	}
}

func (q *Queue) Name() string { return q.name }

// SetMinInterval adjusts pacing. Applied on config reload; already queued
// operations observe the new spacing.
func (q *Queue) SetMinInterval(minInterval time.Duration) {
	if minInterval > 0 {
		q.limiter.SetLimit(rate.Every(minInterval))
	} else {
		q.limiter.SetLimit(rate.Inf)
	}
}

func (q *Queue) Start() {
	q.startOnce.Do(func() {
		go q.run()
	})
}

// Stop drains nothing: queued but unstarted operations fail with
// ErrQueueClosed. The operation in flight, if any, finishes first.
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stopCh) })
	select {
	case <-q.stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do submits fn and blocks until it has run, returning fn's error.
// The gap between the starts of consecutive operations on the same queue is
// never less than the configured interval.
func (q *Queue) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case q.ops <- op{ctx: ctx, fn: fn, done: done}:
	case <-q.stopCh:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	q.sink.QueueDepthUpdate(q.name, len(q.ops))

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The op may still run; its result is discarded.
		return ctx.Err()
	case <-q.stopDone:
		// Worker exited. The op was either rejected (done is buffered) or
		// raced past the drain and will never run.
		select {
		case err := <-done:
			return err
		default:
			return ErrQueueClosed
		}
	}
}

// Enqueue submits fn without waiting for its result. Failures are logged.
func (q *Queue) Enqueue(fn func(ctx context.Context) error) error {
	select {
	case q.ops <- op{ctx: context.Background(), fn: fn}:
		q.sink.QueueDepthUpdate(q.name, len(q.ops))
		return nil
	case <-q.stopCh:
		return ErrQueueClosed
	}
}

func (q *Queue) run() {
	defer close(q.stopDone)
	for {
		select {
		case <-q.stopCh:
			q.reject()
			return
		case o := <-q.ops:
			q.exec(o)
			q.sink.QueueDepthUpdate(q.name, len(q.ops))
		}
	}
}

func (q *Queue) exec(o op) {
	// Pacing gate. Counts from the previous operation's start, so slow
	// operations do not stretch the spacing beyond the interval.
	if err := q.waitTurn(o.ctx); err != nil {
		if o.done != nil {
			o.done <- err
		}
		return
	}

	start := time.Now()
	err := runOp(o)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailed
		if !q.log.IsZero() {
			q.log.Warn("dispatch operation failed", logx.Any("err", err))
		}
	}
	q.sink.SendCompleted(q.name, outcome, time.Since(start))
	if o.done != nil {
		o.done <- err
	}
}

func (q *Queue) waitTurn(ctx context.Context) error {
	// Also abort the wait when the queue is stopped.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.stopCh:
			cancel()
		case <-wctx.Done():
		}
	}()
	if err := q.limiter.Wait(wctx); err != nil {
		select {
		case <-q.stopCh:
			return ErrQueueClosed
		default:
			return err
		}
	}
	return nil
}

func runOp(o op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: operation panicked: %v", r)
		}
	}()
	return o.fn(o.ctx)
}

func (q *Queue) reject() {
	for {
		select {
		case o := <-q.ops:
			if o.done != nil {
				o.done <- ErrQueueClosed
			}
		default:
			return
		}
	}
}
