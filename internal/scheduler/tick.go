package scheduler

import (
	"context"
	"fmt"
	"time"

	"cellarsight/internal/dispatch"
	"cellarsight/internal/eventbus"
	"cellarsight/internal/recurrence"
	"cellarsight/internal/storage"
	"cellarsight/pkg/logx"
)

// Tick runs one evaluation pass. Schedules are processed sequentially to
// bound load on the store and the external APIs; only the dispatch queues
// run concurrently. A whole-pass failure (storage down, schedule load
// failure) defers the next attempt by the retry backoff instead of
// crashing anything.
func (s *Service) Tick(ctx context.Context) {
	if !s.tickBusy.CompareAndSwap(false, true) {
		return
	}
	defer s.tickBusy.Store(false)

	now := s.deps.Clock()

	s.backoffMu.Lock()
	deferred := now.Before(s.backoffUntil)
	s.backoffMu.Unlock()
	if deferred {
		return
	}

	s.deps.Sink.TickStarted()
	start := now
	sends, err := s.runTick(ctx, now)
	s.deps.Sink.TickCompleted(s.deps.Clock().Sub(start), sends, err)

	if err != nil {
		s.mu.Lock()
		backoff := s.cfg.RetryBackoff
		s.mu.Unlock()
		if backoff <= 0 {
			backoff = 5 * time.Minute
		}
		s.backoffMu.Lock()
		s.backoffUntil = s.deps.Clock().Add(backoff)
		s.backoffMu.Unlock()
		if !s.deps.Log.IsZero() {
			s.deps.Log.Error("tick failed; retrying later",
				logx.Any("err", err), logx.Duration("backoff", backoff))
		}
	}
}

func (s *Service) runTick(ctx context.Context, now time.Time) (int, error) {
	store, err := s.deps.Source.Ensure(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	if loc == nil {
		loc = time.UTC
	}

	subs, err := store.ActiveReportSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load report subscriptions: %w", err)
	}
	coaching, err := store.ActiveCoachingConfigs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load coaching configs: %w", err)
	}

	sends := 0
	for _, sub := range subs {
		if s.sendReport(ctx, sub, now, loc) {
			sends++
		}
	}
	for _, cc := range coaching {
		if s.sendCoaching(ctx, cc, now, loc) {
			sends++
		}
	}
	sends += s.sendAnnouncements(ctx, store)
	return sends, nil
}

// sendReport handles one email report subscription. Failures are logged
// and the key is left unmarked so the next due occurrence retries.
func (s *Service) sendReport(ctx context.Context, sub storage.ReportSubscription, now time.Time, loc *time.Location) bool {
	if !recurrence.IsDue(sub.Schedule, now, loc) {
		return false
	}
	key := jobKey(dispatch.ChannelEmail, sub.Recipient, sub.Schedule.Signature())
	if s.deps.Ledger.HasFiredRecently(key) {
		s.deps.Sink.ScheduleSuppressed()
		return false
	}

	subject, body, err := s.deps.Reports.FetchReport(ctx, sub.ReportType, sub.Recipient)
	if err != nil {
		if !s.deps.Log.IsZero() {
			s.deps.Log.Warn("report fetch failed",
				logx.String("key", key), logx.String("report_type", sub.ReportType), logx.Any("err", err))
		}
		return false
	}

	err = s.deps.EmailQueue.Do(ctx, func(opCtx context.Context) error {
		return s.deps.Email.SendEmail(opCtx, sub.Recipient, subject, body)
	})
	if err != nil {
		if !s.deps.Log.IsZero() {
			s.deps.Log.Warn("report email failed", logx.String("key", key), logx.Any("err", err))
		}
		return false
	}
	s.deps.Ledger.MarkFired(key)
	return true
}

// sendCoaching handles one SMS coaching config. Text generation goes
// through the AI queue so the provider's rate limit holds even when many
// staff come due in the same minute.
func (s *Service) sendCoaching(ctx context.Context, cc storage.CoachingConfig, now time.Time, loc *time.Location) bool {
	if !recurrence.IsDue(cc.Schedule, now, loc) {
		return false
	}
	key := jobKey(dispatch.ChannelSMS, cc.StaffName, cc.Schedule.Signature())
	if s.deps.Ledger.HasFiredRecently(key) {
		s.deps.Sink.ScheduleSuppressed()
		return false
	}

	var text string
	err := s.deps.AIGenQueue.Do(ctx, func(opCtx context.Context) error {
		var genErr error
		text, genErr = s.deps.TextGen.Generate(opCtx, cc.StaffName, cc.DashboardPeriod)
		return genErr
	})
	if err != nil {
		if !s.deps.Log.IsZero() {
			s.deps.Log.Warn("coaching text generation failed",
				logx.String("key", key), logx.Any("err", err))
		}
		return false
	}

	err = s.deps.SMSQueue.Do(ctx, func(opCtx context.Context) error {
		return s.deps.SMS.SendSMS(opCtx, cc.Phone, text)
	})
	if err != nil {
		if !s.deps.Log.IsZero() {
			s.deps.Log.Warn("coaching sms failed", logx.String("key", key), logx.Any("err", err))
		}
		return false
	}
	s.deps.Ledger.MarkFired(key)
	return true
}

// sendAnnouncements drains portal-queued one-shot messages. Each
// announcement fans out to its recipients through the batch runner and is
// marked sent only when every recipient succeeded, so partial failures
// retry on the next tick.
func (s *Service) sendAnnouncements(ctx context.Context, store storage.Store) int {
	pending, err := store.PendingAnnouncements(ctx)
	if err != nil {
		if !s.deps.Log.IsZero() {
			s.deps.Log.Warn("announcement load failed", logx.Any("err", err))
		}
		return 0
	}

	sent := 0
	for _, a := range pending {
		var q *dispatch.Queue
		var send func(ctx context.Context, to string) error
		switch a.Channel {
		case dispatch.ChannelSMS:
			q = s.deps.SMSQueue
			body := a.Body
			send = func(ctx context.Context, to string) error { return s.deps.SMS.SendSMS(ctx, to, body) }
		case dispatch.ChannelEmail:
			q = s.deps.EmailQueue
			body := a.Body
			send = func(ctx context.Context, to string) error {
				return s.deps.Email.SendEmail(ctx, to, "Winery announcement", body)
			}
		default:
			if !s.deps.Log.IsZero() {
				s.deps.Log.Warn("announcement has unknown channel",
					logx.String("id", a.ID), logx.String("channel", a.Channel))
			}
			continue
		}

		results := dispatch.RunBatch(ctx, q, a.Recipients, 0,
			func(ctx context.Context, to string) (struct{}, error) {
				return struct{}{}, send(ctx, to)
			})

		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		if failed > 0 {
			if !s.deps.Log.IsZero() {
				s.deps.Log.Warn("announcement partially failed",
					logx.String("id", a.ID), logx.Int("failed", failed), logx.Int("total", len(results)))
			}
			continue
		}
		if err := store.MarkAnnouncementSent(ctx, a.ID, s.deps.Clock()); err != nil {
			if !s.deps.Log.IsZero() {
				s.deps.Log.Warn("announcement mark failed", logx.String("id", a.ID), logx.Any("err", err))
			}
			continue
		}
		if s.deps.Bus != nil {
			s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeAnnouncementSent, Data: a.ID})
		}
		sent++
	}
	return sent
}
