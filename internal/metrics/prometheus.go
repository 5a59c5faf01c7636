package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cellarsight/pkg/logx"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	log logx.Logger

	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	sendsQueued     prometheus.Counter
	tickDuration    prometheus.Histogram
	suppressedTotal prometheus.Counter

	sendsTotal   *prometheus.CounterVec
	sendDuration *prometheus.HistogramVec
	queueDepth   *prometheus.GaugeVec

	jobsStarted  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobsRejected *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec

	dbConnected prometheus.Gauge
	reconnects  *prometheus.CounterVec
}

func NewPrometheusSink(reg prometheus.Registerer, log logx.Logger) *PrometheusSink {
	s := &PrometheusSink{log: log}

	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cellarsight_scheduler_ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cellarsight_scheduler_tick_errors_total",
		Help: "Total number of whole-tick failures.",
	})
	s.sendsQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cellarsight_scheduler_sends_queued_total",
		Help: "Total number of due schedules handed to a dispatch queue.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cellarsight_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.suppressedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cellarsight_scheduler_suppressed_total",
		Help: "Due evaluations suppressed by the execution ledger.",
	})

	s.sendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellarsight_dispatch_sends_total",
		Help: "Completed dispatch operations per channel and outcome.",
	}, []string{"channel", "outcome"})
	s.sendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cellarsight_dispatch_send_duration_seconds",
		Help:    "Dispatch operation latency in seconds (excludes queue wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"channel"})
	s.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cellarsight_dispatch_queue_depth",
		Help: "Operations waiting in each dispatch queue.",
	}, []string{"channel"})

	s.jobsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellarsight_jobs_started_total",
		Help: "Heavyweight job starts per job type.",
	}, []string{"job_type"})
	s.jobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellarsight_jobs_finished_total",
		Help: "Heavyweight job terminal states per job type and status.",
	}, []string{"job_type", "status"})
	s.jobsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellarsight_jobs_rejected_total",
		Help: "Heavyweight job starts rejected by the reentrancy guard.",
	}, []string{"job_type"})
	s.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cellarsight_job_duration_seconds",
		Help:    "Heavyweight job execution time in seconds.",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
	}, []string{"job_type"})

	s.dbConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cellarsight_storage_connected",
		Help: "1 when the shared storage connection is healthy.",
	})
	s.reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellarsight_storage_reconnect_attempts_total",
		Help: "Storage reconnect attempts by result.",
	}, []string{"result"})

	for _, c := range []prometheus.Collector{
		s.ticksTotal, s.tickErrorsTotal, s.sendsQueued, s.tickDuration, s.suppressedTotal,
		s.sendsTotal, s.sendDuration, s.queueDepth,
		s.jobsStarted, s.jobsFinished, s.jobsRejected, s.jobDuration,
		s.dbConnected, s.reconnects,
	} {
		if err := reg.Register(c); err != nil {
			if !s.log.IsZero() {
				s.log.Warn("metric registration failed", logx.Any("err", err))
			}
		}
	}
	return s
}

func (s *PrometheusSink) TickStarted() { s.ticksTotal.Inc() }

func (s *PrometheusSink) TickCompleted(duration time.Duration, sends int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.sendsQueued.Add(float64(sends))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) ScheduleSuppressed() { s.suppressedTotal.Inc() }

func (s *PrometheusSink) SendCompleted(channel, outcome string, d time.Duration) {
	s.sendsTotal.WithLabelValues(channel, outcome).Inc()
	s.sendDuration.WithLabelValues(channel).Observe(d.Seconds())
}

func (s *PrometheusSink) QueueDepthUpdate(channel string, depth int) {
	s.queueDepth.WithLabelValues(channel).Set(float64(depth))
}

func (s *PrometheusSink) JobStarted(jobType string) {
	s.jobsStarted.WithLabelValues(jobType).Inc()
}

func (s *PrometheusSink) JobCompleted(jobType, status string, d time.Duration) {
	s.jobsFinished.WithLabelValues(jobType, status).Inc()
	s.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (s *PrometheusSink) JobRejected(jobType string) {
	s.jobsRejected.WithLabelValues(jobType).Inc()
}

func (s *PrometheusSink) ConnectionStateSet(connected bool) {
	if connected {
		s.dbConnected.Set(1)
	} else {
		s.dbConnected.Set(0)
	}
}

func (s *PrometheusSink) ReconnectAttempt(ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	s.reconnects.WithLabelValues(result).Inc()
}

// Verify PrometheusSink implements Sink.
var _ Sink = (*PrometheusSink)(nil)
