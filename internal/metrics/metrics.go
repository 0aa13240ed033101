// Package metrics holds the prometheus collectors of a scheduler process.
//
// All methods are nil-safe so components can run without metrics wired in.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "jobsched"

const (
	labelName    = "name"
	labelOutcome = "outcome"
	labelReason  = "reason"
	labelState   = "state"

	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
)

// Metrics owns a private registry so several schedulers (tests, embedded use)
// never collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	skipped    *prometheus.CounterVec
	inFlight   prometheus.Gauge
	slots      prometheus.Gauge

	polls        prometheus.Counter
	pollErrors   prometheus.Counter
	pollDuration prometheus.Histogram
	dispatched   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "executions_total",
			Help:      "Count of finished job executions by name and outcome.",
		}, []string{labelName, labelOutcome}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Histogram of handler run time.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{labelName}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "skipped_total",
			Help:      "Count of due jobs a poll pass did not run, by reason.",
		}, []string{labelName, labelReason}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "in_flight",
			Help:      "Executions currently holding a pool slot.",
		}),
		slots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "slots",
			Help:      "Configured size of the execution pool.",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "polls_total",
			Help:      "Count of poll passes.",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "poll_errors_total",
			Help:      "Count of poll passes aborted by a store error.",
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "poll_duration_seconds",
			Help:      "Histogram of poll pass duration.",
			Buckets:   prometheus.DefBuckets,
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "dispatched_total",
			Help:      "Count of jobs claimed and handed to the pool.",
		}),
	}
	m.reg.MustRegister(
		m.executions, m.duration, m.skipped, m.inFlight, m.slots,
		m.polls, m.pollErrors, m.pollDuration, m.dispatched,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is what the HTTP handler gathers from.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ObserveExecution(name, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(name, outcome).Inc()
	m.duration.WithLabelValues(name).Observe(took.Seconds())
}

func (m *Metrics) Skipped(name, reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(name, reason).Inc()
}

func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

func (m *Metrics) SetSlots(n int) {
	if m == nil {
		return
	}
	m.slots.Set(float64(n))
}

func (m *Metrics) ObservePoll(took time.Duration, dispatched int, err error) {
	if m == nil {
		return
	}
	m.polls.Inc()
	m.pollDuration.Observe(took.Seconds())
	if err != nil {
		m.pollErrors.Inc()
	}
	if dispatched > 0 {
		m.dispatched.Add(float64(dispatched))
	}
}

// JobCounts is the store-wide breakdown exported as jobsched_jobs{state}.
type JobCounts struct {
	Total     int64
	Scheduled int64
	Queued    int64
	Completed int64
	Failed    int64
}

// CountsFunc reads JobCounts from the store at scrape time.
type CountsFunc func(ctx context.Context) (JobCounts, error)

// RegisterCounts exports fn as gauges. Scrapes that fail report nothing for the family.
func (m *Metrics) RegisterCounts(fn CountsFunc, timeout time.Duration) error {
	if m == nil || fn == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return m.reg.Register(&countsCollector{
		fn:      fn,
		timeout: timeout,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs"),
			"Jobs in the store by state.",
			[]string{labelState}, nil,
		),
	})
}

type countsCollector struct {
	fn      CountsFunc
	timeout time.Duration
	desc    *prometheus.Desc
}

func (c *countsCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *countsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	counts, err := c.fn(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for _, kv := range []struct {
		state string
		v     int64
	}{
		{"total", counts.Total},
		{"scheduled", counts.Scheduled},
		{"queued", counts.Queued},
		{"completed", counts.Completed},
		{"failed", counts.Failed},
	} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(kv.v), kv.state)
	}
}
