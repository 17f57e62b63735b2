// ============================================================================
// Durable Exec - Prometheus metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: collect and expose engine metrics.
//
// Metric families:
//
//   1. Executions
//      - durable_executions_started_total
//      - durable_executions_closed_total{status}
//      - durable_executions_open (gauge)
//
//   2. Work (fed by the dispatcher)
//      - durable_work_scheduled_total{name}
//      - durable_work_recorded_total{name,outcome}
//      - durable_work_queue_wait_seconds (histogram)
//      - durable_work_duration_seconds{name} (histogram)
//      - durable_work_queue_depth (gauge)
//      - durable_timers_fired_total
//
//   3. Replay
//      - durable_drives_total
//      - durable_drive_duration_seconds (histogram)
//      - durable_replay_divergences_total
//      - durable_recovery_time_seconds (gauge)
//
//   4. Messages
//      - durable_messages_total{kind}
//      - durable_updates_rejected_total
//
// The collector registers on the Registerer it is given, so tests and
// several engines in one process never collide on the default registry.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// Collector holds every engine metric. It implements dispatch.Observer and
// executions.Listener.
type Collector struct {
	executionsStarted prometheus.Counter
	executionsClosed  *prometheus.CounterVec
	executionsOpen    prometheus.Gauge

	workScheduled *prometheus.CounterVec
	workRecorded  *prometheus.CounterVec
	queueWait     prometheus.Histogram
	workDuration  *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
	timersFired   prometheus.Counter

	drives        prometheus.Counter
	driveDuration prometheus.Histogram
	divergences   prometheus.Counter
	recoveryTime  prometheus.Gauge

	messages        *prometheus.CounterVec
	updatesRejected prometheus.Counter
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		executionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "durable_executions_started_total",
			Help: "Total number of runs started, including continue-as-new runs",
		}),
		executionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_executions_closed_total",
			Help: "Total number of runs closed, by terminal status",
		}, []string{"status"}),
		executionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "durable_executions_open",
			Help: "Current number of open runs",
		}),
		workScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_work_scheduled_total",
			Help: "Total number of work attempts queued for dispatch",
		}, []string{"name"}),
		workRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_work_recorded_total",
			Help: "Total number of work outcomes recorded, by outcome",
		}, []string{"name", "outcome"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "durable_work_queue_wait_seconds",
			Help:    "Time between scheduling and dispatch of a work attempt",
			Buckets: prometheus.DefBuckets,
		}),
		workDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "durable_work_duration_seconds",
			Help:    "Time between dispatch and recorded outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"name"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "durable_work_queue_depth",
			Help: "Current number of queued work attempts",
		}),
		timersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "durable_timers_fired_total",
			Help: "Total number of durable timers fired",
		}),
		drives: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "durable_drives_total",
			Help: "Total number of replay drives",
		}),
		driveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "durable_drive_duration_seconds",
			Help:    "Duration of one replay drive",
			Buckets: prometheus.DefBuckets,
		}),
		divergences: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "durable_replay_divergences_total",
			Help: "Total number of runs halted by a replay divergence",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "durable_recovery_time_seconds",
			Help: "Time taken by the last startup recovery",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_messages_total",
			Help: "Total number of messages accepted, by kind",
		}, []string{"kind"}),
		updatesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "durable_updates_rejected_total",
			Help: "Total number of updates rejected by their validator",
		}),
	}

	reg.MustRegister(
		c.executionsStarted, c.executionsClosed, c.executionsOpen,
		c.workScheduled, c.workRecorded, c.queueWait, c.workDuration, c.queueDepth, c.timersFired,
		c.drives, c.driveDuration, c.divergences, c.recoveryTime,
		c.messages, c.updatesRejected,
	)
	return c
}

// OnTransition keeps the execution gauges in line with the table.
func (c *Collector) OnTransition(prev types.Status, rec *types.ExecutionRecord) {
	switch {
	case rec.Status == types.StatusRunning && prev == types.StatusContinuedAsNew:
		c.executionsClosed.WithLabelValues(string(types.StatusContinuedAsNew)).Inc()
		c.executionsStarted.Inc()
	case rec.Status == types.StatusRunning && prev != types.StatusRunning:
		c.executionsStarted.Inc()
		c.executionsOpen.Inc()
	case rec.Status.IsTerminal() && prev == types.StatusRunning:
		c.executionsClosed.WithLabelValues(string(rec.Status)).Inc()
		c.executionsOpen.Dec()
	}
}

// SetOpen resets the open gauge, after a snapshot restore.
func (c *Collector) SetOpen(n int) {
	c.executionsOpen.Set(float64(n))
}

func (c *Collector) WorkScheduled(name string) {
	c.workScheduled.WithLabelValues(name).Inc()
}

func (c *Collector) WorkDispatched(_ string, queued time.Duration) {
	c.queueWait.Observe(queued.Seconds())
}

func (c *Collector) WorkRecorded(name string, outcome string, elapsed time.Duration) {
	c.workRecorded.WithLabelValues(name, outcome).Inc()
	if elapsed > 0 {
		c.workDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	}
}

func (c *Collector) QueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

func (c *Collector) TimerFired() {
	c.timersFired.Inc()
}

// RecordDrive counts one drive and its duration.
func (c *Collector) RecordDrive(d time.Duration) {
	c.drives.Inc()
	c.driveDuration.Observe(d.Seconds())
}

// RecordDivergence counts a halted run.
func (c *Collector) RecordDivergence() {
	c.divergences.Inc()
}

// SetRecoveryTime records the duration of the last recovery.
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// RecordMessage counts an accepted signal, query, update or cancel.
func (c *Collector) RecordMessage(kind types.MessageKind) {
	c.messages.WithLabelValues(string(kind)).Inc()
}

// RecordRejected counts an update refused by its validator.
func (c *Collector) RecordRejected() {
	c.updatesRejected.Inc()
}

// Handler serves the metrics of g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx ends.
func StartServer(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
