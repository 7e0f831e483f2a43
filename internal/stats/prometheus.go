package stats

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sensorwatch/internal/errs"
)

var connectionStates = []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "RECOVERING", "CLOSED"}

// Prometheus exports the events as Prometheus collectors registered on the
// given registerer.
type Prometheus struct {
	received      prometheus.Counter
	accepted      *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	queueDropped  prometheus.Counter
	persisted     prometheus.Counter
	persistFailed prometheus.Counter

	state              *prometheus.GaugeVec
	reconnectAttempts  *prometheus.CounterVec
	reconnectDelay     prometheus.Gauge
	reconnectExhausted prometheus.Counter

	evaluated    *prometheus.CounterVec
	dispatched   *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	ticksSkipped prometheus.Counter
	tickDuration prometheus.Summary
	tickDue      prometheus.Gauge
}

var _ Metrics = (*Prometheus)(nil)

// NewPrometheus creates and registers the collectors under namespace.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	p := &Prometheus{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "messages_received_total",
			Help: "Messages delivered by the broker.",
		}),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "messages_accepted_total",
			Help: "Messages that passed validation, by action code.",
		}, []string{"actcode"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "messages_rejected_total",
			Help: "Messages dropped by the pipeline, by error kind and stage.",
		}, []string{"kind", "stage", "reason"}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "queue_dropped_total",
			Help: "Readings dropped because the work queue was full.",
		}),
		persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "readings_persisted_total",
			Help: "Readings written to storage.",
		}),
		persistFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "readings_persist_failed_total",
			Help: "Readings that failed to persist.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mqtt", Name: "connection_state",
			Help: "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mqtt", Name: "reconnect_attempts_total",
			Help: "Reconnect attempts, by attempt number.",
		}, []string{"attempt"}),
		reconnectDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mqtt", Name: "reconnect_delay_seconds",
			Help: "Delay before the most recent reconnect attempt.",
		}),
		reconnectExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mqtt", Name: "reconnect_exhausted_total",
			Help: "Times the reconnect ceiling was reached.",
		}),
		evaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alarm", Name: "evaluations_total",
			Help: "Alarm evaluations, by type and outcome.",
		}, []string{"type", "fired"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alarm", Name: "notifications_total",
			Help: "Notification dispatch results, by type and outcome.",
		}, []string{"type", "success"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alarm", Name: "dead_lettered_total",
			Help: "Pending notifications dropped after too many failed dispatches.",
		}, []string{"type"}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alarm", Name: "ticks_skipped_total",
			Help: "Scheduler ticks skipped because the previous tick was still running.",
		}),
		tickDuration: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace: namespace, Subsystem: "alarm", Name: "tick_duration_seconds",
			Help: "Duration of scheduler ticks.",
		}),
		tickDue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "alarm", Name: "tick_due_records",
			Help: "Pending notifications due in the most recent tick.",
		}),
	}

	collectors := []prometheus.Collector{
		p.received, p.accepted, p.rejected, p.queueDropped, p.persisted, p.persistFailed,
		p.state, p.reconnectAttempts, p.reconnectDelay, p.reconnectExhausted,
		p.evaluated, p.dispatched, p.deadLettered, p.ticksSkipped, p.tickDuration, p.tickDue,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) MessageReceived() { p.received.Inc() }

func (p *Prometheus) MessageAccepted(actionCode string) {
	p.accepted.WithLabelValues(actionCode).Inc()
}

func (p *Prometheus) MessageRejected(kind errs.Kind, stage, reason string) {
	p.rejected.WithLabelValues(string(kind), stage, reason).Inc()
}

func (p *Prometheus) QueueDropped()     { p.queueDropped.Inc() }
func (p *Prometheus) ReadingPersisted() { p.persisted.Inc() }
func (p *Prometheus) PersistFailed()    { p.persistFailed.Inc() }

func (p *Prometheus) ConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.state.WithLabelValues(s).Set(v)
	}
}

func (p *Prometheus) ReconnectAttempt(attempt int, delay time.Duration) {
	p.reconnectAttempts.WithLabelValues(strconv.Itoa(attempt)).Inc()
	p.reconnectDelay.Set(delay.Seconds())
}

func (p *Prometheus) ReconnectExhausted() { p.reconnectExhausted.Inc() }

func (p *Prometheus) AlarmEvaluated(alarmType string, fired bool) {
	p.evaluated.WithLabelValues(alarmType, strconv.FormatBool(fired)).Inc()
}

func (p *Prometheus) NotificationDispatched(alarmType string, success bool) {
	p.dispatched.WithLabelValues(alarmType, strconv.FormatBool(success)).Inc()
}

func (p *Prometheus) PendingDeadLettered(alarmType string) {
	p.deadLettered.WithLabelValues(alarmType).Inc()
}

func (p *Prometheus) TickSkipped() { p.ticksSkipped.Inc() }

func (p *Prometheus) TickCompleted(d time.Duration, due int) {
	p.tickDuration.Observe(d.Seconds())
	p.tickDue.Set(float64(due))
}
