package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorwatch/internal/errs"
)

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder()

	r.MessageReceived()
	r.MessageReceived()
	r.MessageAccepted("live")
	r.MessageRejected(errs.KindValidation, "structure", "nested_value")
	r.NotificationDispatched("high", true)
	r.NotificationDispatched("high", false)
	r.AlarmEvaluated("low", true)
	r.ReconnectAttempt(2, 6*time.Second)
	r.ConnectionState("RECOVERING")

	s := r.Snapshot()
	assert.EqualValues(t, 2, s.Received)
	assert.EqualValues(t, 1, s.Accepted["live"])
	assert.EqualValues(t, 1, s.Rejected["VALIDATION_ERROR"])
	assert.EqualValues(t, 1, s.RejectedReasons["structure/nested_value"])
	assert.EqualValues(t, 1, s.Dispatched["high"])
	assert.EqualValues(t, 1, s.DispatchFails["high"])
	assert.EqualValues(t, 1, s.Fired["low"])
	assert.Equal(t, "6s", s.LastReconnectDelay)
	assert.Equal(t, "RECOVERING", s.ConnectionState)
	assert.InDelta(t, 50.0, s.SuccessRate(), 1e-9)
}

func TestRecorderSnapshotIsCopy(t *testing.T) {
	r := NewRecorder()
	r.MessageAccepted("live")
	s := r.Snapshot()
	s.Accepted["live"] = 100

	assert.EqualValues(t, 1, r.Snapshot().Accepted["live"])

	r.Reset()
	assert.Empty(t, r.Snapshot().Accepted)
}

func TestIndependentRecorders(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	a.QueueDropped()
	assert.EqualValues(t, 1, a.Snapshot().QueueDropped)
	assert.EqualValues(t, 0, b.Snapshot().QueueDropped)
}

func TestPrometheusCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg, "sensorwatch")
	require.NoError(t, err)

	p.MessageReceived()
	p.MessageRejected(errs.KindTopicParse, "UNSUPPORTED", "legacy_format")
	p.ConnectionState("CONNECTED")

	assert.Equal(t, 1.0, testutil.ToFloat64(p.received))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.rejected.WithLabelValues("TOPIC_PARSE_ERROR", "UNSUPPORTED", "legacy_format")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.state.WithLabelValues("CONNECTED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.state.WithLabelValues("CLOSED")))

	_, err = NewPrometheus(reg, "sensorwatch")
	assert.Error(t, err, "registering twice on one registry must fail")
}

func TestMultiFansOut(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	var m Metrics = Multi{a, b, Nop{}}

	m.TickSkipped()
	m.PendingDeadLettered("net")

	for _, r := range []*Recorder{a, b} {
		s := r.Snapshot()
		assert.EqualValues(t, 1, s.TicksSkipped)
		assert.EqualValues(t, 1, s.DeadLettered["net"])
	}
}
