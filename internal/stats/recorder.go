package stats

import (
	"sync"
	"time"

	"sensorwatch/internal/errs"
)

// Snapshot is a point-in-time copy of a Recorder.
type Snapshot struct {
	Received        int64            `json:"received"`
	Accepted        map[string]int64 `json:"accepted"`
	Rejected        map[string]int64 `json:"rejected"`
	RejectedReasons map[string]int64 `json:"rejectedReasons"`
	QueueDropped    int64            `json:"queueDropped"`
	Persisted       int64            `json:"persisted"`
	PersistFailed   int64            `json:"persistFailed"`

	ConnectionState    string `json:"connectionState"`
	ReconnectAttempts  int64  `json:"reconnectAttempts"`
	LastReconnectDelay string `json:"lastReconnectDelay,omitempty"`
	ReconnectExhausted int64  `json:"reconnectExhausted"`

	Evaluated     map[string]int64 `json:"evaluated"`
	Fired         map[string]int64 `json:"fired"`
	Dispatched    map[string]int64 `json:"dispatched"`
	DispatchFails map[string]int64 `json:"dispatchFailures"`
	DeadLettered  map[string]int64 `json:"deadLettered"`
	TicksSkipped  int64            `json:"ticksSkipped"`
	Ticks         int64            `json:"ticks"`
	LastTick      time.Duration    `json:"lastTickNanos"`
	LastTickDue   int              `json:"lastTickDue"`
}

// SuccessRate returns the percentage of received messages that were accepted.
func (s Snapshot) SuccessRate() float64 {
	if s.Received == 0 {
		return 0
	}
	var accepted int64
	for _, n := range s.Accepted {
		accepted += n
	}
	return float64(accepted) / float64(s.Received) * 100
}

// Recorder is an in-memory Metrics sink backing the ops API and tests.
type Recorder struct {
	mu   sync.Mutex
	snap Snapshot
}

var _ Metrics = (*Recorder)(nil)

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	r := &Recorder{}
	r.reset()
	return r
}

func (r *Recorder) reset() {
	r.snap = Snapshot{
		Accepted:        map[string]int64{},
		Rejected:        map[string]int64{},
		RejectedReasons: map[string]int64{},
		Evaluated:       map[string]int64{},
		Fired:           map[string]int64{},
		Dispatched:      map[string]int64{},
		DispatchFails:   map[string]int64{},
		DeadLettered:    map[string]int64{},
	}
}

// Reset clears every counter.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

// Snapshot returns a deep copy of the current counters.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.snap
	s.Accepted = copyMap(r.snap.Accepted)
	s.Rejected = copyMap(r.snap.Rejected)
	s.RejectedReasons = copyMap(r.snap.RejectedReasons)
	s.Evaluated = copyMap(r.snap.Evaluated)
	s.Fired = copyMap(r.snap.Fired)
	s.Dispatched = copyMap(r.snap.Dispatched)
	s.DispatchFails = copyMap(r.snap.DispatchFails)
	s.DeadLettered = copyMap(r.snap.DeadLettered)
	return s
}

func (r *Recorder) MessageReceived() {
	r.mu.Lock()
	r.snap.Received++
	r.mu.Unlock()
}

func (r *Recorder) MessageAccepted(actionCode string) {
	r.mu.Lock()
	r.snap.Accepted[actionCode]++
	r.mu.Unlock()
}

func (r *Recorder) MessageRejected(kind errs.Kind, stage, reason string) {
	r.mu.Lock()
	r.snap.Rejected[string(kind)]++
	r.snap.RejectedReasons[stage+"/"+reason]++
	r.mu.Unlock()
}

func (r *Recorder) QueueDropped() {
	r.mu.Lock()
	r.snap.QueueDropped++
	r.mu.Unlock()
}

func (r *Recorder) ReadingPersisted() {
	r.mu.Lock()
	r.snap.Persisted++
	r.mu.Unlock()
}

func (r *Recorder) PersistFailed() {
	r.mu.Lock()
	r.snap.PersistFailed++
	r.mu.Unlock()
}

func (r *Recorder) ConnectionState(state string) {
	r.mu.Lock()
	r.snap.ConnectionState = state
	r.mu.Unlock()
}

func (r *Recorder) ReconnectAttempt(_ int, delay time.Duration) {
	r.mu.Lock()
	r.snap.ReconnectAttempts++
	r.snap.LastReconnectDelay = delay.String()
	r.mu.Unlock()
}

func (r *Recorder) ReconnectExhausted() {
	r.mu.Lock()
	r.snap.ReconnectExhausted++
	r.mu.Unlock()
}

func (r *Recorder) AlarmEvaluated(alarmType string, fired bool) {
	r.mu.Lock()
	r.snap.Evaluated[alarmType]++
	if fired {
		r.snap.Fired[alarmType]++
	}
	r.mu.Unlock()
}

func (r *Recorder) NotificationDispatched(alarmType string, success bool) {
	r.mu.Lock()
	if success {
		r.snap.Dispatched[alarmType]++
	} else {
		r.snap.DispatchFails[alarmType]++
	}
	r.mu.Unlock()
}

func (r *Recorder) PendingDeadLettered(alarmType string) {
	r.mu.Lock()
	r.snap.DeadLettered[alarmType]++
	r.mu.Unlock()
}

func (r *Recorder) TickSkipped() {
	r.mu.Lock()
	r.snap.TicksSkipped++
	r.mu.Unlock()
}

func (r *Recorder) TickCompleted(d time.Duration, due int) {
	r.mu.Lock()
	r.snap.Ticks++
	r.snap.LastTick = d
	r.snap.LastTickDue = due
	r.mu.Unlock()
}

func copyMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
