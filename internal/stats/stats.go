// Package stats defines the metrics sink injected into each component.
// Nothing in this package keeps process-wide state; every pipeline instance
// owns its sink.
package stats

import (
	"time"

	"sensorwatch/internal/errs"
)

// Metrics receives operational events from the connection manager, the
// ingestion pipeline and the alarm scheduler.
type Metrics interface {
	MessageReceived()
	MessageAccepted(actionCode string)
	MessageRejected(kind errs.Kind, stage, reason string)
	QueueDropped()
	ReadingPersisted()
	PersistFailed()

	ConnectionState(state string)
	ReconnectAttempt(attempt int, delay time.Duration)
	ReconnectExhausted()

	AlarmEvaluated(alarmType string, fired bool)
	NotificationDispatched(alarmType string, success bool)
	PendingDeadLettered(alarmType string)
	TickSkipped()
	TickCompleted(d time.Duration, due int)
}

// Nop discards every event.
type Nop struct{}

var _ Metrics = Nop{}

func (Nop) MessageReceived()                          {}
func (Nop) MessageAccepted(string)                    {}
func (Nop) MessageRejected(errs.Kind, string, string) {}
func (Nop) QueueDropped()                             {}
func (Nop) ReadingPersisted()                         {}
func (Nop) PersistFailed()                            {}
func (Nop) ConnectionState(string)                    {}
func (Nop) ReconnectAttempt(int, time.Duration)       {}
func (Nop) ReconnectExhausted()                       {}
func (Nop) AlarmEvaluated(string, bool)               {}
func (Nop) NotificationDispatched(string, bool)       {}
func (Nop) PendingDeadLettered(string)                {}
func (Nop) TickSkipped()                              {}
func (Nop) TickCompleted(time.Duration, int)          {}

// Multi fans every event out to several sinks.
type Multi []Metrics

var _ Metrics = Multi(nil)

func (m Multi) MessageReceived() {
	for _, s := range m {
		s.MessageReceived()
	}
}

func (m Multi) MessageAccepted(actionCode string) {
	for _, s := range m {
		s.MessageAccepted(actionCode)
	}
}

func (m Multi) MessageRejected(kind errs.Kind, stage, reason string) {
	for _, s := range m {
		s.MessageRejected(kind, stage, reason)
	}
}

func (m Multi) QueueDropped() {
	for _, s := range m {
		s.QueueDropped()
	}
}

func (m Multi) ReadingPersisted() {
	for _, s := range m {
		s.ReadingPersisted()
	}
}

func (m Multi) PersistFailed() {
	for _, s := range m {
		s.PersistFailed()
	}
}

func (m Multi) ConnectionState(state string) {
	for _, s := range m {
		s.ConnectionState(state)
	}
}

func (m Multi) ReconnectAttempt(attempt int, delay time.Duration) {
	for _, s := range m {
		s.ReconnectAttempt(attempt, delay)
	}
}

func (m Multi) ReconnectExhausted() {
	for _, s := range m {
		s.ReconnectExhausted()
	}
}

func (m Multi) AlarmEvaluated(alarmType string, fired bool) {
	for _, s := range m {
		s.AlarmEvaluated(alarmType, fired)
	}
}

func (m Multi) NotificationDispatched(alarmType string, success bool) {
	for _, s := range m {
		s.NotificationDispatched(alarmType, success)
	}
}

func (m Multi) PendingDeadLettered(alarmType string) {
	for _, s := range m {
		s.PendingDeadLettered(alarmType)
	}
}

func (m Multi) TickSkipped() {
	for _, s := range m {
		s.TickSkipped()
	}
}

func (m Multi) TickCompleted(d time.Duration, due int) {
	for _, s := range m {
		s.TickCompleted(d, due)
	}
}
