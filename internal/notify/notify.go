// Package notify delivers alarm notifications to users.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Delivery channels reported in Result
const (
	ChannelPush = "push"
	ChannelMQTT = "mqtt"
)

// Notification is one alarm message addressed to a user
type Notification struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId"`
	SensorUUID string            `json:"sensorUuid"`
	AlarmType  string            `json:"alarmType"`
	Token      string            `json:"-"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// New creates a notification with a fresh ID and the standard data fields
func New(userID, sensorUUID, alarmType, title, body string, at time.Time) Notification {
	return Notification{
		ID:         uuid.NewString(),
		UserID:     userID,
		SensorUUID: sensorUUID,
		AlarmType:  alarmType,
		Title:      title,
		Body:       body,
		Data: map[string]string{
			"type":       "alarm",
			"sensorUuid": sensorUUID,
			"alarmType":  alarmType,
			"message":    body,
		},
		CreatedAt: at,
	}
}

// Result reports the outcome of one dispatch. Err is nil on success and a
// DISPATCH_ERROR otherwise.
type Result struct {
	Notification Notification
	Channel      string
	StatusCode   int
	Duration     time.Duration
	Err          error
}

// OK reports whether the notification was delivered
func (r Result) OK() bool {
	return r.Err == nil
}

// Callback receives the result of an asynchronous dispatch exactly once
type Callback func(Result)

// Dispatcher sends notifications asynchronously
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification, cb Callback)
}

// Sender sends one notification and waits for the result
type Sender interface {
	Send(ctx context.Context, n Notification) Result
}

// dispatchAsync runs send on its own goroutine and hands the result to cb
func dispatchAsync(ctx context.Context, s Sender, n Notification, cb Callback) {
	go func() {
		res := s.Send(ctx, n)
		if cb != nil {
			cb(res)
		}
	}()
}
