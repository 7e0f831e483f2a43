package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"sensorwatch/internal/errs"
)

// TokenSource looks up the push token of a user
type TokenSource interface {
	PushToken(ctx context.Context, userID string) (string, error)
}

// AlarmPublisher publishes an alarm on the broker
type AlarmPublisher interface {
	PublishAlarm(ctx context.Context, userID, sensorUUID, message string, at time.Time) error
}

// Fallback tries push delivery when the user has a token and falls back to
// the broker alarm topic when there is no token or push fails.
type Fallback struct {
	push   Sender
	tokens TokenSource
	mqtt   AlarmPublisher
	logger zerolog.Logger
}

var (
	_ Dispatcher = (*Fallback)(nil)
	_ Sender     = (*Fallback)(nil)
)

// NewFallback creates a fallback dispatcher. push and mqtt may be nil to
// disable that channel.
func NewFallback(push Sender, tokens TokenSource, mqtt AlarmPublisher, logger zerolog.Logger) *Fallback {
	return &Fallback{
		push:   push,
		tokens: tokens,
		mqtt:   mqtt,
		logger: logger,
	}
}

// Dispatch sends n in the background and reports the result through cb
func (f *Fallback) Dispatch(ctx context.Context, n Notification, cb Callback) {
	dispatchAsync(ctx, f, n, cb)
}

// Send delivers n over the first channel that works
func (f *Fallback) Send(ctx context.Context, n Notification) Result {
	start := time.Now()

	var pushErr error
	if f.push != nil {
		if n.Token == "" && f.tokens != nil {
			token, err := f.tokens.PushToken(ctx, n.UserID)
			if err == nil {
				n.Token = token
			}
		}
		if n.Token != "" {
			res := f.push.Send(ctx, n)
			if res.OK() {
				return res
			}
			pushErr = res.Err
			f.logger.Warn().Err(res.Err).Str("user_id", n.UserID).Msg("Push failed, falling back to MQTT")
		}
	}

	if f.mqtt == nil {
		err := pushErr
		if err == nil {
			err = errs.New(errs.KindDispatch, "fallback", "no_channel", "no push token and MQTT fallback disabled")
		}
		return Result{Notification: n, Channel: ChannelPush, Duration: time.Since(start), Err: err}
	}

	res := Result{Notification: n, Channel: ChannelMQTT}
	if err := f.mqtt.PublishAlarm(ctx, n.UserID, n.SensorUUID, n.Body, n.CreatedAt); err != nil {
		res.Err = errs.Wrap(errs.KindDispatch, ChannelMQTT, "publish", errors.Join(pushErr, err))
	}
	res.Duration = time.Since(start)
	return res
}
