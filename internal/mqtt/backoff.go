package mqtt

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Reconnect schedule defaults
const (
	DefaultReconnectBaseDelay = 3 * time.Second
	DefaultReconnectMaxDelay  = 12 * time.Second
	DefaultReconnectAttempts  = 3
)

// ReconnectBackOff doubles the delay on every attempt starting from base,
// capped at max, and stops after maxAttempts attempts.
type ReconnectBackOff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	attempt     int
}

var _ backoff.BackOff = (*ReconnectBackOff)(nil)

// NewReconnectBackOff creates the reconnect schedule min(base<<(attempt-1), max)
func NewReconnectBackOff(base, max time.Duration, maxAttempts int) *ReconnectBackOff {
	return &ReconnectBackOff{base: base, max: max, maxAttempts: maxAttempts}
}

// NextBackOff returns the delay before the next attempt, or backoff.Stop
func (b *ReconnectBackOff) NextBackOff() time.Duration {
	if b.attempt >= b.maxAttempts {
		return backoff.Stop
	}
	b.attempt++

	d := b.base << (b.attempt - 1)
	if d > b.max || d <= 0 {
		d = b.max
	}
	return d
}

// Reset restarts the schedule
func (b *ReconnectBackOff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of delays handed out since the last Reset
func (b *ReconnectBackOff) Attempt() int {
	return b.attempt
}
