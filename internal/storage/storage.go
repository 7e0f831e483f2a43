package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("key not found")

	// ErrPendingExists is returned when a pending notification already exists
	// for the same user, sensor and alarm type
	ErrPendingExists = errors.New("pending notification already exists")
)

// AlarmType identifies one of the alarm conditions evaluated per sensor.
type AlarmType string

const (
	AlarmHigh AlarmType = "high"
	AlarmLow  AlarmType = "low"
	AlarmDI   AlarmType = "di"
	AlarmNet  AlarmType = "net"
)

// AlarmTypes lists every alarm type in evaluation order.
var AlarmTypes = []AlarmType{AlarmHigh, AlarmLow, AlarmDI, AlarmNet}

// ParseAlarmType validates s as an alarm type.
func ParseAlarmType(s string) (AlarmType, error) {
	for _, t := range AlarmTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown alarm type %q", s)
}

// RearmLabel is the label stored on re-arm records.
func (t AlarmType) RearmLabel() string {
	switch t {
	case AlarmHigh:
		return "rehigh"
	case AlarmLow:
		return "relow"
	case AlarmDI:
		return "di2"
	case AlarmNet:
		return "netError2"
	default:
		return string(t)
	}
}

// SensorReading is one live value reported by a sensor. Readings are
// append-only.
type SensorReading struct {
	UserID     string    `json:"userId"`
	SensorUUID string    `json:"sensorUuid"`
	SensorType string    `json:"sensorType"`
	Name       string    `json:"name,omitempty"`
	Value      float64   `json:"value"`
	RawValue   string    `json:"rawValue"`
	HasValue   bool      `json:"hasValue"`
	ErrorFlag  bool      `json:"errorFlag"`
	DIFault    bool      `json:"diFault"`
	ObservedAt time.Time `json:"observedAt"`
}

// AlarmConfig holds the alarm settings for one sensor. Delays are in seconds.
type AlarmConfig struct {
	UserID        string  `json:"userId"`
	SensorUUID    string  `json:"sensorUuid"`
	SensorName    string  `json:"sensorName"`
	HighEnabled   bool    `json:"highEnabled"`
	LowEnabled    bool    `json:"lowEnabled"`
	DIEnabled     bool    `json:"diEnabled"`
	NetEnabled    bool    `json:"netEnabled"`
	HighThreshold float64 `json:"highThreshold"`
	LowThreshold  float64 `json:"lowThreshold"`

	// DelaySeconds is the wait before the first notification of a type.
	DelaySeconds map[AlarmType]int64 `json:"delaySeconds,omitempty"`
	// ReArmDelaySeconds is the wait before a fired alarm is checked again.
	ReArmDelaySeconds map[AlarmType]int64 `json:"reArmDelaySeconds,omitempty"`
}

// Enabled reports whether alarms of type t are switched on.
func (c *AlarmConfig) Enabled(t AlarmType) bool {
	switch t {
	case AlarmHigh:
		return c.HighEnabled
	case AlarmLow:
		return c.LowEnabled
	case AlarmDI:
		return c.DIEnabled
	case AlarmNet:
		return c.NetEnabled
	default:
		return false
	}
}

// Delay returns the initial delay for t.
func (c *AlarmConfig) Delay(t AlarmType) time.Duration {
	return time.Duration(c.DelaySeconds[t]) * time.Second
}

// DefaultReArmDelay applies to types without an entry in ReArmDelaySeconds.
const DefaultReArmDelay = 10 * time.Minute

// ReArmDelay returns the re-arm delay for t. An explicit zero re-checks on
// the next tick; a missing entry uses DefaultReArmDelay.
func (c *AlarmConfig) ReArmDelay(t AlarmType) time.Duration {
	secs, ok := c.ReArmDelaySeconds[t]
	if !ok {
		return DefaultReArmDelay
	}
	return time.Duration(secs) * time.Second
}

// PendingKey identifies a pending notification. At most one record exists
// per key.
type PendingKey struct {
	UserID     string    `json:"userId"`
	SensorUUID string    `json:"sensorUuid"`
	AlarmType  AlarmType `json:"alarmType"`
}

func (k PendingKey) String() string {
	return k.UserID + "/" + k.SensorUUID + "/" + string(k.AlarmType)
}

// PendingNotification is a scheduled alarm check.
type PendingNotification struct {
	UserID     string    `json:"userId"`
	SensorUUID string    `json:"sensorUuid"`
	AlarmType  AlarmType `json:"alarmType"`
	CreatedAt  time.Time `json:"createdAt"`
	DueAt      time.Time `json:"dueAt"`
	Rearm      bool      `json:"rearm"`
	Label      string    `json:"label,omitempty"`
	Attempts   int       `json:"attempts"`
}

// Key returns the record's dedup key.
func (p PendingNotification) Key() PendingKey {
	return PendingKey{UserID: p.UserID, SensorUUID: p.SensorUUID, AlarmType: p.AlarmType}
}

// Due reports whether the record should be evaluated at now.
func (p PendingNotification) Due(now time.Time) bool {
	return !p.DueAt.After(now)
}

// Store is the persistence interface consumed by ingestion, the alarm
// scheduler and the ops API.
type Store interface {
	// Readings

	// AppendReading stores a new reading
	AppendReading(ctx context.Context, r SensorReading) error

	// LatestReading returns the most recently observed reading
	// Returns ErrNotFound if the sensor has no readings
	LatestReading(ctx context.Context, userID, sensorUUID string) (*SensorReading, error)

	// ListReadings returns up to limit readings, newest first
	ListReadings(ctx context.Context, userID, sensorUUID string, limit int) ([]SensorReading, error)

	// Alarm configuration

	// GetAlarmConfig returns ErrNotFound if the sensor has no configuration
	GetAlarmConfig(ctx context.Context, userID, sensorUUID string) (*AlarmConfig, error)
	SetAlarmConfig(ctx context.Context, cfg *AlarmConfig) error

	// Pending notifications

	// CreatePending inserts p unless a record with the same key exists,
	// in which case it returns ErrPendingExists
	CreatePending(ctx context.Context, p PendingNotification) error

	// GetPending returns ErrNotFound if no record exists for key
	GetPending(ctx context.Context, key PendingKey) (*PendingNotification, error)

	// ReplacePending deletes the record for key and, when next is not nil,
	// inserts next in the same transaction
	ReplacePending(ctx context.Context, key PendingKey, next *PendingNotification) error

	// UpdatePending overwrites an existing record
	UpdatePending(ctx context.Context, p PendingNotification) error

	// DeletePending removes the record for key, if any
	DeletePending(ctx context.Context, key PendingKey) error

	// ListPending returns every record ordered by key
	ListPending(ctx context.Context) ([]PendingNotification, error)

	// ListDuePending returns records whose DueAt is not after now,
	// earliest first
	ListDuePending(ctx context.Context, now time.Time) ([]PendingNotification, error)

	// Push recipients

	// PushToken returns ErrNotFound when the user has no token
	PushToken(ctx context.Context, userID string) (string, error)
	SetPushToken(ctx context.Context, userID, token string) error

	// Lifecycle Methods

	// Close closes the storage
	Close() error
}
