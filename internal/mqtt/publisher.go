package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// AlarmQoS is the delivery guarantee used for alarm messages
const AlarmQoS byte = 1

// Sender publishes a payload to a topic. Manager implements it.
type Sender interface {
	Publish(ctx context.Context, payload []byte, qos byte, topicOverride string) error
}

// AlarmMessage is the body published on a user's alarm topic
type AlarmMessage struct {
	Type       string `json:"type"`
	SensorUUID string `json:"sensorUuid"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
}

// Publisher provides MQTT publishing for alarm messages
type Publisher struct {
	sender     Sender
	alarmTopic func(userID string) string
	logger     zerolog.Logger
}

// NewPublisher creates a new Publisher. alarmTopic maps a user ID to the
// topic alarms for that user are published on.
func NewPublisher(sender Sender, alarmTopic func(userID string) string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		sender:     sender,
		alarmTopic: alarmTopic,
		logger:     logger,
	}
}

// PublishAlarm publishes an alarm for sensorUUID to the user's alarm topic
func (p *Publisher) PublishAlarm(ctx context.Context, userID, sensorUUID, message string, at time.Time) error {
	payload, err := json.Marshal(AlarmMessage{
		Type:       "alarm",
		SensorUUID: sensorUUID,
		Message:    message,
		Timestamp:  at.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alarm: %w", err)
	}

	topic := p.alarmTopic(userID)
	if err := p.sender.Publish(ctx, payload, AlarmQoS, topic); err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Str("sensor_uuid", sensorUUID).Msg("Failed to publish alarm")
		return err
	}

	p.logger.Info().Str("topic", topic).Str("sensor_uuid", sensorUUID).Msg("Alarm published")
	return nil
}
