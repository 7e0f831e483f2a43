// Package topic parses and formats the sensor topic grammar
//
//	PREFIX/{userId}/{sensorType}/{sensorUuid}/{suffix}
//
// Parsing is pure: a Codec holds only immutable allow-lists.
package topic

import (
	"fmt"
	"regexp"
	"strings"

	"sensorwatch/internal/errs"
)

// Suffix identifies the direction of a message.
type Suffix string

const (
	SuffixDevice   Suffix = "DEV"
	SuffixServer   Suffix = "SER"
	SuffixCommand  Suffix = "CMD"
	SuffixResponse Suffix = "RESP"
)

// Defaults used by NewCodec when Options leaves a field empty.
const (
	DefaultPrefix = "HBEE"

	MaxTopicLength  = 200
	MaxUserIDLength = 50
	MaxUUIDLength   = 100
)

// Parse failure classes.
const (
	ClassUnsupported = "UNSUPPORTED"
	ClassUnknown     = "UNKNOWN"
)

var (
	DefaultSensorTypes = []string{"TC", "SENSOR", "DEVICE", "IOT"}
	DefaultSuffixes    = []Suffix{SuffixDevice, SuffixServer, SuffixCommand, SuffixResponse}

	idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Topic is a parsed sensor topic. The zero value is never returned by Parse
// on success.
type Topic struct {
	Prefix     string `json:"prefix"`
	UserID     string `json:"userId"`
	SensorType string `json:"sensorType"`
	SensorUUID string `json:"sensorUuid"`
	Suffix     Suffix `json:"suffix"`
}

// IsResponse reports whether the message was sent by a device.
func (t Topic) IsResponse() bool {
	return t.Suffix == SuffixDevice || t.Suffix == SuffixResponse
}

// IsRequest reports whether the message was sent towards a device.
func (t Topic) IsRequest() bool {
	return t.Suffix == SuffixServer || t.Suffix == SuffixCommand
}

// String formats the topic in wire form.
func (t Topic) String() string {
	return strings.Join([]string{t.Prefix, t.UserID, t.SensorType, t.SensorUUID, string(t.Suffix)}, "/")
}

// Options configures a Codec.
type Options struct {
	Prefix      string
	SensorTypes []string
	Suffixes    []Suffix
}

// Codec parses and formats topics against a fixed set of allow-lists.
type Codec struct {
	prefix      string
	sensorTypes map[string]struct{}
	suffixes    map[Suffix]struct{}
}

// NewCodec creates a codec. Empty options fall back to the defaults.
func NewCodec(opts Options) *Codec {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if len(opts.SensorTypes) == 0 {
		opts.SensorTypes = DefaultSensorTypes
	}
	if len(opts.Suffixes) == 0 {
		opts.Suffixes = DefaultSuffixes
	}

	c := &Codec{
		prefix:      opts.Prefix,
		sensorTypes: make(map[string]struct{}, len(opts.SensorTypes)),
		suffixes:    make(map[Suffix]struct{}, len(opts.Suffixes)),
	}
	for _, st := range opts.SensorTypes {
		c.sensorTypes[st] = struct{}{}
	}
	for _, sfx := range opts.Suffixes {
		c.suffixes[sfx] = struct{}{}
	}
	return c
}

// Prefix returns the configured topic prefix.
func (c *Codec) Prefix() string {
	return c.prefix
}

// Parse validates s and returns the parsed topic. Failures are
// *errs.Error values of kind TOPIC_PARSE_ERROR whose Stage is either
// ClassUnsupported (3 or 4 segments) or ClassUnknown.
func (c *Codec) Parse(s string) (Topic, error) {
	if s == "" {
		return Topic{}, unknown("empty", "topic is empty")
	}
	if len(s) > MaxTopicLength {
		return Topic{}, unknown("too_long", fmt.Sprintf("topic length %d exceeds %d", len(s), MaxTopicLength))
	}

	parts := strings.Split(s, "/")
	switch len(parts) {
	case 5:
	case 3, 4:
		return Topic{}, errs.New(errs.KindTopicParse, ClassUnsupported, "legacy_format",
			fmt.Sprintf("%d-segment topics are not supported", len(parts)))
	default:
		return Topic{}, unknown("segment_count", fmt.Sprintf("expected 5 segments, got %d", len(parts)))
	}

	t := Topic{
		Prefix:     parts[0],
		UserID:     parts[1],
		SensorType: parts[2],
		SensorUUID: parts[3],
		Suffix:     Suffix(parts[4]),
	}

	if t.Prefix != c.prefix {
		return Topic{}, unknown("prefix", fmt.Sprintf("prefix %q is not %q", t.Prefix, c.prefix))
	}
	if err := checkID("user_id", t.UserID, MaxUserIDLength); err != nil {
		return Topic{}, err
	}
	if _, ok := c.sensorTypes[t.SensorType]; !ok {
		return Topic{}, unknown("sensor_type", fmt.Sprintf("sensor type %q is not allowed", t.SensorType))
	}
	if err := checkID("sensor_uuid", t.SensorUUID, MaxUUIDLength); err != nil {
		return Topic{}, err
	}
	if _, ok := c.suffixes[t.Suffix]; !ok {
		return Topic{}, unknown("suffix", fmt.Sprintf("suffix %q is not allowed", t.Suffix))
	}

	return t, nil
}

// Format renders t in wire form. It does not validate t.
func (c *Codec) Format(t Topic) string {
	return t.String()
}

// Build creates a topic with the codec's prefix.
func (c *Codec) Build(userID, sensorType, sensorUUID string, suffix Suffix) Topic {
	return Topic{
		Prefix:     c.prefix,
		UserID:     userID,
		SensorType: sensorType,
		SensorUUID: sensorUUID,
		Suffix:     suffix,
	}
}

// AlarmTopic returns the per-user alarm topic used for MQTT notifications.
func (c *Codec) AlarmTopic(userID string) string {
	return c.prefix + "/" + userID + "/ALARM"
}

func checkID(field, v string, maxLen int) error {
	if v == "" {
		return unknown(field, field+" is empty")
	}
	if len(v) > maxLen {
		return unknown(field, fmt.Sprintf("%s length %d exceeds %d", field, len(v), maxLen))
	}
	if !idPattern.MatchString(v) {
		return unknown(field, fmt.Sprintf("%s %q has invalid characters", field, v))
	}
	return nil
}

func unknown(reason, detail string) error {
	return errs.New(errs.KindTopicParse, ClassUnknown, reason, detail)
}
