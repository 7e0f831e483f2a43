// Package ingest turns broker messages into persisted sensor readings.
//
// The broker callback only parses and validates; readings are handed to a
// bounded queue drained by a fixed worker pool so the callback never waits
// on storage.
package ingest

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sensorwatch/internal/events"
	"sensorwatch/internal/payload"
	"sensorwatch/internal/stats"
	"sensorwatch/internal/storage"
	"sensorwatch/internal/topic"
)

const (
	DefaultQueueSize = 1024
	DefaultWorkers   = 4

	// MaxExcerptBytes bounds the body excerpt kept for rejected messages
	MaxExcerptBytes = 128

	// errorValue marks a reading whose sensor could not be read
	errorValue = "Error"
	// diName is the digital input channel name
	diName = "din"
)

// ErrQueueFull is returned by Enqueue when the work queue is at capacity
var ErrQueueFull = errors.New("ingest: queue full")

// Armer schedules alarm checks for a fresh reading
type Armer interface {
	Arm(ctx context.Context, r storage.SensorReading) error
}

// AckHandler receives setres/actres command acknowledgements
type AckHandler func(t topic.Topic, p payload.ValidatedPayload)

// Options configures a Pipeline. Zero values select defaults.
type Options struct {
	QueueSize int
	Workers   int
	Metrics   stats.Metrics
	Failures  *events.Store
	Logger    zerolog.Logger
	Armer     Armer
	Ack       AckHandler
	// OnReading is called after a reading was persisted.
	OnReading func(storage.SensorReading)
	Now       func() time.Time
}

// Result is the outcome of processing one accepted message
type Result struct {
	Topic       topic.Topic              `json:"topic"`
	Payload     payload.ValidatedPayload `json:"payload"`
	MessageType string                   `json:"messageType"`
	Reading     *storage.SensorReading   `json:"reading,omitempty"`
}

// Pipeline validates inbound messages and persists live readings
type Pipeline struct {
	codec     *topic.Codec
	validator *payload.Validator
	store     storage.Store
	opts      Options
	logger    zerolog.Logger
	queue     chan storage.SensorReading
}

// New creates a pipeline. Call Run to start the workers.
func New(codec *topic.Codec, validator *payload.Validator, store storage.Store, opts Options) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Metrics == nil {
		opts.Metrics = stats.Nop{}
	}
	if opts.Failures == nil {
		opts.Failures = events.NewStore(events.DefaultCapacity)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pipeline{
		codec:     codec,
		validator: validator,
		store:     store,
		opts:      opts,
		logger:    opts.Logger,
		queue:     make(chan storage.SensorReading, opts.QueueSize),
	}
	if p.opts.Ack == nil {
		p.opts.Ack = p.logAck
	}
	return p
}

// Process parses and validates one message without side effects
func (p *Pipeline) Process(topicName string, body []byte, receivedAt time.Time) (Result, error) {
	t, err := p.codec.Parse(topicName)
	if err != nil {
		return Result{}, err
	}

	vp, err := p.validator.Validate(body)
	if err != nil {
		return Result{Topic: t}, err
	}

	res := Result{
		Topic:       t,
		Payload:     vp,
		MessageType: vp.MessageType(),
	}
	if vp.ActionCode == payload.ActLive {
		r := ToReading(t, vp, receivedAt)
		res.Reading = &r
	}
	return res, nil
}

// ToReading converts a validated live payload into a reading
func ToReading(t topic.Topic, vp payload.ValidatedPayload, observedAt time.Time) storage.SensorReading {
	r := storage.SensorReading{
		UserID:     t.UserID,
		SensorUUID: t.SensorUUID,
		SensorType: t.SensorType,
		ObservedAt: observedAt,
	}
	r.Name, _ = vp.Field(payload.FieldName)

	raw, ok := vp.Field(payload.FieldValue)
	if !ok {
		return r
	}
	r.RawValue = raw
	if strings.EqualFold(strings.TrimSpace(raw), errorValue) {
		r.ErrorFlag = true
		return r
	}
	if v, ok := vp.Number(payload.FieldValue); ok {
		r.Value = v
		r.HasValue = true
		r.DIFault = r.Name == diName && v == 1
	}
	return r
}

// OnMessage is the broker callback. Rejected messages are counted, recorded
// and logged, never retried.
func (p *Pipeline) OnMessage(topicName string, body []byte) {
	p.opts.Metrics.MessageReceived()

	res, err := p.Process(topicName, body, p.opts.Now())
	if err != nil {
		p.reject(topicName, body, err)
		return
	}

	p.opts.Metrics.MessageAccepted(res.Payload.ActionCode)

	switch res.Payload.ActionCode {
	case payload.ActLive:
		if err := p.Enqueue(*res.Reading); err != nil {
			p.logger.Warn().
				Str("topic", topicName).
				Str("reason", "queue_full").
				Int("capacity", cap(p.queue)).
				Msg("Dropped reading")
		}
	case payload.ActSetRes, payload.ActActRes:
		p.opts.Ack(res.Topic, res.Payload)
	default:
		p.logger.Info().
			Str("topic", topicName).
			Str("message_type", res.MessageType).
			Str("excerpt", Excerpt(body)).
			Msg("Device message")
	}
}

func (p *Pipeline) reject(topicName string, body []byte, err error) {
	excerpt := Excerpt(body)
	f := p.opts.Failures.Add(topicName, excerpt, err)
	p.opts.Metrics.MessageRejected(f.Kind, f.Stage, f.Reason)

	p.logger.Warn().
		Str("topic", topicName).
		Str("kind", string(f.Kind)).
		Str("stage", f.Stage).
		Str("reason", f.Reason).
		Str("excerpt", excerpt).
		Msg("Rejected message")
}

func (p *Pipeline) logAck(t topic.Topic, vp payload.ValidatedPayload) {
	p.logger.Info().
		Str("user_id", t.UserID).
		Str("sensor_uuid", t.SensorUUID).
		Str("message_type", vp.MessageType()).
		Interface("fields", vp.Fields).
		Msg("Command acknowledged")
}

// Enqueue hands r to the workers without blocking
func (p *Pipeline) Enqueue(r storage.SensorReading) error {
	select {
	case p.queue <- r:
		return nil
	default:
		p.opts.Metrics.QueueDropped()
		return ErrQueueFull
	}
}

// QueueLen returns the number of readings waiting for a worker
func (p *Pipeline) QueueLen() int {
	return len(p.queue)
}

// Failures returns the recent rejection store
func (p *Pipeline) Failures() *events.Store {
	return p.opts.Failures
}

// Run starts the workers and blocks until ctx is cancelled. Readings still
// queued at cancellation are processed before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			p.work(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) work(ctx context.Context) {
	// A dequeued reading is always persisted, even when ctx is cancelled
	// while it waits in the select.
	hctx := context.WithoutCancel(ctx)
	for {
		select {
		case r := <-p.queue:
			p.handle(hctx, r)
		case <-ctx.Done():
			p.drain(hctx)
			return
		}
	}
}

func (p *Pipeline) drain(ctx context.Context) {
	for {
		select {
		case r := <-p.queue:
			p.handle(ctx, r)
		default:
			return
		}
	}
}

// handle persists r and arms its alarms
func (p *Pipeline) handle(ctx context.Context, r storage.SensorReading) {
	if err := p.store.AppendReading(ctx, r); err != nil {
		p.opts.Metrics.PersistFailed()
		p.logger.Error().Err(err).
			Str("user_id", r.UserID).
			Str("sensor_uuid", r.SensorUUID).
			Msg("Failed to persist reading")
		return
	}
	p.opts.Metrics.ReadingPersisted()

	if p.opts.Armer != nil {
		if err := p.opts.Armer.Arm(ctx, r); err != nil {
			p.logger.Error().Err(err).
				Str("user_id", r.UserID).
				Str("sensor_uuid", r.SensorUUID).
				Msg("Failed to arm alarms")
		}
	}

	if p.opts.OnReading != nil {
		p.opts.OnReading(r)
	}
}

// Excerpt returns at most MaxExcerptBytes of body as printable text
func Excerpt(body []byte) string {
	s := body
	truncated := false
	if len(s) > MaxExcerptBytes {
		s = s[:MaxExcerptBytes]
		truncated = true
	}
	// Do not split a multi-byte rune at the cut
	for i := 0; i < utf8.UTFMax-1 && truncated && !utf8.Valid(s); i++ {
		s = s[:len(s)-1]
	}

	out := strings.ToValidUTF8(string(s), "?")
	out = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(out)
	if truncated {
		out += "..."
	}
	return out
}
