// Package alarm evaluates pending notifications against the latest sensor
// readings and dispatches the ones whose condition still holds.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"sensorwatch/internal/notify"
	"sensorwatch/internal/runner"
	"sensorwatch/internal/stats"
	"sensorwatch/internal/storage"
)

const (
	DefaultInterval        = 60 * time.Second
	DefaultDispatchTimeout = 30 * time.Second
	DefaultTitle           = "Sensor alarm"
)

// Outcome of one pending record in a tick
type Outcome string

const (
	OutcomeFired      Outcome = "fired"
	OutcomeCleared    Outcome = "cleared"
	OutcomeBusy       Outcome = "busy"
	OutcomeNoReading  Outcome = "no_reading"
	OutcomeNoConfig   Outcome = "no_config"
	OutcomeStoreError Outcome = "store_error"
)

// Options configures a Scheduler
type Options struct {
	Interval time.Duration

	// MaxDispatchAttempts dead-letters a record after this many failed
	// dispatches. Zero keeps retrying on every tick.
	MaxDispatchAttempts int

	DispatchTimeout time.Duration
	Title           string
	Metrics         stats.Metrics
	Logger          zerolog.Logger
	Now             func() time.Time
}

// TickReport summarizes one pass over the due records
type TickReport struct {
	Started  time.Time       `json:"started"`
	Duration time.Duration   `json:"duration"`
	Due      int             `json:"due"`
	Outcomes map[Outcome]int `json:"outcomes"`
	Skipped  bool            `json:"skipped"`
}

func (r *TickReport) add(o Outcome) {
	if r.Outcomes == nil {
		r.Outcomes = make(map[Outcome]int)
	}
	r.Outcomes[o]++
}

// Scheduler owns the pending notification lifecycle: arming on fresh
// readings, evaluation on every tick and the outcome of each dispatch.
type Scheduler struct {
	store      storage.Store
	dispatcher notify.Dispatcher
	opts       Options
	metrics    stats.Metrics
	logger     zerolog.Logger

	keys     *keySet
	running  atomic.Bool
	inflight sync.WaitGroup

	mu       sync.Mutex
	lastTick TickReport
}

// New creates a scheduler
func New(store storage.Store, dispatcher notify.Dispatcher, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	if opts.Title == "" {
		opts.Title = DefaultTitle
	}
	if opts.Metrics == nil {
		opts.Metrics = stats.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		opts:       opts,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		keys:       newKeySet(),
	}
}

// Run ticks every interval until ctx is cancelled, then waits for in-flight
// dispatches to report back.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.opts.Interval).Msg("Alarm scheduler started")

	runner.RunPeriodic(ctx, s.opts.Interval, s.logger, "alarm-tick", func(ctx context.Context) error {
		_, err := s.Tick(ctx)
		return err
	})

	s.Wait()
	s.logger.Info().Msg("Alarm scheduler stopped")
	return nil
}

// TriggerNow runs a tick immediately. It is skipped like any other tick if
// one is already running.
func (s *Scheduler) TriggerNow(ctx context.Context) (TickReport, error) {
	s.logger.Info().Msg("Manual alarm tick requested")
	return s.Tick(ctx)
}

// Wait blocks until every dispatched notification has been resolved
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// InFlight returns the number of keys being evaluated or dispatched
func (s *Scheduler) InFlight() int {
	return s.keys.Len()
}

// LastTick returns the report of the last completed tick
func (s *Scheduler) LastTick() TickReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

// Tick evaluates every due pending record once. A tick that starts while
// another is still running returns immediately with Skipped set.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.TickSkipped()
		s.logger.Warn().Msg("Previous alarm tick still running, skipping")
		return TickReport{Started: s.opts.Now(), Skipped: true}, nil
	}
	defer s.running.Store(false)

	start := time.Now()
	report := TickReport{Started: s.opts.Now(), Outcomes: make(map[Outcome]int)}

	due, err := s.store.ListDuePending(ctx, report.Started)
	if err != nil {
		return report, fmt.Errorf("list due notifications: %w", err)
	}
	report.Due = len(due)

	for _, p := range due {
		if ctx.Err() != nil {
			break
		}
		report.add(s.process(ctx, p))
	}

	report.Duration = time.Since(start)
	s.metrics.TickCompleted(report.Duration, report.Due)

	s.mu.Lock()
	s.lastTick = report
	s.mu.Unlock()

	if report.Due > 0 {
		s.logger.Debug().
			Int("due", report.Due).
			Int("fired", report.Outcomes[OutcomeFired]).
			Int("cleared", report.Outcomes[OutcomeCleared]).
			Int("busy", report.Outcomes[OutcomeBusy]).
			Dur("duration", report.Duration).
			Msg("Alarm tick completed")
	}
	return report, nil
}

// process evaluates one due record. The key stays held until the dispatch
// callback has recorded the outcome.
func (s *Scheduler) process(ctx context.Context, p storage.PendingNotification) Outcome {
	key := p.Key()
	if !s.keys.TryAcquire(key) {
		return OutcomeBusy
	}
	log := s.logger.With().
		Str("user_id", p.UserID).
		Str("sensor_uuid", p.SensorUUID).
		Str("alarm_type", string(p.AlarmType)).
		Logger()

	cfg, err := s.store.GetAlarmConfig(ctx, p.UserID, p.SensorUUID)
	if errors.Is(err, storage.ErrNotFound) {
		defer s.keys.Release(key)
		if err := s.store.DeletePending(ctx, key); err != nil {
			log.Error().Err(err).Msg("Failed to drop notification without config")
			return OutcomeStoreError
		}
		log.Info().Msg("Sensor has no alarm config, notification dropped")
		return OutcomeNoConfig
	}
	if err != nil {
		s.keys.Release(key)
		log.Error().Err(err).Msg("Failed to load alarm config")
		return OutcomeStoreError
	}

	reading, err := s.store.LatestReading(ctx, p.UserID, p.SensorUUID)
	if errors.Is(err, storage.ErrNotFound) {
		s.keys.Release(key)
		log.Debug().Msg("No reading yet, keeping notification")
		return OutcomeNoReading
	}
	if err != nil {
		s.keys.Release(key)
		log.Error().Err(err).Msg("Failed to load latest reading")
		return OutcomeStoreError
	}

	fired, text := Evaluate(p.AlarmType, cfg, reading)
	s.metrics.AlarmEvaluated(string(p.AlarmType), fired)

	if !fired {
		defer s.keys.Release(key)
		if err := s.store.DeletePending(ctx, key); err != nil {
			log.Error().Err(err).Msg("Failed to clear notification")
			return OutcomeStoreError
		}
		log.Info().Msg("Alarm condition cleared")
		return OutcomeCleared
	}

	now := s.opts.Now()
	n := notify.New(p.UserID, p.SensorUUID, string(p.AlarmType), s.opts.Title,
		Message(cfg, p.SensorUUID, text), now)

	log.Info().Str("message", n.Body).Bool("rearm", p.Rearm).Msg("Alarm fired, dispatching")

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DispatchTimeout)
	s.inflight.Add(1)
	s.dispatcher.Dispatch(dctx, n, func(res notify.Result) {
		defer s.inflight.Done()
		defer s.keys.Release(key)
		defer cancel()
		s.complete(context.WithoutCancel(dctx), p, cfg, res, log)
	})
	return OutcomeFired
}

// complete records the outcome of a dispatch. On success the record is
// replaced by its re-arm record in one transaction. On failure it is left
// for the next tick unless the attempt cap is reached.
func (s *Scheduler) complete(ctx context.Context, p storage.PendingNotification, cfg *storage.AlarmConfig, res notify.Result, log zerolog.Logger) {
	s.metrics.NotificationDispatched(string(p.AlarmType), res.OK())
	key := p.Key()

	if res.OK() {
		var next *storage.PendingNotification
		if cfg.Enabled(p.AlarmType) {
			now := s.opts.Now()
			next = &storage.PendingNotification{
				UserID:     p.UserID,
				SensorUUID: p.SensorUUID,
				AlarmType:  p.AlarmType,
				CreatedAt:  now,
				DueAt:      now.Add(cfg.ReArmDelay(p.AlarmType)),
				Rearm:      true,
				Label:      p.AlarmType.RearmLabel(),
			}
		}
		if err := s.store.ReplacePending(ctx, key, next); err != nil {
			log.Error().Err(err).Msg("Notification sent but re-arm failed")
			return
		}
		log.Info().Str("channel", res.Channel).Dur("took", res.Duration).Msg("Notification sent")
		return
	}

	log.Warn().Err(res.Err).Str("channel", res.Channel).Msg("Notification dispatch failed")

	if s.opts.MaxDispatchAttempts <= 0 {
		return
	}
	p.Attempts++
	if p.Attempts >= s.opts.MaxDispatchAttempts {
		if err := s.store.DeletePending(ctx, key); err != nil {
			log.Error().Err(err).Msg("Failed to dead-letter notification")
			return
		}
		s.metrics.PendingDeadLettered(string(p.AlarmType))
		log.Error().Int("attempts", p.Attempts).Msg("Notification dead-lettered")
		return
	}
	if err := s.store.UpdatePending(ctx, p); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Error().Err(err).Msg("Failed to record dispatch attempt")
	}
}

// Arm schedules a notification for every enabled alarm type whose condition
// holds on r, unless one is already pending or in flight for that key.
func (s *Scheduler) Arm(ctx context.Context, r storage.SensorReading) error {
	cfg, err := s.store.GetAlarmConfig(ctx, r.UserID, r.SensorUUID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load alarm config: %w", err)
	}

	var errList []error
	for _, t := range storage.AlarmTypes {
		if fired, _ := Evaluate(t, cfg, &r); !fired {
			continue
		}

		key := storage.PendingKey{UserID: r.UserID, SensorUUID: r.SensorUUID, AlarmType: t}
		if !s.keys.TryAcquire(key) {
			continue
		}
		at := r.ObservedAt
		if at.IsZero() {
			at = s.opts.Now()
		}
		err := s.store.CreatePending(ctx, storage.PendingNotification{
			UserID:     r.UserID,
			SensorUUID: r.SensorUUID,
			AlarmType:  t,
			CreatedAt:  at,
			DueAt:      at.Add(cfg.Delay(t)),
		})
		s.keys.Release(key)

		switch {
		case err == nil:
			s.logger.Info().
				Str("user_id", r.UserID).
				Str("sensor_uuid", r.SensorUUID).
				Str("alarm_type", string(t)).
				Dur("delay", cfg.Delay(t)).
				Msg("Alarm armed")
		case errors.Is(err, storage.ErrPendingExists):
		default:
			errList = append(errList, fmt.Errorf("arm %s: %w", key, err))
		}
	}
	return errors.Join(errList...)
}
