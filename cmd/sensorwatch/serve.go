package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sensorwatch/internal/alarm"
	"sensorwatch/internal/api"
	"sensorwatch/internal/auth"
	"sensorwatch/internal/config"
	"sensorwatch/internal/events"
	"sensorwatch/internal/ingest"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/mqtt"
	"sensorwatch/internal/notify"
	"sensorwatch/internal/payload"
	"sensorwatch/internal/stats"
	"sensorwatch/internal/storage"
	"sensorwatch/internal/topic"
)

func newServeCmd() *cobra.Command {
	var noConnect bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion, the alarm scheduler and the operator API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), noConnect)
		},
	}
	cmd.Flags().BoolVar(&noConnect, "no-connect", false, "Start without connecting to the broker")
	return cmd
}

func serve(parent context.Context, noConnect bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	s := cfg.Settings()

	if err := logger.Init(logger.Config{Level: s.LogLevel, Output: s.LogOutput}); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	log := logger.WithComponent("main")
	log.Info().Str("version", Version).Str("config", cfg.String()).Msg("Starting sensorwatch")

	if password := cfg.GeneratedPassword(); password != "" {
		fmt.Printf("\nGenerated operator password for %q: %s\n", s.OperatorUser, password)
		fmt.Printf("It is stored hashed in %s and will not be shown again.\n\n", cfg.FilePath())
	}
	if s.NoAuth {
		log.Warn().Msg("Authentication is DISABLED")
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewBoltStore(s.DBPath, s.MaxReadings)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom, err := stats.NewPrometheus(reg, s.MetricsNamespace)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	recorder := stats.NewRecorder()
	metrics := stats.Multi{prom, recorder}

	failures := events.NewStore(s.Ingest.FailureHistory)
	codec := topic.NewCodec(topic.Options{
		Prefix:      s.MQTT.TopicPrefix,
		SensorTypes: s.MQTT.SensorTypes,
	})
	validator := newValidator(s.Ingest)
	hub := api.NewHub(logger.WithComponent("live"))

	// The broker handler and the alarm path both need the pipeline, which
	// in turn arms alarms on the scheduler.
	var pipeline *ingest.Pipeline
	manager := mqtt.NewManager(mqttConfig(s.MQTT), func(t string, b []byte) {
		pipeline.OnMessage(t, b)
	}, mqtt.Options{
		Metrics: metrics,
		Logger:  logger.WithComponent("mqtt"),
		OnFatal: func(err error) {
			log.Error().Err(err).Msg("Broker connection closed for good, operator API stays up")
		},
	})

	scheduler := alarm.New(store, newDispatcher(s, store, manager, codec), alarm.Options{
		Interval:            s.Alarm.Interval,
		MaxDispatchAttempts: s.Alarm.MaxDispatchAttempts,
		DispatchTimeout:     s.Alarm.DispatchTimeout,
		Title:               s.Push.Title,
		Metrics:             metrics,
		Logger:              logger.WithComponent("alarm"),
	})

	pipeline = ingest.New(codec, validator, store, ingest.Options{
		QueueSize: s.Ingest.QueueSize,
		Workers:   s.Ingest.Workers,
		Metrics:   metrics,
		Failures:  failures,
		Logger:    logger.WithComponent("ingest"),
		Armer:     scheduler,
		OnReading: hub.Publish,
	})

	var authenticator auth.Authenticator
	if !s.NoAuth {
		authenticator = auth.NewPasswordAuth(s.OperatorUser, s.OperatorPasswordHash)
	}
	server, err := api.NewServer(api.Deps{
		Store:         store,
		Failures:      failures,
		Recorder:      recorder,
		Gatherer:      reg,
		Broker:        manager,
		Scheduler:     scheduler,
		Queue:         pipeline,
		Hub:           hub,
		Authenticator: authenticator,
		JWTSecret:     s.JWTSecret,
		TokenDuration: s.JWTExpiration,
		NoAuth:        s.NoAuth,
		Logger:        logger.WithComponent("api"),
		Version:       Version,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pipeline.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return server.Serve(ctx, s.Addr) })
	g.Go(func() error {
		return cfg.Watch(ctx, func(next config.Settings) {
			if err := logger.SetLevel(next.LogLevel); err != nil {
				log.Warn().Err(err).Str("level", next.LogLevel).Msg("Ignoring invalid log level")
				return
			}
			log.Info().Str("level", next.LogLevel).Msg("Configuration reloaded")
		}, func(err error) {
			log.Warn().Err(err).Msg("Failed to reload configuration")
		})
	})
	g.Go(func() error {
		if !noConnect {
			if err := manager.Connect(ctx); err != nil && !errors.Is(err, mqtt.ErrClosed) {
				log.Error().Err(err).Msg("Initial broker connect failed, use POST /api/mqtt/reconnect to retry")
			}
		}
		<-ctx.Done()
		manager.Disconnect()
		return nil
	})

	if _, port, err := net.SplitHostPort(s.Addr); err == nil {
		printAccessURLs(port)
	}

	err = g.Wait()
	log.Info().Msg("Shutdown complete")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func mqttConfig(m config.MQTTSettings) mqtt.Config {
	return mqtt.Config{
		Broker:               m.Broker,
		ClientIDPrefix:       m.ClientIDPrefix,
		Username:             m.Username,
		Password:             m.Password,
		UseTLS:               m.UseTLS,
		TLSInsecure:          m.TLSInsecure,
		KeepAlive:            m.KeepAlive,
		CleanSession:         m.CleanSession,
		ConnectTimeout:       m.ConnectTimeout,
		Role:                 mqtt.Role(m.Role),
		SubscribeTopic:       m.SubscribeTopic,
		SubscribeQoS:         byte(m.SubscribeQoS),
		PublishTopic:         m.PublishTopic,
		MaxReconnectAttempts: m.MaxReconnectAttempts,
		ReconnectBaseDelay:   m.ReconnectBaseDelay,
		ReconnectMaxDelay:    m.ReconnectMaxDelay,
	}
}

func newValidator(in config.IngestSettings) *payload.Validator {
	return payload.New(payload.Options{
		MaxBodyBytes:     in.MaxBodyBytes,
		MaxFields:        in.MaxFields,
		MaxArrayElements: in.MaxArrayElements,
		ArrayMode:        payload.ArrayMode(in.ArrayMode),
		ActcodeFilter:    in.ActcodeFilter,
	})
}

// newDispatcher builds the push channel and the broker fallback. Channels
// that are not configured stay nil interfaces.
func newDispatcher(s config.Settings, store storage.Store, manager *mqtt.Manager, codec *topic.Codec) *notify.Fallback {
	var push notify.Sender
	if s.Push.Endpoint != "" {
		push = notify.NewHTTPDispatcher(notify.HTTPConfig{
			Endpoint: s.Push.Endpoint,
			APIKey:   s.Push.APIKey,
			Timeout:  s.Push.Timeout,
		}, logger.WithComponent("push"))
	}

	var publisher notify.AlarmPublisher
	if s.Push.MQTTFallback {
		publisher = mqtt.NewPublisher(manager, codec.AlarmTopic, logger.WithComponent("publisher"))
	}

	return notify.NewFallback(push, store, publisher, logger.WithComponent("notify"))
}
