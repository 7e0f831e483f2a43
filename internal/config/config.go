package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v7"
	"golang.org/x/crypto/bcrypt"
)

// EnvPrefix is prepended to every setting name
const EnvPrefix = "SENSORWATCH_"

// Environment variable names used outside of struct tags
const (
	EnvJWTSecret            = EnvPrefix + "JWT_SECRET"
	EnvOperatorPasswordHash = EnvPrefix + "OPERATOR_PASSWORD_HASH"
	EnvLogLevel             = EnvPrefix + "LOG_LEVEL"
)

// Settings is the typed view of the configuration
type Settings struct {
	// Server settings
	Addr        string `env:"ADDR" envDefault:":8080"`
	DBPath      string `env:"DB_PATH" envDefault:"sensorwatch.db"`
	MaxReadings int    `env:"MAX_READINGS" envDefault:"1000"`

	// Security settings
	JWTSecret            string        `env:"JWT_SECRET"`
	JWTExpiration        time.Duration `env:"JWT_EXPIRATION" envDefault:"24h"`
	NoAuth               bool          `env:"NO_AUTH" envDefault:"false"`
	OperatorUser         string        `env:"OPERATOR_USER" envDefault:"admin"`
	OperatorPasswordHash string        `env:"OPERATOR_PASSWORD_HASH"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogOutput string `env:"LOG_OUTPUT" envDefault:"stdout"`

	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"sensorwatch"`

	MQTT   MQTTSettings   `envPrefix:"MQTT_"`
	Ingest IngestSettings `envPrefix:"INGEST_"`
	Alarm  AlarmSettings  `envPrefix:"ALARM_"`
	Push   PushSettings   `envPrefix:"PUSH_"`
}

// MQTTSettings configures the broker connection
type MQTTSettings struct {
	Broker         string        `env:"BROKER" envDefault:"tcp://localhost:1883"`
	ClientIDPrefix string        `env:"CLIENT_ID_PREFIX" envDefault:"sensorwatch"`
	Username       string        `env:"USERNAME"`
	Password       string        `env:"PASSWORD"`
	UseTLS         bool          `env:"USE_TLS" envDefault:"false"`
	TLSInsecure    bool          `env:"TLS_INSECURE" envDefault:"false"`
	KeepAlive      time.Duration `env:"KEEP_ALIVE" envDefault:"30s"`
	CleanSession   bool          `env:"CLEAN_SESSION" envDefault:"true"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`

	// Role is "subscriber" or "publisher"; only subscribers subscribe.
	Role           string `env:"ROLE" envDefault:"subscriber"`
	SubscribeTopic string `env:"SUBSCRIBE_TOPIC" envDefault:"#"`
	SubscribeQoS   int    `env:"SUBSCRIBE_QOS" envDefault:"0"`
	PublishTopic   string `env:"PUBLISH_TOPIC"`

	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"3"`
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"3s"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"12s"`

	TopicPrefix string   `env:"TOPIC_PREFIX" envDefault:"HBEE"`
	SensorTypes []string `env:"SENSOR_TYPES" envDefault:"TC,SENSOR,DEVICE,IOT" envSeparator:","`
}

// IngestSettings configures the ingestion pipeline
type IngestSettings struct {
	QueueSize        int    `env:"QUEUE_SIZE" envDefault:"1024"`
	Workers          int    `env:"WORKERS" envDefault:"4"`
	ArrayMode        string `env:"ARRAY_MODE" envDefault:"first_valid"`
	ActcodeFilter    string `env:"ACTCODE_FILTER"`
	MaxBodyBytes     int    `env:"MAX_BODY_BYTES" envDefault:"10240"`
	MaxFields        int    `env:"MAX_FIELDS" envDefault:"20"`
	MaxArrayElements int    `env:"MAX_ARRAY_ELEMENTS" envDefault:"100"`
	FailureHistory   int    `env:"FAILURE_HISTORY" envDefault:"100"`
}

// AlarmSettings configures the scheduler
type AlarmSettings struct {
	Interval time.Duration `env:"INTERVAL" envDefault:"60s"`
	// MaxDispatchAttempts of 0 retries failed dispatches forever.
	MaxDispatchAttempts int           `env:"MAX_DISPATCH_ATTEMPTS" envDefault:"0"`
	DispatchTimeout     time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"30s"`
}

// PushSettings configures the push notification endpoint
type PushSettings struct {
	Endpoint string        `env:"ENDPOINT"`
	APIKey   string        `env:"API_KEY"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"10s"`
	Title    string        `env:"TITLE" envDefault:"Sensor alarm"`
	// MQTTFallback publishes alarms to the broker when push is unavailable.
	MQTTFallback bool `env:"MQTT_FALLBACK" envDefault:"true"`
}

// Config holds all application configuration.
// All access should be through getter methods for thread safety.
type Config struct {
	mu       sync.RWMutex
	filePath string
	dirty    bool // tracks if config was modified

	settings Settings
	// values is what Save writes: defaults overlaid with the file contents.
	values map[string]string

	generatedPassword string
}

// Load loads configuration from .env file or creates it with defaults.
// Process environment variables override the file.
// This is the main entry point for configuration initialization.
func Load(filePath string) (*Config, error) {
	cfg := &Config{
		filePath: filePath,
	}

	fileValues, err := readFile(filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		// File doesn't exist - will be created with defaults
		cfg.dirty = true
	}

	if err := cfg.apply(fileValues); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Generate JWT secret if empty
	if cfg.settings.JWTSecret == "" {
		secret, err := generateSecureSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		cfg.settings.JWTSecret = secret
		cfg.values[EnvJWTSecret] = secret
		cfg.dirty = true
	}

	// Generate an operator password on first run
	if cfg.settings.OperatorPasswordHash == "" && !cfg.settings.NoAuth {
		password, err := generateSecureSecret(12)
		if err != nil {
			return nil, fmt.Errorf("failed to generate operator password: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash operator password: %w", err)
		}
		cfg.generatedPassword = password
		cfg.settings.OperatorPasswordHash = string(hash)
		cfg.values[EnvOperatorPasswordHash] = string(hash)
		cfg.dirty = true
	}

	if err := cfg.settings.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Save if config was modified (new file or generated secrets)
	if cfg.dirty {
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
	}

	return cfg, nil
}

func readFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ParseEnvFile(file)
}

// apply parses fileValues twice: once alone to record the persisted
// values including defaults, and once overlaid with the process
// environment to produce the effective settings.
func (c *Config) apply(fileValues map[string]string) error {
	values := make(map[string]string)
	var persisted Settings
	err := env.Parse(&persisted, env.Options{
		Environment: copyMap(fileValues),
		Prefix:      EnvPrefix,
		OnSet: func(key string, value interface{}, _ bool) {
			values[key] = fmt.Sprint(value)
		},
	})
	if err != nil {
		return err
	}

	merged := copyMap(fileValues)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix) {
			merged[k] = v
		}
	}

	var settings Settings
	if err := env.Parse(&settings, env.Options{Environment: merged, Prefix: EnvPrefix}); err != nil {
		return err
	}

	// Keep unknown keys so that Save does not drop them
	for k, v := range fileValues {
		if _, ok := values[k]; !ok {
			values[k] = v
		}
	}

	c.settings = settings
	c.values = values
	return nil
}

// validate checks if configuration is valid.
func (s *Settings) validate() error {
	if err := validateAddr(s.Addr); err != nil {
		return err
	}

	// Validate JWT expiration
	if s.JWTExpiration < time.Minute {
		return errors.New("JWT expiration must be at least 1 minute")
	}
	if s.JWTExpiration > 365*24*time.Hour {
		return errors.New("JWT expiration cannot exceed 1 year")
	}

	if s.DBPath == "" {
		return errors.New("database path cannot be empty")
	}

	if s.MQTT.Broker == "" {
		return errors.New("MQTT broker cannot be empty")
	}
	switch s.MQTT.Role {
	case "subscriber", "publisher":
	default:
		return fmt.Errorf("invalid MQTT role: %s", s.MQTT.Role)
	}
	if s.MQTT.SubscribeQoS < 0 || s.MQTT.SubscribeQoS > 2 {
		return fmt.Errorf("invalid MQTT subscribe QoS: %d", s.MQTT.SubscribeQoS)
	}
	if s.MQTT.ConnectTimeout <= 0 {
		return errors.New("MQTT connect timeout must be positive")
	}
	if s.MQTT.MaxReconnectAttempts < 0 {
		return errors.New("MQTT reconnect attempts cannot be negative")
	}
	if s.MQTT.TopicPrefix == "" || strings.Contains(s.MQTT.TopicPrefix, "/") {
		return fmt.Errorf("invalid topic prefix: %q", s.MQTT.TopicPrefix)
	}

	if s.Ingest.QueueSize < 1 || s.Ingest.Workers < 1 {
		return errors.New("ingest queue size and workers must be at least 1")
	}
	switch s.Ingest.ArrayMode {
	case "first_valid", "merge":
	default:
		return fmt.Errorf("invalid array mode: %s", s.Ingest.ArrayMode)
	}

	if s.Alarm.Interval < time.Second {
		return errors.New("alarm interval must be at least 1 second")
	}
	if s.Alarm.MaxDispatchAttempts < 0 {
		return errors.New("max dispatch attempts cannot be negative")
	}

	return nil
}

func validateAddr(addr string) error {
	if addr == "" {
		return errors.New("server address cannot be empty")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid server address format: %s", addr)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 1 || portNum > 65535 {
		return fmt.Errorf("invalid port number: %s", port)
	}
	return nil
}

// Save writes current configuration to .env file.
func (c *Config) Save() error {
	c.mu.RLock()
	values := copyMap(c.values)
	filePath := c.filePath
	c.mu.RUnlock()

	if err := WriteEnvFile(filePath, values); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()

	return nil
}

// Getters (thread-safe)

// Settings returns a copy of the effective settings.
func (c *Config) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.settings
	s.MQTT.SensorTypes = append([]string(nil), c.settings.MQTT.SensorTypes...)
	return s
}

// Addr returns the server address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.Addr
}

// JWTSecret returns the JWT secret key.
func (c *Config) JWTSecret() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.JWTSecret
}

// NoAuth returns whether authentication is disabled.
func (c *Config) NoAuth() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.NoAuth
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.LogLevel
}

// FilePath returns the path to the .env file.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// GeneratedPassword returns the operator password created by Load on first
// run, or "" if the password hash came from the file.
func (c *Config) GeneratedPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generatedPassword
}

// Setters (thread-safe, auto-save)

// Set changes one setting by its full variable name and saves to file.
func (c *Config) Set(key, value string) error {
	c.mu.Lock()
	fileValues := copyMap(c.values)
	fileValues[key] = value

	prevSettings, prevValues := c.settings, c.values
	if err := c.apply(fileValues); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.settings.validate(); err != nil {
		c.settings, c.values = prevSettings, prevValues
		c.mu.Unlock()
		return err
	}
	c.dirty = true
	c.mu.Unlock()

	return c.Save()
}

// SetLogLevel sets the log level and saves to file.
func (c *Config) SetLogLevel(level string) error {
	return c.Set(EnvLogLevel, level)
}

// Reload reloads configuration from file.
// Useful for hot-reloading configuration.
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fileValues, err := readFile(c.filePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	// Keep current secrets in case the file lost them
	currentSecret := c.settings.JWTSecret
	currentHash := c.settings.OperatorPasswordHash
	prevSettings, prevValues := c.settings, c.values

	if err := c.apply(fileValues); err != nil {
		return err
	}
	if c.settings.JWTSecret == "" {
		c.settings.JWTSecret = currentSecret
		c.values[EnvJWTSecret] = currentSecret
	}
	if c.settings.OperatorPasswordHash == "" {
		c.settings.OperatorPasswordHash = currentHash
		c.values[EnvOperatorPasswordHash] = currentHash
	}

	if err := c.settings.validate(); err != nil {
		c.settings, c.values = prevSettings, prevValues
		return err
	}
	return nil
}

// String returns a string representation of the config (without secrets).
func (c *Config) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	secretDisplay := "[not set]"
	if c.settings.JWTSecret != "" {
		secretDisplay = "[set]"
	}

	return fmt.Sprintf(
		"Config{Addr: %q, DBPath: %q, JWTSecret: %s, NoAuth: %v, MQTTBroker: %q, AlarmInterval: %v, PushEndpoint: %q}",
		c.settings.Addr, c.settings.DBPath, secretDisplay, c.settings.NoAuth,
		c.settings.MQTT.Broker, c.settings.Alarm.Interval, c.settings.Push.Endpoint,
	)
}

// Helper functions

// generateSecureSecret generates a cryptographically secure random hex string.
func generateSecureSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
