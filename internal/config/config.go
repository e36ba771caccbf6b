// Package config loads the bridge configuration from an optional YAML file,
// optional .env files and APP_* environment variables, in that order of
// increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/its-app-bridge/internal/app"
	"github.com/signalsfoundry/its-app-bridge/internal/observability"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// AreaConfig is a geofence preconfigured at startup.
type AreaConfig struct {
	X      float32 `yaml:"x"`
	Y      float32 `yaml:"y"`
	Radius float32 `yaml:"radius"`
}

// Config is the top-level configuration for the application server.
type Config struct {
	// Port is the TCP port the control system connects to.
	Port int `yaml:"port"`

	// ListenHost restricts the listener to one interface. Empty listens on all.
	ListenHost string `yaml:"listen_host"`

	// MetricsAddress serves Prometheus /metrics. Empty disables it.
	MetricsAddress string `yaml:"metrics_address"`

	// HealthAddress serves the gRPC health protocol. Empty disables it.
	HealthAddress string `yaml:"health_address"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// ReservedSenderID is the sender id the control system uses in
	// EXECUTE_APPLICATION; other senders never open the execution gate.
	ReservedSenderID int32 `yaml:"reserved_sender_id"`

	// StartTimeStep is the first timestep at which results are generated.
	StartTimeStep int32 `yaml:"start_timestep"`

	// CamArea and CarReturnArea, when set, are offered to the control system
	// on its first LOOK_FOR_SUBSCRIPTIONS.
	CamArea       *AreaConfig `yaml:"cam_area"`
	CarReturnArea *AreaConfig `yaml:"car_return_area"`

	Tracing observability.TracingConfig `yaml:"tracing"`
}

// Default returns the configuration used when nothing else is provided.
func Default() Config {
	return Config{
		Port:             0,
		MetricsAddress:   ":9090",
		HealthAddress:    "",
		LogLevel:         "info",
		LogFormat:        "text",
		ReservedSenderID: app.DefaultReservedSenderID,
		StartTimeStep:    0,
		Tracing:          observability.DefaultTracingConfig(),
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), the given .env files (missing files are ignored) and the
// process environment. The result is validated.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document leaves the defaults in place.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func loadEnvFiles(files []string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	// godotenv.Load never overrides variables already set in the environment.
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v, ok := lookup("APP_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: APP_PORT: %v", ErrInvalidConfig, err)
		}
		c.Port = port
	}
	if v, ok := lookup("APP_LISTEN_HOST"); ok {
		c.ListenHost = v
	}
	if v, ok := os.LookupEnv("APP_METRICS_ADDR"); ok {
		c.MetricsAddress = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("APP_HEALTH_ADDR"); ok {
		c.HealthAddress = strings.TrimSpace(v)
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := lookup("APP_RESERVED_SENDER_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: APP_RESERVED_SENDER_ID: %v", ErrInvalidConfig, err)
		}
		c.ReservedSenderID = int32(id)
	}
	if v, ok := lookup("APP_START_TIMESTEP"); ok {
		step, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: APP_START_TIMESTEP: %v", ErrInvalidConfig, err)
		}
		c.StartTimeStep = int32(step)
	}
	if v, ok := lookup("APP_TRACING_ENABLED"); ok {
		c.Tracing.Enabled = strings.EqualFold(v, "true")
	}
	if v, ok := lookup("APP_TRACING_EXPORTER"); ok {
		c.Tracing.Exporter = strings.ToLower(v)
	}
	if v, ok := lookup("APP_TRACING_SERVICE_NAME"); ok {
		c.Tracing.ServiceName = v
	}
	if v, ok := lookup("APP_OTLP_ENDPOINT"); ok {
		c.Tracing.Endpoint = v
	}
	if v, ok := lookup("APP_TRACING_SAMPLE_RATIO"); ok {
		ratio, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: APP_TRACING_SAMPLE_RATIO: %v", ErrInvalidConfig, err)
		}
		c.Tracing.SampleRatio = ratio
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Validate checks field ranges. It does not require Port to be set, since
// the port is usually supplied on the command line after loading.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.StartTimeStep < 0 {
		return fmt.Errorf("%w: start_timestep must be >= 0, got %d", ErrInvalidConfig, c.StartTimeStep)
	}
	for name, area := range map[string]*AreaConfig{"cam_area": c.CamArea, "car_return_area": c.CarReturnArea} {
		if area != nil && !(area.Radius > 0) {
			return fmt.Errorf("%w: %s radius must be positive, got %g", ErrInvalidConfig, name, area.Radius)
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("%w: tracing.sample_ratio must be within [0,1], got %g", ErrInvalidConfig, c.Tracing.SampleRatio)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log_format must be text or json, got %q", ErrInvalidConfig, c.LogFormat)
	}
	return nil
}

// ListenAddress is the host:port the control system connects to.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.Port)
}
