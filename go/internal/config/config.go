// Package config loads settings for the relay gateway and the terminal
// client from a YAML file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log    LogConfig    `yaml:"log"`
	Relay  RelayConfig  `yaml:"relay"`
	Client ClientConfig `yaml:"client"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// RelayConfig configures the relay gateway.
type RelayConfig struct {
	Port              string        `yaml:"port"`
	InstanceID        string        `yaml:"instance_id"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	MetricsEnabled    bool          `yaml:"metrics_enabled"`
	Redis             RedisConfig   `yaml:"redis"`
	NATS              NATSConfig    `yaml:"nats"`
}

// RedisConfig enables the shared presence store when Addr is set.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// NATSConfig enables cross-instance routing when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ClientConfig configures the terminal client.
type ClientConfig struct {
	RelayURL           string        `yaml:"relay_url"`
	UserID             string        `yaml:"user_id"`
	ICEServers         []string      `yaml:"ice_servers"`
	LoopbackCandidates bool          `yaml:"loopback_candidates"`
	TimeControl        time.Duration `yaml:"time_control"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
}

// Default returns the configuration used when no file or environment
// overrides are given.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Pretty: true},
		Relay: RelayConfig{
			Port:              "5000",
			AllowedOrigins:    []string{"*"},
			InactivityTimeout: 5 * time.Minute,
			SweepInterval:     time.Minute,
			MetricsEnabled:    true,
			Redis:             RedisConfig{KeyPrefix: "relay:presence"},
			NATS:              NATSConfig{SubjectPrefix: "relay"},
		},
		Client: ClientConfig{
			RelayURL:           "ws://localhost:5000/ws",
			ICEServers:         []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
			TimeControl:        10 * time.Minute,
			TickInterval:       100 * time.Millisecond,
			NegotiationTimeout: 30 * time.Second,
			PingInterval:       30 * time.Second,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() {
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	c.Relay.Port = getEnv("PORT", c.Relay.Port)
	c.Relay.InstanceID = getEnv("RELAY_INSTANCE_ID", c.Relay.InstanceID)
	c.Relay.AllowedOrigins = getEnvAsList("ALLOWED_ORIGINS", c.Relay.AllowedOrigins)
	c.Relay.InactivityTimeout = getEnvAsDuration("INACTIVITY_TIMEOUT", c.Relay.InactivityTimeout)
	c.Relay.SweepInterval = getEnvAsDuration("SWEEP_INTERVAL", c.Relay.SweepInterval)
	c.Relay.MetricsEnabled = getEnvAsBool("METRICS_ENABLED", c.Relay.MetricsEnabled)
	c.Relay.Redis.Addr = getEnv("REDIS_ADDR", c.Relay.Redis.Addr)
	c.Relay.Redis.Password = getEnv("REDIS_PASSWORD", c.Relay.Redis.Password)
	c.Relay.Redis.DB = getEnvAsInt("REDIS_DB", c.Relay.Redis.DB)
	c.Relay.NATS.URL = getEnv("NATS_URL", c.Relay.NATS.URL)

	c.Client.RelayURL = getEnv("RELAY_URL", c.Client.RelayURL)
	c.Client.UserID = getEnv("CHESS_USER_ID", c.Client.UserID)
	c.Client.ICEServers = getEnvAsList("ICE_SERVERS", c.Client.ICEServers)
	c.Client.LoopbackCandidates = getEnvAsBool("ICE_LOOPBACK", c.Client.LoopbackCandidates)
	if minutes := getEnvAsInt("TIME_CONTROL_MINUTES", 0); minutes > 0 {
		c.Client.TimeControl = time.Duration(minutes) * time.Minute
	}
	c.Client.NegotiationTimeout = getEnvAsDuration("NEGOTIATION_TIMEOUT", c.Client.NegotiationTimeout)
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Relay.Port == "" {
		errs = append(errs, errors.New("relay.port is required"))
	}
	if c.Relay.InactivityTimeout <= 0 {
		errs = append(errs, errors.New("relay.inactivity_timeout must be positive"))
	}
	if c.Relay.SweepInterval <= 0 {
		errs = append(errs, errors.New("relay.sweep_interval must be positive"))
	}
	if c.Client.RelayURL == "" {
		errs = append(errs, errors.New("client.relay_url is required"))
	}
	if c.Client.TimeControl <= 0 {
		errs = append(errs, errors.New("client.time_control must be positive"))
	}
	if c.Client.TickInterval <= 0 {
		errs = append(errs, errors.New("client.tick_interval must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
