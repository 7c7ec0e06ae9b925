// Package config provides configuration loading and validation for the
// presence daemon. It uses koanf to merge environment variables with
// optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/nearcast/nearcast/internal/color"
	"github.com/nearcast/nearcast/internal/validate"
)

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
)

// Config holds all configuration values for the presence daemon.
type Config struct {
	// Runtime settings
	Env         string `koanf:"env"`
	MetricsPort int    `koanf:"metrics_port"`

	// Local participant profile
	Identity    string `koanf:"identity"`
	DisplayName string `koanf:"display_name"`
	Color       string `koanf:"color"`
	DeviceType  string `koanf:"device_type"`

	// SpaceKey is the shared key of the presence space; it signs
	// broadcast envelopes and location commitments.
	SpaceKey string `koanf:"space_key"`

	// Broadcast timing
	UpdateIntervalMS   int `koanf:"update_interval_ms"`
	LocationThrottleMS int `koanf:"location_throttle_ms"`
	PresenceTTLSeconds int `koanf:"presence_ttl_seconds"`

	// ShareLocationByDefault starts device location sharing on startup.
	ShareLocationByDefault bool `koanf:"share_location_by_default"`

	// DefaultPublicPrecision is the geohash precision broadcast at the
	// public tier. Lower is coarser; 2 covers roughly a metro area.
	DefaultPublicPrecision int `koanf:"default_public_precision"`

	// Transport selects the broadcast fabric: websocket or redis.
	Transport string `koanf:"transport"`

	// RelayURL is the WebSocket relay endpoint (websocket transport).
	RelayURL string `koanf:"relay_url"`

	// Redis pub/sub settings (redis transport)
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	RedisChannel  string `koanf:"redis_channel"`

	// DatabaseURL enables the Postgres-backed trust circle. Optional;
	// without it the trust circle lives in memory.
	DatabaseURL string `koanf:"database_url"`

	// Tracing
	TracingEnabled bool   `koanf:"tracing_enabled"`
	OTLPEndpoint   string `koanf:"otlp_endpoint"`
}

// Configuration validation errors.
var (
	ErrMissingIdentity     = errors.New("NEARCAST_IDENTITY is required")
	ErrMissingSpaceKey     = errors.New("NEARCAST_SPACE_KEY is required")
	ErrInvalidTransport    = errors.New("NEARCAST_TRANSPORT must be websocket or redis")
	ErrMissingRelayURL     = errors.New("NEARCAST_RELAY_URL is required for the websocket transport")
	ErrMissingRedisAddr    = errors.New("NEARCAST_REDIS_ADDR is required for the redis transport")
	ErrMissingRedisChannel = errors.New("NEARCAST_REDIS_CHANNEL is required for the redis transport")
	ErrInvalidInterval     = errors.New("broadcast intervals must be positive")
	ErrInvalidPrecision    = errors.New("NEARCAST_DEFAULT_PUBLIC_PRECISION must be between 1 and 12")
	ErrInvalidInt          = errors.New("value must be a valid integer")
)

// Default values for non-secret configuration.
const (
	DefaultEnv                = "development"
	DefaultMetricsPort        = 9090
	DefaultTransport          = TransportWebSocket
	DefaultUpdateIntervalMS   = 15000
	DefaultLocationThrottleMS = 1000
	DefaultPresenceTTLSeconds = 60
	DefaultPublicPrecision    = 2
	DefaultRedisChannel       = "nearcast:presence"
)

// Load reads configuration from environment variables and an optional
// config file. Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if
// valid). If a config file path is provided and the file cannot be
// loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	metricsPort, err := getEnvIntOrDefault("NEARCAST_METRICS_PORT", k.Int("metrics_port"), DefaultMetricsPort)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	updateInterval, err := getEnvIntOrDefault("NEARCAST_UPDATE_INTERVAL_MS", k.Int("update_interval_ms"), DefaultUpdateIntervalMS)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	locationThrottle, err := getEnvIntOrDefault("NEARCAST_LOCATION_THROTTLE_MS", k.Int("location_throttle_ms"), DefaultLocationThrottleMS)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	presenceTTL, err := getEnvIntOrDefault("NEARCAST_PRESENCE_TTL_SECONDS", k.Int("presence_ttl_seconds"), DefaultPresenceTTLSeconds)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	publicPrecision, err := getEnvIntOrDefault("NEARCAST_DEFAULT_PUBLIC_PRECISION", k.Int("default_public_precision"), DefaultPublicPrecision)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	redisDB, err := getEnvIntOrDefault("NEARCAST_REDIS_DB", k.Int("redis_db"), 0)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	cfg := &Config{
		Env:                    getEnvOrDefaultMulti([]string{"NEARCAST_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		MetricsPort:            metricsPort,
		Identity:               getEnvOrKoanf("NEARCAST_IDENTITY", k, "identity"),
		DisplayName:            getEnvOrKoanf("NEARCAST_DISPLAY_NAME", k, "display_name"),
		Color:                  getEnvOrKoanf("NEARCAST_COLOR", k, "color"),
		DeviceType:             getEnvOrKoanf("NEARCAST_DEVICE_TYPE", k, "device_type"),
		SpaceKey:               getEnvOrKoanf("NEARCAST_SPACE_KEY", k, "space_key"),
		UpdateIntervalMS:       updateInterval,
		LocationThrottleMS:     locationThrottle,
		PresenceTTLSeconds:     presenceTTL,
		ShareLocationByDefault: getEnvBool("NEARCAST_SHARE_LOCATION_BY_DEFAULT", k, "share_location_by_default", false),
		DefaultPublicPrecision: publicPrecision,
		Transport:              getEnvOrDefault("NEARCAST_TRANSPORT", k.String("transport"), DefaultTransport),
		RelayURL:               getEnvOrKoanf("NEARCAST_RELAY_URL", k, "relay_url"),
		RedisAddr:              getEnvOrKoanf("NEARCAST_REDIS_ADDR", k, "redis_addr"),
		RedisPassword:          getEnvOrKoanf("NEARCAST_REDIS_PASSWORD", k, "redis_password"),
		RedisDB:                redisDB,
		RedisChannel:           getEnvOrDefault("NEARCAST_REDIS_CHANNEL", k.String("redis_channel"), DefaultRedisChannel),
		DatabaseURL:            getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		TracingEnabled:         getEnvBool("NEARCAST_TRACING_ENABLED", k, "tracing_enabled", false),
		OTLPEndpoint:           getEnvOrKoanf("NEARCAST_OTLP_ENDPOINT", k, "otlp_endpoint"),
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidInt)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvBool returns the environment variable as bool if set, otherwise the koanf value, or default.
func getEnvBool(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	out := defaultVal
	if k.Exists(koanfKey) {
		out = k.Bool(koanfKey)
	}
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			out = true
		case "false", "0", "no", "off":
			out = false
		}
	}
	return out
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.Identity == "" {
		errs = append(errs, ErrMissingIdentity)
	}
	if c.SpaceKey == "" {
		errs = append(errs, ErrMissingSpaceKey)
	}

	switch c.Transport {
	case TransportWebSocket:
		if c.RelayURL == "" {
			errs = append(errs, ErrMissingRelayURL)
		}
	case TransportRedis:
		if c.RedisAddr == "" {
			errs = append(errs, ErrMissingRedisAddr)
		}
		if c.RedisChannel == "" {
			errs = append(errs, ErrMissingRedisChannel)
		}
	default:
		errs = append(errs, ErrInvalidTransport)
	}

	if c.UpdateIntervalMS <= 0 || c.LocationThrottleMS <= 0 || c.PresenceTTLSeconds <= 0 {
		errs = append(errs, ErrInvalidInterval)
	}
	if c.DefaultPublicPrecision < 1 || c.DefaultPublicPrecision > 12 {
		errs = append(errs, ErrInvalidPrecision)
	}

	if c.DisplayName != "" {
		if _, err := validate.DisplayName(c.DisplayName); err != nil {
			errs = append(errs, fmt.Errorf("invalid display name: %w", err))
		}
	}
	if c.Color != "" {
		if err := color.ValidateHexColor(c.Color); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"env":                       c.Env,
		"metrics_port":              fmt.Sprintf("%d", c.MetricsPort),
		"identity":                  c.Identity,
		"display_name":              c.DisplayName,
		"device_type":               c.DeviceType,
		"space_key":                 maskSecret(c.SpaceKey),
		"update_interval_ms":        fmt.Sprintf("%d", c.UpdateIntervalMS),
		"location_throttle_ms":      fmt.Sprintf("%d", c.LocationThrottleMS),
		"presence_ttl_seconds":      fmt.Sprintf("%d", c.PresenceTTLSeconds),
		"share_location_by_default": fmt.Sprintf("%t", c.ShareLocationByDefault),
		"default_public_precision":  fmt.Sprintf("%d", c.DefaultPublicPrecision),
		"transport":                 c.Transport,
		"relay_url":                 c.RelayURL,
		"redis_addr":                c.RedisAddr,
		"redis_password":            maskSecret(c.RedisPassword),
		"redis_channel":             c.RedisChannel,
		"database_url":              maskDatabaseURL(c.DatabaseURL),
		"tracing_enabled":           fmt.Sprintf("%t", c.TracingEnabled),
		"otlp_endpoint":             c.OTLPEndpoint,
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a database URL.
// Supports both postgres:// and postgresql:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
