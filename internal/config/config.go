// Package config loads the process configuration: an optional YAML base
// file overridden by environment variables, validated once at startup and
// immutable afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ErrConfig marks invalid configuration; fatal at startup.
var ErrConfig = errors.New("invalid configuration")

// Permission is one API capability granted to a key.
type Permission string

const (
	PermRead    Permission = "read"
	PermWrite   Permission = "write"
	PermControl Permission = "control"
	PermAdmin   Permission = "admin"
)

// Config is the full process configuration. Fields map 1:1 to environment
// variables; yaml tags serve the optional MODAX_CONFIG_FILE base file.
type Config struct {
	BusTransport string `yaml:"bus_transport"`

	MQTTBrokerHost  string `yaml:"mqtt_broker_host"`
	MQTTBrokerPort  int    `yaml:"mqtt_broker_port"`
	MQTTUsername    string `yaml:"mqtt_username"`
	MQTTPassword    string `yaml:"mqtt_password"`
	MQTTUseTLS      bool   `yaml:"mqtt_use_tls"`
	MQTTCACerts     string `yaml:"mqtt_ca_certs"`
	MQTTCertFile    string `yaml:"mqtt_certfile"`
	MQTTKeyFile     string `yaml:"mqtt_keyfile"`
	MQTTTLSInsecure bool   `yaml:"mqtt_tls_insecure"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	APIHost string `yaml:"api_host"`
	APIPort int    `yaml:"api_port"`

	AIEnabled                 bool   `yaml:"ai_enabled"`
	AILayerURL                string `yaml:"ai_layer_url"`
	AILayerTimeoutSeconds     int    `yaml:"ai_layer_timeout"`
	AIAnalysisIntervalSeconds int    `yaml:"ai_analysis_interval_seconds"`
	AIMinSamples              int    `yaml:"ai_min_samples"`
	AIMaxConcurrency          int    `yaml:"ai_max_concurrency"`

	AggregationWindowSeconds int `yaml:"aggregation_window_seconds"`
	MaxDataPoints            int `yaml:"max_data_points"`
	DeviceOnlineTTLSeconds   int `yaml:"device_online_ttl_seconds"`

	APIKeyEnabled       bool   `yaml:"api_key_enabled"`
	HMIAPIKey           string `yaml:"hmi_api_key"`
	MonitoringAPIKey    string `yaml:"monitoring_api_key"`
	AdminAPIKey         string `yaml:"admin_api_key"`
	MetricsAuthRequired bool   `yaml:"metrics_auth_required"`

	RateLimitEnabled bool   `yaml:"rate_limit_enabled"`
	RateLimitDefault string `yaml:"rate_limit_default"`

	CORSOrigins          []string `yaml:"cors_origins"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`
	CORSAllowMethods     []string `yaml:"cors_allow_methods"`
	CORSAllowHeaders     []string `yaml:"cors_allow_headers"`

	UseJSONLogs bool   `yaml:"use_json_logs"`
	LogLevel    string `yaml:"log_level"`

	AuditLogPath string `yaml:"audit_log_path"`

	WSSendBuffer     int `yaml:"ws_send_buffer"`
	WSMaxConnections int `yaml:"ws_max_connections"`

	DevMode bool `yaml:"dev_mode"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		BusTransport:              "mqtt",
		MQTTBrokerHost:            "localhost",
		MQTTBrokerPort:            1883,
		RedisAddr:                 "localhost:6379",
		APIHost:                   "0.0.0.0",
		APIPort:                   8000,
		AIEnabled:                 true,
		AILayerURL:                "http://localhost:8001/analyze",
		AILayerTimeoutSeconds:     5,
		AIAnalysisIntervalSeconds: 60,
		AIMinSamples:              5,
		AIMaxConcurrency:          8,
		AggregationWindowSeconds:  10,
		MaxDataPoints:             1000,
		DeviceOnlineTTLSeconds:    30,
		RateLimitEnabled:          true,
		RateLimitDefault:          "100/minute",
		CORSOrigins:               []string{"*"},
		CORSAllowMethods:          []string{"GET", "POST", "OPTIONS"},
		CORSAllowHeaders:          []string{"Content-Type", "X-API-Key", "X-Request-ID"},
		UseJSONLogs:               true,
		LogLevel:                  "info",
		WSSendBuffer:              256,
		WSMaxConnections:          64,
	}
}

// Load builds the configuration from defaults, the optional YAML base file,
// and the environment, then validates it.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("MODAX_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
		}
	}

	var envErrs []string
	e := envReader{errs: &envErrs}

	e.str("BUS_TRANSPORT", &cfg.BusTransport)
	e.str("MQTT_BROKER_HOST", &cfg.MQTTBrokerHost)
	e.integer("MQTT_BROKER_PORT", &cfg.MQTTBrokerPort)
	e.str("MQTT_USERNAME", &cfg.MQTTUsername)
	e.str("MQTT_PASSWORD", &cfg.MQTTPassword)
	e.boolean("MQTT_USE_TLS", &cfg.MQTTUseTLS)
	e.str("MQTT_CA_CERTS", &cfg.MQTTCACerts)
	e.str("MQTT_CERTFILE", &cfg.MQTTCertFile)
	e.str("MQTT_KEYFILE", &cfg.MQTTKeyFile)
	e.boolean("MQTT_TLS_INSECURE", &cfg.MQTTTLSInsecure)
	e.str("REDIS_ADDR", &cfg.RedisAddr)
	e.str("REDIS_PASSWORD", &cfg.RedisPassword)
	e.integer("REDIS_DB", &cfg.RedisDB)
	e.str("API_HOST", &cfg.APIHost)
	e.integer("API_PORT", &cfg.APIPort)
	e.boolean("AI_ENABLED", &cfg.AIEnabled)
	e.str("AI_LAYER_URL", &cfg.AILayerURL)
	e.integer("AI_LAYER_TIMEOUT", &cfg.AILayerTimeoutSeconds)
	e.integer("AI_ANALYSIS_INTERVAL_SECONDS", &cfg.AIAnalysisIntervalSeconds)
	e.integer("AI_MIN_SAMPLES", &cfg.AIMinSamples)
	e.integer("AI_MAX_CONCURRENCY", &cfg.AIMaxConcurrency)
	e.integer("AGGREGATION_WINDOW_SECONDS", &cfg.AggregationWindowSeconds)
	e.integer("MAX_DATA_POINTS", &cfg.MaxDataPoints)
	e.integer("DEVICE_ONLINE_TTL_SECONDS", &cfg.DeviceOnlineTTLSeconds)
	e.boolean("API_KEY_ENABLED", &cfg.APIKeyEnabled)
	e.str("HMI_API_KEY", &cfg.HMIAPIKey)
	e.str("MONITORING_API_KEY", &cfg.MonitoringAPIKey)
	e.str("ADMIN_API_KEY", &cfg.AdminAPIKey)
	e.boolean("METRICS_AUTH_REQUIRED", &cfg.MetricsAuthRequired)
	e.boolean("RATE_LIMIT_ENABLED", &cfg.RateLimitEnabled)
	e.str("RATE_LIMIT_DEFAULT", &cfg.RateLimitDefault)
	e.list("CORS_ORIGINS", &cfg.CORSOrigins)
	e.boolean("CORS_ALLOW_CREDENTIALS", &cfg.CORSAllowCredentials)
	e.list("CORS_ALLOW_METHODS", &cfg.CORSAllowMethods)
	e.list("CORS_ALLOW_HEADERS", &cfg.CORSAllowHeaders)
	e.boolean("USE_JSON_LOGS", &cfg.UseJSONLogs)
	e.str("LOG_LEVEL", &cfg.LogLevel)
	e.str("AUDIT_LOG_PATH", &cfg.AuditLogPath)
	e.integer("WS_SEND_BUFFER", &cfg.WSSendBuffer)
	e.integer("WS_MAX_CONNECTIONS", &cfg.WSMaxConnections)
	e.boolean("MODAX_DEV_MODE", &cfg.DevMode)

	if len(envErrs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrConfig, strings.Join(envErrs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces every documented range. It reports all violations at
// once so a bad deployment fails with a complete picture.
func (c *Config) Validate() error {
	var errs []string
	inRange := func(name string, v, lo, hi int) {
		if v < lo || v > hi {
			errs = append(errs, fmt.Sprintf("%s=%d outside [%d,%d]", name, v, lo, hi))
		}
	}

	switch c.BusTransport {
	case "mqtt", "redis", "local":
	default:
		errs = append(errs, fmt.Sprintf("BUS_TRANSPORT=%q not one of mqtt, redis, local", c.BusTransport))
	}
	inRange("MQTT_BROKER_PORT", c.MQTTBrokerPort, 1, 65535)
	inRange("API_PORT", c.APIPort, 1, 65535)
	inRange("AI_LAYER_TIMEOUT", c.AILayerTimeoutSeconds, 1, 60)
	inRange("AI_ANALYSIS_INTERVAL_SECONDS", c.AIAnalysisIntervalSeconds, 5, 3600)
	inRange("AGGREGATION_WINDOW_SECONDS", c.AggregationWindowSeconds, 1, 600)
	inRange("MAX_DATA_POINTS", c.MaxDataPoints, 10, 100000)
	inRange("DEVICE_ONLINE_TTL_SECONDS", c.DeviceOnlineTTLSeconds, 1, 3600)
	inRange("AI_MIN_SAMPLES", c.AIMinSamples, 1, 1000)
	inRange("AI_MAX_CONCURRENCY", c.AIMaxConcurrency, 1, 128)
	inRange("WS_SEND_BUFFER", c.WSSendBuffer, 1, 65536)
	inRange("WS_MAX_CONNECTIONS", c.WSMaxConnections, 1, 10000)

	if c.MQTTTLSInsecure && !c.DevMode {
		errs = append(errs, "MQTT_TLS_INSECURE requires MODAX_DEV_MODE")
	}

	if c.APIKeyEnabled {
		keys := 0
		for name, key := range map[string]string{
			"HMI_API_KEY":        c.HMIAPIKey,
			"MONITORING_API_KEY": c.MonitoringAPIKey,
			"ADMIN_API_KEY":      c.AdminAPIKey,
		} {
			if key == "" {
				continue
			}
			keys++
			if len(key) < 32 {
				errs = append(errs, fmt.Sprintf("%s shorter than 32 characters", name))
			}
		}
		if keys == 0 {
			errs = append(errs, "API_KEY_ENABLED with no keys configured")
		}
	}

	if c.RateLimitEnabled {
		if _, _, err := ParseRateLimit(c.RateLimitDefault); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if c.AIEnabled && c.AILayerURL == "" {
		errs = append(errs, "AI_ENABLED with empty AI_LAYER_URL")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("LOG_LEVEL=%q not recognized", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfig, strings.Join(errs, "; "))
	}
	return nil
}

// ParseRateLimit parses "100/minute" style limits into a count and period.
func ParseRateLimit(s string) (int, time.Duration, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("rate limit %q not in count/period form", s)
	}
	count, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || count <= 0 {
		return 0, 0, fmt.Errorf("rate limit %q has invalid count", s)
	}
	var period time.Duration
	switch strings.TrimSpace(parts[1]) {
	case "second":
		period = time.Second
	case "minute":
		period = time.Minute
	case "hour":
		period = time.Hour
	default:
		return 0, 0, fmt.Errorf("rate limit %q has unknown period", s)
	}
	return count, period, nil
}

// KeyPermissions maps each configured API key to its permission set: HMI
// keys read/write/control, monitoring keys read-only, admin keys
// everything.
func (c *Config) KeyPermissions() map[string]map[Permission]bool {
	out := make(map[string]map[Permission]bool)
	set := func(key string, perms ...Permission) {
		if key == "" {
			return
		}
		m := make(map[Permission]bool, len(perms))
		for _, p := range perms {
			m[p] = true
		}
		out[key] = m
	}
	set(c.HMIAPIKey, PermRead, PermWrite, PermControl)
	set(c.MonitoringAPIKey, PermRead)
	set(c.AdminAPIKey, PermRead, PermWrite, PermControl, PermAdmin)
	return out
}

// envReader collects parse failures instead of failing one at a time.
type envReader struct {
	errs *[]string
}

func (e envReader) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func (e envReader) integer(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*e.errs = append(*e.errs, fmt.Sprintf("%s=%q is not an integer", key, v))
		return
	}
	*dst = n
}

func (e envReader) boolean(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		*e.errs = append(*e.errs, fmt.Sprintf("%s=%q is not a boolean", key, v))
		return
	}
	*dst = b
}

func (e envReader) list(key string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
