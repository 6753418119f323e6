package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ErrMissingCredential is returned when a credential the daemons cannot
// run without is absent. It is a configuration error, never retried.
var ErrMissingCredential = errors.New("missing mandatory credential")

// Role selects role-specific defaults and validation.
type Role string

const (
	RoleGateway Role = "gateway"
	RoleBridge  Role = "bridge"
)

type LoggingConfig struct {
	Level                string `mapstructure:"level"`
	Format               string `mapstructure:"format"` // json or console
	StatsIntervalSeconds int    `mapstructure:"stats_interval_seconds"`
}

type MQTTConfig struct {
	Host                  string `mapstructure:"host"`
	Port                  int    `mapstructure:"port"`
	Username              string `mapstructure:"username"`
	Password              string `mapstructure:"password"`
	TLS                   bool   `mapstructure:"tls"`
	CACert                string `mapstructure:"ca_cert"`
	Namespace             string `mapstructure:"namespace"`
	ClientID              string `mapstructure:"client_id"`
	KeepAliveSeconds      int    `mapstructure:"keepalive_seconds"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`
	PublishTimeoutSeconds int    `mapstructure:"publish_timeout_seconds"`
	MaxReconnectSeconds   int    `mapstructure:"max_reconnect_seconds"`
}

type InfluxConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Database          string `mapstructure:"database"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	TLS               bool   `mapstructure:"tls"`
	CACert            string `mapstructure:"ca_cert"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	Measurement       string `mapstructure:"measurement"`
	RetentionPolicy   string `mapstructure:"retention_policy"`
	RetentionDuration string `mapstructure:"retention_duration"`
}

type IngressConfig struct {
	Port                 int    `mapstructure:"port"`
	Interface            string `mapstructure:"interface"`
	MulticastGroup       string `mapstructure:"multicast_group"`
	ReadTimeoutMs        int    `mapstructure:"read_timeout_ms"`
	MaxConsecutiveErrors int    `mapstructure:"max_consecutive_errors"`
	RetryIntervalSeconds int    `mapstructure:"retry_interval_seconds"`
	MaxDatagramSize      int    `mapstructure:"max_datagram_size"`
}

type BufferConfig struct {
	FlushSize            int `mapstructure:"flush_size"`
	FlushIntervalSeconds int `mapstructure:"flush_interval_seconds"`
	MaxSize              int `mapstructure:"max_size"`
	MaxRetries           int `mapstructure:"max_retries"`
	QueueSize            int `mapstructure:"queue_size"`
}

type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

type Config struct {
	Role    Role          `mapstructure:"-"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Influx  InfluxConfig  `mapstructure:"influx"`
	Ingress IngressConfig `mapstructure:"ingress"`
	Buffer  BufferConfig  `mapstructure:"buffer"`
	Health  HealthConfig  `mapstructure:"health"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// legacyEnv maps config keys to the environment variable names the
// deployed systemd units already export.
var legacyEnv = map[string]string{
	"mqtt.host":               "MQTT_HOST",
	"mqtt.port":               "MQTT_PORT",
	"mqtt.username":           "MQTT_USER",
	"mqtt.password":           "MQTT_PASS",
	"mqtt.tls":                "MQTT_TLS",
	"mqtt.ca_cert":            "MQTT_CA_CERT",
	"influx.host":             "INFLUX_HOST",
	"influx.port":             "INFLUX_PORT",
	"influx.database":         "INFLUX_DB",
	"influx.username":         "INFLUX_USER",
	"influx.password":         "INFLUX_PASS",
	"influx.tls":              "INFLUX_SSL",
	"influx.ca_cert":          "INFLUX_SSL_CERT",
	"ingress.port":            "THREAD_UDP_PORT",
	"ingress.interface":       "THREAD_IFACE",
	"ingress.multicast_group": "THREAD_MULTICAST",
	"logging.level":           "LOG_LEVEL",
}

// LoadConfig reads configuration for the given role. path may be empty,
// in which case only defaults and environment variables apply.
func LoadConfig(path string, role Role) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}

	// env overrides: RBMS_MQTT_PASSWORD etc.
	v.SetEnvPrefix("RBMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "RBMS_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	setDefaults(v, role)

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		looseBool,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Role = role
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// looseBool reads boolean settings given as strings the way the deployed
// units write them: "true", "1" or "yes" in any case is true, anything
// else is false.
func looseBool(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Bool {
		return data, nil
	}
	switch strings.ToLower(strings.TrimSpace(data.(string))) {
	case "true", "1", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func setDefaults(v *viper.Viper, role Role) {
	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "rbms_bridge")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.tls", false)
	v.SetDefault("mqtt.ca_cert", "")
	v.SetDefault("mqtt.namespace", "rbms")
	v.SetDefault("mqtt.keepalive_seconds", 60)
	v.SetDefault("mqtt.connect_timeout_seconds", 10)
	v.SetDefault("mqtt.publish_timeout_seconds", 5)
	v.SetDefault("mqtt.max_reconnect_seconds", 30)

	v.SetDefault("influx.host", "localhost")
	v.SetDefault("influx.port", 8086)
	v.SetDefault("influx.database", "rbms")
	v.SetDefault("influx.username", "")
	v.SetDefault("influx.password", "")
	v.SetDefault("influx.tls", false)
	v.SetDefault("influx.ca_cert", "")
	v.SetDefault("influx.timeout_seconds", 10)
	v.SetDefault("influx.measurement", "telemetry")
	v.SetDefault("influx.retention_policy", "rbms_90d")
	v.SetDefault("influx.retention_duration", "90d")

	v.SetDefault("ingress.port", 5684)
	v.SetDefault("ingress.interface", "wpan0")
	v.SetDefault("ingress.multicast_group", "ff03::1")
	v.SetDefault("ingress.read_timeout_ms", 1000)
	v.SetDefault("ingress.max_consecutive_errors", 5)
	v.SetDefault("ingress.retry_interval_seconds", 10)
	v.SetDefault("ingress.max_datagram_size", 512)

	v.SetDefault("buffer.flush_size", 10)
	v.SetDefault("buffer.flush_interval_seconds", 5)
	v.SetDefault("buffer.max_size", 1000)
	v.SetDefault("buffer.max_retries", 3)
	v.SetDefault("buffer.queue_size", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.stats_interval_seconds", 300)

	switch role {
	case RoleBridge:
		v.SetDefault("mqtt.client_id", "rbms-bridge")
		v.SetDefault("health.addr", "127.0.0.1:8087")
	default:
		v.SetDefault("mqtt.client_id", "rbms-gateway")
		v.SetDefault("health.addr", "127.0.0.1:8085")
	}
}

// sanitize clamps out-of-range values back to their defaults.
func (c *Config) sanitize() {
	clamp := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	clamp(&c.MQTT.Port, 1883)
	clamp(&c.MQTT.KeepAliveSeconds, 60)
	clamp(&c.MQTT.ConnectTimeoutSeconds, 10)
	clamp(&c.MQTT.PublishTimeoutSeconds, 5)
	clamp(&c.MQTT.MaxReconnectSeconds, 30)
	clamp(&c.Influx.Port, 8086)
	clamp(&c.Influx.TimeoutSeconds, 10)
	clamp(&c.Ingress.Port, 5684)
	clamp(&c.Ingress.ReadTimeoutMs, 1000)
	clamp(&c.Ingress.MaxConsecutiveErrors, 5)
	clamp(&c.Ingress.RetryIntervalSeconds, 10)
	clamp(&c.Ingress.MaxDatagramSize, 512)
	clamp(&c.Buffer.FlushSize, 10)
	clamp(&c.Buffer.FlushIntervalSeconds, 5)
	clamp(&c.Buffer.MaxSize, 1000)
	clamp(&c.Buffer.MaxRetries, 3)
	clamp(&c.Buffer.QueueSize, 256)
	clamp(&c.Logging.StatsIntervalSeconds, 300)

	if c.Buffer.FlushSize > c.Buffer.MaxSize {
		c.Buffer.FlushSize = c.Buffer.MaxSize
	}
	if c.Buffer.QueueSize < c.Buffer.FlushSize {
		c.Buffer.QueueSize = c.Buffer.FlushSize
	}
	if c.MQTT.Namespace == "" {
		c.MQTT.Namespace = "rbms"
	}
	if c.Influx.Measurement == "" {
		c.Influx.Measurement = "telemetry"
	}
}

// Validate reports configuration the daemons refuse to start with.
func (c *Config) Validate() error {
	if c.MQTT.Password == "" {
		return fmt.Errorf("%w: mqtt.password (MQTT_PASS)", ErrMissingCredential)
	}
	if c.Role == RoleBridge {
		if c.Influx.Host == "" {
			return fmt.Errorf("%w: influx.host (INFLUX_HOST)", ErrMissingCredential)
		}
		if c.Influx.Database == "" {
			return errors.New("influx.database must not be empty")
		}
	}
	if c.Role == RoleGateway && c.Ingress.Interface == "" {
		return errors.New("ingress.interface must not be empty")
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c MQTTConfig) KeepAlive() time.Duration      { return seconds(c.KeepAliveSeconds) }
func (c MQTTConfig) ConnectTimeout() time.Duration { return seconds(c.ConnectTimeoutSeconds) }
func (c MQTTConfig) PublishTimeout() time.Duration { return seconds(c.PublishTimeoutSeconds) }
func (c MQTTConfig) MaxReconnect() time.Duration   { return seconds(c.MaxReconnectSeconds) }

// BrokerURL returns the broker address in the scheme paho expects.
func (c MQTTConfig) BrokerURL() string {
	scheme := "tcp"
	if c.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

func (c InfluxConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// Addr returns the InfluxDB HTTP API address.
func (c InfluxConfig) Addr() string {
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

func (c IngressConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}
func (c IngressConfig) RetryInterval() time.Duration { return seconds(c.RetryIntervalSeconds) }

func (c BufferConfig) FlushInterval() time.Duration { return seconds(c.FlushIntervalSeconds) }

func (c LoggingConfig) StatsInterval() time.Duration { return seconds(c.StatsIntervalSeconds) }
