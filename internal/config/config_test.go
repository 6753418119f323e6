package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("MQTT_PASS", "secret")

	cfg, err := LoadConfig("", RoleBridge)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, "secret", cfg.MQTT.Password)
	assert.Equal(t, "rbms-bridge", cfg.MQTT.ClientID)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.BrokerURL())
	assert.Equal(t, "http://localhost:8086", cfg.Influx.Addr())
	assert.Equal(t, "rbms_90d", cfg.Influx.RetentionPolicy)
	assert.Equal(t, 5684, cfg.Ingress.Port)
	assert.Equal(t, "wpan0", cfg.Ingress.Interface)
	assert.Equal(t, "ff03::1", cfg.Ingress.MulticastGroup)
	assert.Equal(t, 10, cfg.Buffer.FlushSize)
	assert.Equal(t, 5*time.Second, cfg.Buffer.FlushInterval())
	assert.Equal(t, 1000, cfg.Buffer.MaxSize)
	assert.Equal(t, 3, cfg.Buffer.MaxRetries)
	assert.Equal(t, "127.0.0.1:8087", cfg.Health.Addr)
}

func TestLoadConfigGatewayRoleDefaults(t *testing.T) {
	t.Setenv("MQTT_PASS", "secret")

	cfg, err := LoadConfig("", RoleGateway)
	require.NoError(t, err)
	assert.Equal(t, RoleGateway, cfg.Role)
	assert.Equal(t, "rbms-gateway", cfg.MQTT.ClientID)
	assert.Equal(t, "127.0.0.1:8085", cfg.Health.Addr)
	assert.Equal(t, time.Second, cfg.Ingress.ReadTimeout())
}

func TestLoadConfigMissingPassword(t *testing.T) {
	t.Setenv("MQTT_PASS", "")
	t.Setenv("RBMS_MQTT_PASSWORD", "")

	_, err := LoadConfig("", RoleGateway)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestLoadConfigLegacyEnv(t *testing.T) {
	t.Setenv("MQTT_PASS", "pw")
	t.Setenv("MQTT_TLS", "true")
	t.Setenv("MQTT_PORT", "8883")
	t.Setenv("INFLUX_SSL", "1")
	t.Setenv("THREAD_IFACE", "wpan1")

	cfg, err := LoadConfig("", RoleGateway)
	require.NoError(t, err)
	assert.True(t, cfg.MQTT.TLS)
	assert.Equal(t, "ssl://localhost:8883", cfg.MQTT.BrokerURL())
	assert.True(t, cfg.Influx.TLS)
	assert.Equal(t, "https://localhost:8086", cfg.Influx.Addr())
	assert.Equal(t, "wpan1", cfg.Ingress.Interface)
}

func TestLoadConfigLegacyBoolSpellings(t *testing.T) {
	for _, tc := range []struct {
		value string
		want  bool
	}{
		{"yes", true},
		{"YES", true},
		{"True", true},
		{"1", true},
		{"0", false},
		{"no", false},
		{"", false},
	} {
		t.Run(tc.value, func(t *testing.T) {
			t.Setenv("MQTT_PASS", "pw")
			t.Setenv("MQTT_TLS", tc.value)
			t.Setenv("INFLUX_SSL", tc.value)

			cfg, err := LoadConfig("", RoleBridge)
			require.NoError(t, err)
			assert.Equal(t, tc.want, cfg.MQTT.TLS)
			assert.Equal(t, tc.want, cfg.Influx.TLS)
		})
	}
}

func TestLoadConfigFileAndSanitize(t *testing.T) {
	t.Setenv("MQTT_PASS", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	content := `
mqtt:
  host: broker.local
  password: from-file
  namespace: ""
buffer:
  flush_size: 5000
  max_size: 200
  max_retries: -1
  queue_size: 4
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path, RoleBridge)
	require.NoError(t, err)
	assert.Equal(t, "broker.local", cfg.MQTT.Host)
	assert.Equal(t, "from-file", cfg.MQTT.Password)
	assert.Equal(t, "rbms", cfg.MQTT.Namespace)
	assert.Equal(t, 200, cfg.Buffer.FlushSize)
	assert.Equal(t, 200, cfg.Buffer.QueueSize, "queue holds at least one flush worth")
	assert.Equal(t, 3, cfg.Buffer.MaxRetries)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("MQTT_PASS", "pw")
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), RoleGateway)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissingCredential)
}

func TestValidateBridgeRequiresInfluxHost(t *testing.T) {
	cfg := &Config{Role: RoleBridge}
	cfg.MQTT.Password = "pw"
	cfg.Influx.Database = "rbms"

	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrMissingCredential)

	cfg.Influx.Host = "influx"
	assert.NoError(t, cfg.Validate())
}
