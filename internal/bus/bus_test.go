package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbms/relay/internal/config"
)

func TestTopics(t *testing.T) {
	assert.Equal(t, "rbms/a8c3/telemetry", Topic("rbms", "a8c3"))
	assert.Equal(t, "rbms/+/telemetry", Filter("rbms"))

	node, ok := ParseTopic("rbms", "rbms/a8c3/telemetry")
	assert.True(t, ok)
	assert.Equal(t, "a8c3", node)

	for _, topic := range []string{
		"rbms/a8c3",
		"rbms//telemetry",
		"other/a8c3/telemetry",
		"rbms/a8c3/status",
		"rbms/a8c3/telemetry/extra",
	} {
		_, ok := ParseTopic("rbms", topic)
		assert.False(t, ok, topic)
	}
}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Host:                  "broker",
		Port:                  1883,
		Username:              "rbms_bridge",
		Password:              "pw",
		Namespace:             "rbms",
		ClientID:              "rbms-bridge",
		KeepAliveSeconds:      60,
		ConnectTimeoutSeconds: 10,
		PublishTimeoutSeconds: 5,
		MaxReconnectSeconds:   30,
	}
}

func TestBuildOptions(t *testing.T) {
	opts, err := buildOptions(testMQTTConfig(), true, Hooks{})
	require.NoError(t, err)

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp://broker:1883", opts.Servers[0].String())
	assert.Equal(t, "rbms-bridge", opts.ClientID)
	assert.Equal(t, "rbms_bridge", opts.Username)
	assert.Equal(t, "pw", opts.Password)
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.ConnectRetry)
	assert.True(t, opts.Order)
	assert.False(t, opts.CleanSession)
	assert.Equal(t, 30*time.Second, opts.MaxReconnectInterval)
	assert.Equal(t, int64(60), opts.KeepAlive)
}

func TestBuildOptionsTLSMissingCA(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.TLS = true
	cfg.CACert = "/nonexistent/ca.pem"
	_, err := buildOptions(cfg, false, Hooks{})
	assert.Error(t, err)

	cfg.CACert = ""
	opts, err := buildOptions(cfg, false, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, "ssl://broker:1883", opts.Servers[0].String())
	assert.NotNil(t, opts.TLSConfig)
	assert.True(t, opts.CleanSession)
}

// fakeToken completes when done is closed.
type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient implements the publish path of mqtt.Client; other methods
// panic through the nil embedded interface.
type fakeClient struct {
	mqtt.Client
	mu    sync.Mutex
	sent  []published
	token mqtt.Token
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return c.token
}

func TestPublishImmediateResult(t *testing.T) {
	fc := &fakeClient{token: completedToken(nil)}
	p := &Publisher{client: fc, timeout: time.Second}

	require.NoError(t, p.Publish("rbms/a8c3/telemetry", []byte{0xa1, 0x01, 0x01}))
	require.Len(t, fc.sent, 1)
	assert.Equal(t, byte(1), fc.sent[0].qos)
	assert.Equal(t, []byte{0xa1, 0x01, 0x01}, fc.sent[0].payload)

	fc.token = completedToken(mqtt.ErrNotConnected)
	assert.ErrorIs(t, p.Publish("rbms/a8c3/telemetry", []byte{0x01}), mqtt.ErrNotConnected)
}

func TestPublishDoesNotWaitForAck(t *testing.T) {
	tok := &fakeToken{done: make(chan struct{})}
	fc := &fakeClient{token: tok}

	failed := make(chan error, 1)
	p := &Publisher{client: fc, timeout: 50 * time.Millisecond}
	p.OnFailure = func(_ string, err error) { failed <- err }

	start := time.Now()
	require.NoError(t, p.Publish("rbms/a8c3/telemetry", []byte{0x01}))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, ErrPublishTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not reported")
	}
}

func TestPublishLateFailureReported(t *testing.T) {
	tok := &fakeToken{done: make(chan struct{})}
	fc := &fakeClient{token: tok}

	failed := make(chan error, 1)
	p := &Publisher{client: fc, timeout: time.Second}
	p.OnFailure = func(_ string, err error) { failed <- err }

	require.NoError(t, p.Publish("rbms/a8c3/telemetry", []byte{0x01}))
	tok.err = errors.New("connection lost")
	close(tok.done)

	select {
	case err := <-failed:
		assert.EqualError(t, err, "connection lost")
	case <-time.After(2 * time.Second):
		t.Fatal("failure not reported")
	}
}
