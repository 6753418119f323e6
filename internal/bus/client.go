// Package bus wraps the MQTT client used on both sides of the broker:
// the gateway publishes node payloads, the bridge subscribes to them.
//
// Reconnection is left to paho's own policy (exponential backoff capped
// at mqtt.max_reconnect_seconds). This package only logs the transitions
// and reports connection state to the caller.
package bus

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/rbms/relay/internal/config"
	"github.com/rbms/relay/internal/tlsutil"
)

// QoS 1: the broker acknowledges receipt, delivery is at-least-once.
const qosAtLeastOnce byte = 1

// Hooks receive connection lifecycle events. All fields are optional.
type Hooks struct {
	// OnConnect runs after every successful connect or reconnect.
	OnConnect func(c mqtt.Client)
	// OnState reports connection state changes.
	OnState func(connected bool)
}

func buildOptions(cfg config.MQTTConfig, persistent bool, hooks Hooks) (*mqtt.ClientOptions, error) {
	tlsCfg, err := tlsutil.ClientConfig(cfg.TLS, cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("mqtt tls: %w", err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(cfg.KeepAlive()).
		SetConnectTimeout(cfg.ConnectTimeout()).
		SetWriteTimeout(cfg.PublishTimeout()).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(cfg.MaxReconnect()).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetOrderMatters(true).
		// A persistent session keeps QoS 1 messages queued on the broker
		// while the subscriber is away.
		SetCleanSession(!persistent).
		SetResumeSubs(persistent)
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
		log.Info().Str("ca_cert", caLabel(cfg.CACert)).Msg("mqtt tls enabled")
	}

	broker := cfg.BrokerURL()
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info().Str("broker", broker).Str("client_id", cfg.ClientID).Msg("mqtt connected")
		if hooks.OnState != nil {
			hooks.OnState(true)
		}
		if hooks.OnConnect != nil {
			hooks.OnConnect(c)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", broker).Msg("mqtt unexpected disconnect, will reconnect")
		if hooks.OnState != nil {
			hooks.OnState(false)
		}
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		log.Info().Str("broker", broker).Msg("mqtt reconnecting")
	})
	return opts, nil
}

func caLabel(path string) string {
	if path == "" {
		return "system CA"
	}
	return path
}

// connect starts the client and waits up to the connect timeout for the
// first session. If the broker is not reachable yet the client keeps
// retrying in the background; that is logged, not returned.
func connect(ctx context.Context, c mqtt.Client, timeout time.Duration) error {
	tok := c.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("mqtt broker not reachable yet, retrying in background")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
