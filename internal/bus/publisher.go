package bus

import (
	"context"
	"errors"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/rbms/relay/internal/config"
)

// Publisher sends payloads to the broker without waiting for the
// broker's acknowledgement. Failures that are known immediately are
// returned; failures that surface later are reported to OnFailure.
type Publisher struct {
	client  mqtt.Client
	timeout time.Duration

	// OnFailure is called from a background goroutine when an
	// in-flight publish fails or is not acknowledged within the publish
	// timeout.
	OnFailure func(topic string, err error)
}

// ErrPublishTimeout reports a publish the broker never acknowledged.
var ErrPublishTimeout = errors.New("mqtt publish not acknowledged in time")

// NewPublisher creates the gateway's client. Call Start before Publish.
func NewPublisher(cfg config.MQTTConfig, onState func(bool)) (*Publisher, error) {
	opts, err := buildOptions(cfg, false, Hooks{OnState: onState})
	if err != nil {
		return nil, err
	}
	return &Publisher{client: mqtt.NewClient(opts), timeout: cfg.PublishTimeout()}, nil
}

func (p *Publisher) Start(ctx context.Context, connectTimeout time.Duration) error {
	return connect(ctx, p.client, connectTimeout)
}

// Publish hands payload to the client at QoS 1 and returns without
// waiting for the PUBACK.
func (p *Publisher) Publish(topic string, payload []byte) error {
	tok := p.client.Publish(topic, qosAtLeastOnce, false, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	default:
	}
	go p.await(topic, tok)
	return nil
}

func (p *Publisher) await(topic string, tok mqtt.Token) {
	var err error
	if !tok.WaitTimeout(p.timeout) {
		err = ErrPublishTimeout
	} else {
		err = tok.Error()
	}
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrPublishTimeout):
		log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish unacknowledged, client may resend after reconnect")
	default:
		log.Error().Err(err).Str("topic", topic).Msg("mqtt publish failed")
	}
	if p.OnFailure != nil {
		p.OnFailure(topic, err)
	}
}

// Close disconnects, giving in-flight publishes up to quiesce to finish.
func (p *Publisher) Close(quiesce time.Duration) {
	p.client.Disconnect(uint(quiesce.Milliseconds()))
	log.Info().Msg("mqtt publisher disconnected")
}
