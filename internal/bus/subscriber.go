package bus

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/rbms/relay/internal/config"
)

// Handler receives one bus message. It runs on the client's delivery
// goroutine; messages on a topic arrive in order and the next one is not
// delivered until Handler returns.
type Handler func(topic string, payload []byte)

// Subscriber holds the bridge's long-lived subscription.
type Subscriber struct {
	client  mqtt.Client
	filter  string
	handler Handler
	timeout time.Duration
}

// NewSubscriber creates the bridge's client. The subscription is
// (re)issued on every connect so it survives broker restarts.
func NewSubscriber(cfg config.MQTTConfig, handler Handler, onState func(bool)) (*Subscriber, error) {
	s := &Subscriber{
		filter:  Filter(cfg.Namespace),
		handler: handler,
		timeout: cfg.ConnectTimeout(),
	}
	opts, err := buildOptions(cfg, true, Hooks{OnConnect: s.subscribe, OnState: onState})
	if err != nil {
		return nil, err
	}
	s.client = mqtt.NewClient(opts)
	return s, nil
}

func (s *Subscriber) Start(ctx context.Context) error {
	return connect(ctx, s.client, s.timeout)
}

func (s *Subscriber) subscribe(c mqtt.Client) {
	tok := c.Subscribe(s.filter, qosAtLeastOnce, s.onMessage)
	go func() {
		if !tok.WaitTimeout(s.timeout) {
			log.Error().Str("filter", s.filter).Msg("mqtt subscribe not acknowledged")
			return
		}
		if err := tok.Error(); err != nil {
			log.Error().Err(err).Str("filter", s.filter).Msg("mqtt subscribe failed")
			return
		}
		log.Info().Str("filter", s.filter).Msg("mqtt subscribed")
	}()
}

func (s *Subscriber) onMessage(_ mqtt.Client, m mqtt.Message) {
	s.handler(m.Topic(), m.Payload())
}

// Stop unsubscribes and disconnects. No messages are delivered after
// Stop returns.
func (s *Subscriber) Stop() {
	if s.client.IsConnectionOpen() {
		tok := s.client.Unsubscribe(s.filter)
		if !tok.WaitTimeout(s.timeout) || tok.Error() != nil {
			log.Warn().Err(tok.Error()).Str("filter", s.filter).Msg("mqtt unsubscribe incomplete")
		}
	}
	s.client.Disconnect(250)
	log.Info().Msg("mqtt subscriber disconnected")
}
