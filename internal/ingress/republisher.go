package ingress

import (
	"errors"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/rbms/relay/internal/bus"
	"github.com/rbms/relay/internal/metrics"
	"github.com/rbms/relay/internal/telemetry"
)

// Publisher forwards a payload to the bus. Publish must not block on the
// broker's acknowledgement.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Republisher validates datagrams and forwards the valid ones, byte for
// byte, to the sending node's topic.
type Republisher struct {
	namespace string
	pub       Publisher
	stats     *metrics.GatewayStats
}

func NewRepublisher(namespace string, pub Publisher, stats *metrics.GatewayStats) *Republisher {
	return &Republisher{namespace: namespace, pub: pub, stats: stats}
}

// Handle is a DatagramHandler.
func (r *Republisher) Handle(src net.Addr, payload []byte) {
	addr := senderAddr(src)
	nodeID := telemetry.NodeID(addr)

	if err := telemetry.Validate(payload); err != nil {
		r.stats.Invalid.Add(1)
		log.Warn().
			Err(err).
			Str("addr", addr).
			Str("node_id", nodeID).
			Int("bytes", len(payload)).
			Msg("invalid payload dropped")
		return
	}

	topic := bus.Topic(r.namespace, nodeID)
	if err := r.pub.Publish(topic, payload); err != nil {
		r.stats.Errors.Add(1)
		log.Error().Err(err).Str("node_id", nodeID).Str("topic", topic).Msg("publish failed")
		return
	}
	r.stats.Published.Add(1)
	log.Debug().Str("node_id", nodeID).Int("bytes", len(payload)).Str("topic", topic).Msg("forwarded")
}

func senderAddr(src net.Addr) string {
	switch a := src.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case nil:
		return ""
	default:
		host, _, err := net.SplitHostPort(a.String())
		if err != nil {
			return a.String()
		}
		return host
	}
}

// PublishFailed accounts for a publish that failed after hand-off. A
// publish that merely timed out stays in the client's in-flight store and
// may be resent on reconnect, so it is not counted as an error.
func (r *Republisher) PublishFailed(topic string, err error) {
	if errors.Is(err, bus.ErrPublishTimeout) {
		r.stats.Unacked.Add(1)
		return
	}
	r.stats.Errors.Add(1)
}
