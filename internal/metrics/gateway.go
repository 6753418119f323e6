package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// GatewayStats counts what the ingress stage saw and did.
type GatewayStats struct {
	Received  atomic.Uint64 // datagrams read, valid or not
	Published atomic.Uint64 // payloads handed to the bus
	Errors    atomic.Uint64 // receive and publish failures
	Invalid   atomic.Uint64 // payloads rejected by validation
	Recreated atomic.Uint64 // socket recreations
	Unacked   atomic.Uint64 // publishes without a PUBACK in time, may still be resent
	Joined    atomic.Bool   // multicast membership currently held
}

// Register exports the counters on reg.
func (s *GatewayStats) Register(reg prometheus.Registerer) error {
	const sub = "gateway"
	for _, c := range []prometheus.Collector{
		counterFunc(sub, "datagrams_received_total", "Datagrams received on the ingress socket.", &s.Received),
		counterFunc(sub, "messages_published_total", "Payloads published to the bus.", &s.Published),
		counterFunc(sub, "errors_total", "Receive and publish errors.", &s.Errors),
		counterFunc(sub, "payloads_invalid_total", "Payloads rejected by validation.", &s.Invalid),
		counterFunc(sub, "publishes_unacked_total", "Publishes not acknowledged within the publish timeout.", &s.Unacked),
		counterFunc(sub, "socket_recreations_total", "Ingress socket recreations.", &s.Recreated),
		gaugeFunc(sub, "multicast_joined", "1 while the multicast group is joined.", boolGauge(&s.Joined)),
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// MarshalZerologObject lets the stats be logged as one object.
func (s *GatewayStats) MarshalZerologObject(e *zerolog.Event) {
	e.Uint64("rx", s.Received.Load()).
		Uint64("pub", s.Published.Load()).
		Uint64("err", s.Errors.Load()).
		Uint64("invalid", s.Invalid.Load()).
		Uint64("unacked", s.Unacked.Load()).
		Uint64("recreated", s.Recreated.Load()).
		Bool("joined", s.Joined.Load())
}
