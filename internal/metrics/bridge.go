package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// BridgeStats counts what the storage stage saw and did.
type BridgeStats struct {
	Received       atomic.Uint64 // bus messages delivered
	Invalid        atomic.Uint64 // undecodable payloads or foreign topics
	Skipped        atomic.Uint64 // decoded readings with no storable field
	Flushes        atomic.Uint64 // successful batch writes
	PointsWritten  atomic.Uint64
	WriteFailures  atomic.Uint64
	PointsDropped  atomic.Uint64 // overflow and retry-exhaustion drops
	Overflows      atomic.Uint64
	RetryExhausted atomic.Uint64
	QueueStalls    atomic.Uint64 // deliveries that waited on a full queue
	Buffered       atomic.Int64
	BusConnected   atomic.Bool
	StoreHealthy   atomic.Bool // last write, or the startup ping, succeeded
}

// Register exports the counters on reg.
func (s *BridgeStats) Register(reg prometheus.Registerer) error {
	const sub = "bridge"
	for _, c := range []prometheus.Collector{
		counterFunc(sub, "messages_received_total", "Bus messages received.", &s.Received),
		counterFunc(sub, "messages_invalid_total", "Bus messages that could not be decoded.", &s.Invalid),
		counterFunc(sub, "readings_skipped_total", "Readings without any storable field.", &s.Skipped),
		counterFunc(sub, "flushes_total", "Successful batch writes.", &s.Flushes),
		counterFunc(sub, "points_written_total", "Points written to the store.", &s.PointsWritten),
		counterFunc(sub, "write_failures_total", "Failed batch writes.", &s.WriteFailures),
		counterFunc(sub, "points_dropped_total", "Points discarded by overflow or retry exhaustion.", &s.PointsDropped),
		counterFunc(sub, "buffer_overflows_total", "Buffer overflow events.", &s.Overflows),
		counterFunc(sub, "retry_exhausted_total", "Batches discarded after the retry ceiling.", &s.RetryExhausted),
		counterFunc(sub, "queue_stalls_total", "Bus deliveries that waited on a full pipeline queue.", &s.QueueStalls),
		gaugeFunc(sub, "buffered_points", "Points waiting in the write buffer.", func() float64 { return float64(s.Buffered.Load()) }),
		gaugeFunc(sub, "bus_connected", "1 while the bus connection is up.", boolGauge(&s.BusConnected)),
		gaugeFunc(sub, "store_healthy", "1 while the last store write succeeded.", boolGauge(&s.StoreHealthy)),
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// MarshalZerologObject lets the stats be logged as one object.
func (s *BridgeStats) MarshalZerologObject(e *zerolog.Event) {
	e.Uint64("rx", s.Received.Load()).
		Uint64("invalid", s.Invalid.Load()).
		Uint64("skipped", s.Skipped.Load()).
		Uint64("flushes", s.Flushes.Load()).
		Uint64("written", s.PointsWritten.Load()).
		Uint64("write_failures", s.WriteFailures.Load()).
		Uint64("dropped", s.PointsDropped.Load()).
		Uint64("stalls", s.QueueStalls.Load()).
		Int64("buffered", s.Buffered.Load())
}
