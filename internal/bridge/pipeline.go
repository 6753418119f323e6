// Package bridge moves bus messages into the point store.
//
// The bus client delivers messages on its own goroutine. They are handed
// over a bounded channel to a single run loop that also owns the flush
// timer, so the write buffer only ever has one goroutine touching it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rbms/relay/internal/bus"
	"github.com/rbms/relay/internal/codec"
	"github.com/rbms/relay/internal/config"
	"github.com/rbms/relay/internal/metrics"
	"github.com/rbms/relay/internal/telemetry"
)

const (
	// checkInterval is how often the run loop evaluates the time trigger.
	checkInterval = time.Second
	// finalFlushTimeout bounds the last write during shutdown.
	finalFlushTimeout = 10 * time.Second
)

// ErrUnflushed is returned by Run when points were still buffered after
// the final flush.
var ErrUnflushed = errors.New("points left unflushed at shutdown")

type message struct {
	topic   string
	payload []byte
}

// Pipeline decodes bus messages into points and flushes them in batches.
type Pipeline struct {
	namespace     string
	flushSize     int
	flushInterval time.Duration
	statsInterval time.Duration
	tick          time.Duration

	inbox   chan message
	done    chan struct{}
	buf     *WriteBuffer
	flusher *Flusher
	stats   *metrics.BridgeStats
	now     func() time.Time

	lastFlush time.Time
	lastStats time.Time
}

func NewPipeline(namespace string, cfg config.BufferConfig, statsInterval time.Duration, store PointWriter, stats *metrics.BridgeStats) *Pipeline {
	buf := NewWriteBuffer(cfg.MaxSize)
	return &Pipeline{
		namespace:     namespace,
		flushSize:     cfg.FlushSize,
		flushInterval: cfg.FlushInterval(),
		statsInterval: statsInterval,
		tick:          checkInterval,
		inbox:         make(chan message, cfg.QueueSize),
		done:          make(chan struct{}),
		buf:           buf,
		flusher:       NewFlusher(store, buf, cfg.MaxRetries, stats),
		stats:         stats,
		now:           time.Now,
	}
}

// Deliver queues a bus message for the run loop. It blocks while the
// queue is full, which holds back acknowledgement to the broker, and
// returns immediately once the pipeline has stopped.
//
// A blocked Deliver also stalls the bus client's inbound routine, keep
// alives included, so buffer.queue_size must cover the messages that
// arrive during one store timeout. Every stall is counted and logged.
func (p *Pipeline) Deliver(topic string, payload []byte) {
	m := message{topic: topic, payload: payload}
	select {
	case p.inbox <- m:
		return
	case <-p.done:
		log.Debug().Str("topic", topic).Msg("pipeline stopped, message not accepted")
		return
	default:
	}

	p.stats.QueueStalls.Add(1)
	log.Warn().Int("queue_size", cap(p.inbox)).Str("topic", topic).Msg("pipeline queue full, holding bus delivery")
	select {
	case p.inbox <- m:
	case <-p.done:
		log.Debug().Str("topic", topic).Msg("pipeline stopped, message not accepted")
	}
}

// Run processes messages until ctx is cancelled, then drains what was
// already queued and flushes once more.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	p.lastFlush = p.now()
	p.lastStats = p.lastFlush

	for {
		select {
		case <-ctx.Done():
			return p.shutdown()

		case m := <-p.inbox:
			p.handle(ctx, m)

		case <-ticker.C:
			p.checkTimers(ctx)
		}
	}
}

func (p *Pipeline) shutdown() error {
	close(p.done)
drain:
	for {
		select {
		case m := <-p.inbox:
			p.handleNoFlush(m)
		default:
			break drain
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	pending := p.buf.Len()
	err := p.flusher.Flush(flushCtx)

	// The flusher may already have discarded the batch at the retry
	// ceiling; whatever is still held is lost now.
	if left := p.buf.Clear(); left > 0 {
		p.stats.PointsDropped.Add(uint64(left))
	}
	p.stats.Buffered.Store(0)
	log.Info().EmbedObject(p.stats).Msg("bridge stats")

	if err != nil {
		log.Error().Err(err).Int("lost", pending).Msg("final flush failed, buffered points lost")
		return fmt.Errorf("%w: %d points", ErrUnflushed, pending)
	}
	return nil
}

func (p *Pipeline) handle(ctx context.Context, m message) {
	p.handleNoFlush(m)
	if p.buf.Len() >= p.flushSize {
		p.flush(ctx)
	}
}

// handleNoFlush turns a message into a buffered point.
func (p *Pipeline) handleNoFlush(m message) {
	p.stats.Received.Add(1)

	nodeID, ok := bus.ParseTopic(p.namespace, m.topic)
	if !ok {
		p.stats.Invalid.Add(1)
		log.Debug().Str("topic", m.topic).Msg("ignoring message on unexpected topic")
		return
	}
	decoded, err := codec.Decode(m.payload)
	if err != nil {
		p.stats.Invalid.Add(1)
		log.Warn().Err(err).Str("node_id", nodeID).Int("bytes", len(m.payload)).Msg("undecodable payload")
		return
	}
	point, ok := telemetry.ToPoint(nodeID, decoded, p.now())
	if !ok {
		p.stats.Skipped.Add(1)
		log.Debug().Str("node_id", nodeID).Msg("reading has no storable fields")
		return
	}

	if dropped := p.buf.Append(point); dropped > 0 {
		p.stats.Overflows.Add(1)
		p.stats.PointsDropped.Add(uint64(dropped))
		log.Warn().Int("dropped", dropped).Int("max", p.buf.Max()).Msg("buffer overflow, dropped oldest points")
	}
	p.stats.Buffered.Store(int64(p.buf.Len()))
}

func (p *Pipeline) checkTimers(ctx context.Context) {
	now := p.now()
	if p.buf.Len() > 0 && now.Sub(p.lastFlush) >= p.flushInterval {
		p.flush(ctx)
	}
	if p.statsInterval > 0 && now.Sub(p.lastStats) >= p.statsInterval {
		log.Info().EmbedObject(p.stats).Msg("bridge stats")
		p.lastStats = now
	}
}

func (p *Pipeline) flush(ctx context.Context) {
	_ = p.flusher.Flush(ctx)
	p.lastFlush = p.now()
	p.stats.Buffered.Store(int64(p.buf.Len()))
}
