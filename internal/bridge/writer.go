package bridge

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rbms/relay/internal/metrics"
	"github.com/rbms/relay/internal/telemetry"
)

// PointWriter is the point store as the flusher sees it.
type PointWriter interface {
	WritePoints(ctx context.Context, points []telemetry.Point) error
}

// RetryState counts consecutive failed flushes.
type RetryState struct {
	Failures    int
	MaxAttempts int
}

// Flusher writes the whole buffer as one batch. A failed batch stays
// buffered for the next flush until MaxAttempts consecutive failures,
// then it is discarded so an outage cannot grow memory without bound.
type Flusher struct {
	store PointWriter
	buf   *WriteBuffer
	retry RetryState
	stats *metrics.BridgeStats
}

func NewFlusher(store PointWriter, buf *WriteBuffer, maxAttempts int, stats *metrics.BridgeStats) *Flusher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Flusher{
		store: store,
		buf:   buf,
		retry: RetryState{MaxAttempts: maxAttempts},
		stats: stats,
	}
}

// Retry returns a copy of the retry state.
func (f *Flusher) Retry() RetryState { return f.retry }

// Flush writes the buffered points. It returns the write error, if any,
// after applying the retry policy.
func (f *Flusher) Flush(ctx context.Context) error {
	n := f.buf.Len()
	if n == 0 {
		return nil
	}
	batch := uuid.NewString()

	err := f.store.WritePoints(ctx, f.buf.Points())
	if err == nil {
		f.buf.Clear()
		f.retry.Failures = 0
		f.stats.StoreHealthy.Store(true)
		f.stats.Flushes.Add(1)
		f.stats.PointsWritten.Add(uint64(n))
		log.Debug().Str("batch", batch).Int("count", n).Msg("flushed points")
		return nil
	}

	f.retry.Failures++
	f.stats.StoreHealthy.Store(false)
	f.stats.WriteFailures.Add(1)
	log.Error().
		Err(err).
		Str("batch", batch).
		Int("count", n).
		Int("attempt", f.retry.Failures).
		Int("max_attempts", f.retry.MaxAttempts).
		Msg("point store write failed")

	if f.retry.Failures >= f.retry.MaxAttempts {
		dropped := f.buf.Clear()
		f.retry.Failures = 0
		f.stats.PointsDropped.Add(uint64(dropped))
		f.stats.RetryExhausted.Add(1)
		log.Error().
			Str("batch", batch).
			Int("dropped", dropped).
			Int("attempts", f.retry.MaxAttempts).
			Msg("max attempts reached, dropping buffered points")
	}
	return err
}
