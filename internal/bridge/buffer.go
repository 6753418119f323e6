package bridge

import "github.com/rbms/relay/internal/telemetry"

// WriteBuffer is an ordered, bounded queue of points awaiting a flush.
// When an append would exceed the maximum, the oldest points are dropped
// in one cut down to half the maximum, so a sustained overflow does not
// trim on every append.
//
// WriteBuffer is not safe for concurrent use. The pipeline's run loop is
// its only owner.
type WriteBuffer struct {
	points []telemetry.Point
	max    int
}

func NewWriteBuffer(max int) *WriteBuffer {
	if max < 1 {
		max = 1
	}
	return &WriteBuffer{max: max}
}

// Append adds p and returns how many old points were discarded to make
// room.
func (b *WriteBuffer) Append(p telemetry.Point) int {
	dropped := 0
	if len(b.points) >= b.max {
		dropped = len(b.points) - b.max/2
		n := copy(b.points, b.points[dropped:])
		clear(b.points[n:])
		b.points = b.points[:n]
	}
	b.points = append(b.points, p)
	return dropped
}

func (b *WriteBuffer) Len() int { return len(b.points) }

func (b *WriteBuffer) Max() int { return b.max }

// Points returns the buffered points in arrival order. The slice is only
// valid until the next Append or Clear.
func (b *WriteBuffer) Points() []telemetry.Point { return b.points }

// Clear empties the buffer and returns how many points it held.
func (b *WriteBuffer) Clear() int {
	n := len(b.points)
	b.points = nil
	return n
}
