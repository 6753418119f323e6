package telemetry

import (
	"math"
	"time"

	"github.com/rbms/relay/internal/codec"
)

// MapFields keeps the entries of m whose key is a known field and whose
// value is a finite number, converted to float64 and keyed by field name.
// The store rejects a whole point over one NaN or Inf field, so those are
// dropped per entry.
func MapFields(m codec.Map) map[string]float64 {
	fields := make(map[string]float64, len(m))
	for k, v := range m {
		key, ok := codec.IntKey(k)
		if !ok {
			continue
		}
		name := Field(key).Name()
		if name == "" {
			continue
		}
		f, ok := codec.Number(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		fields[name] = f
	}
	return fields
}

// ToPoint builds a storage point for nodeID from a decoded payload. It
// returns false when nothing in the payload survives mapping; such a
// reading is never stored.
func ToPoint(nodeID string, m codec.Map, at time.Time) (Point, bool) {
	fields := MapFields(m)
	if len(fields) == 0 {
		return Point{}, false
	}
	return Point{NodeID: nodeID, Fields: fields, Time: at}, true
}
