package telemetry

import "time"

// Point is one storage row: a reading from a single node.
type Point struct {
	NodeID string
	Fields map[string]float64
	// Time is when the bridge accepted the reading.
	Time time.Time
}

// Tags returns the point's tag set.
func (p Point) Tags() map[string]string {
	return map[string]string{"node_id": p.NodeID}
}

// FieldValues returns the fields in the shape point store clients take.
func (p Point) FieldValues() map[string]any {
	out := make(map[string]any, len(p.Fields))
	for k, v := range p.Fields {
		out[k] = v
	}
	return out
}
