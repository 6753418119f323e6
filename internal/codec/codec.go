// Package codec decodes the compact CBOR maps sensor nodes transmit.
//
// Nodes encode a report as a CBOR map keyed by small unsigned integers
// with float or unsigned integer values. The codec does not interpret
// the keys; that is the job of the telemetry package.
package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrNotMap is returned when a payload decodes cleanly but its top-level
// item is not a CBOR map.
var ErrNotMap = errors.New("codec: payload is not a map")

// maxPayloadItems bounds decoder work on hostile input. A node report
// has at most seven entries.
const maxPayloadItems = 64

var (
	decMode cbor.DecMode
	encMode cbor.EncMode
)

func init() {
	var err error

	decMode, err = cbor.DecOptions{
		MaxMapPairs:      maxPayloadItems,
		MaxArrayElements: maxPayloadItems,
		MaxNestedLevels:  4,
		// Duplicate keys would make "which value wins" ambiguous.
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
}

// Map is a decoded payload. Keys and values keep the dynamic types the
// CBOR decoder produced (uint64 and int64 for integers, float64 for
// floats, string, bool, ...).
type Map map[any]any

// Decode decodes a payload and requires its top-level item to be a map.
func Decode(data []byte) (Map, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("codec: empty payload")
	}
	var v any
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	m, ok := v.(map[any]any)
	if !ok {
		return nil, ErrNotMap
	}
	return Map(m), nil
}

// Encode encodes v with core deterministic encoding. The relay never
// re-encodes payloads on the data path; this exists for tooling and
// tests that need to build node-shaped payloads.
func Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// IntKey returns k as an unsigned integer key if it is a non-negative
// CBOR integer.
func IntKey(k any) (uint64, bool) {
	switch n := k.(type) {
	case uint64:
		return n, true
	case int64:
		if n >= 0 {
			return uint64(n), true
		}
	}
	return 0, false
}

// Number returns v as a float64 if it is a CBOR integer or float.
// Booleans are not numbers.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case uint64:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
