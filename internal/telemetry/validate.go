package telemetry

import (
	"errors"

	"github.com/rbms/relay/internal/codec"
)

// ErrNoKnownKeys is returned for a well-formed map that carries none of
// the report fields.
var ErrNoKnownKeys = errors.New("telemetry: no known field keys")

// Validate decides whether a raw payload may be forwarded to the bus. A
// payload is valid when it decodes to a map holding at least one known
// field key. Values are not inspected here.
func Validate(payload []byte) error {
	m, err := codec.Decode(payload)
	if err != nil {
		return err
	}
	for k := range m {
		if key, ok := codec.IntKey(k); ok && Field(key).Known() {
			return nil
		}
	}
	return ErrNoKnownKeys
}
