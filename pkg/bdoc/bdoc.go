// Package bdoc wraps the opaque, self-describing binary payload format
// ("BDoc") carried inside every bus envelope. The rest of the module never
// inspects a payload directly; it only ever holds a Value and asks this
// package to marshal or unmarshal it.
package bdoc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Value is an opaque, already-encoded BDoc document.
type Value []byte

// Nil is the zero-length BDoc document, used for operations with no payload.
var Nil = Value(nil)

// Marshal encodes v into a BDoc Value.
func Marshal(v interface{}) (Value, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bdoc: marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a BDoc Value into v, which must be a pointer.
func Unmarshal(value Value, v interface{}) error {
	if len(value) == 0 {
		return fmt.Errorf("bdoc: unmarshal: empty value")
	}
	if err := msgpack.Unmarshal(value, v); err != nil {
		return fmt.Errorf("bdoc: unmarshal: %w", err)
	}
	return nil
}

// IsEmpty reports whether the value carries no payload.
func (v Value) IsEmpty() bool {
	return len(v) == 0
}
