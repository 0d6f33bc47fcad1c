// Package deepcopy clones plain data values by round-tripping them through
// CBOR. Only exported fields survive the copy.
package deepcopy

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

func Copy[T any](v T) (T, error) {
	var out T
	b, err := cbor.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("deepcopy: encode: %w", err)
	}
	if err := cbor.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("deepcopy: decode: %w", err)
	}
	return out, nil
}

// MustCopy panics if v cannot be copied. Use it only for values whose shape
// is known at compile time.
func MustCopy[T any](v T) T {
	out, err := Copy(v)
	if err != nil {
		panic(err)
	}
	return out
}
