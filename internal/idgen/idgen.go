// Package idgen mints correlation refs and subscriber ids.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

type Generator interface {
	Next() string
}

// UUID yields random version 4 UUIDs.
type UUID struct{}

func (UUID) Next() string { return uuid.NewString() }

// Sequence yields prefix-1, prefix-2, ... and is meant for tests that need
// predictable refs.
type Sequence struct {
	Prefix string
	n      atomic.Uint64
}

func (s *Sequence) Next() string {
	return s.Prefix + "-" + strconv.FormatUint(s.n.Add(1), 10)
}
