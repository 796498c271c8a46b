// Package corrid generates correlation ids for request/reply matching.
package corrid

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces correlation ids.
// Implementations must be safe for concurrent use.
type Generator interface {
	Next() string
}

// Sequence produces ids unique across processes and cheap to generate:
// a random per-generator prefix followed by an atomic counter. Restarting
// a process yields a new prefix, so ids never collide with ids issued
// before the restart.
type Sequence struct {
	prefix string
	n      atomic.Uint64
}

var _ Generator = (*Sequence)(nil)

// NewSequence seeds a generator with a fresh random prefix.
func NewSequence() *Sequence {
	return &Sequence{prefix: uuid.NewString()[:8]}
}

func (s *Sequence) Next() string {
	return fmt.Sprintf("%s-%d", s.prefix, s.n.Add(1))
}

// Random produces a fresh UUID per id. Use it when ids must be
// unguessable rather than merely unique.
type Random struct{}

var _ Generator = Random{}

func (Random) Next() string { return uuid.NewString() }
