package mux

import (
	"fmt"

	"github.com/moorctl/moor/internal/protocol"
)

// idAllocator hands out channel ids from one parity class so the two trunk
// ends never collide: the connecting side allocates odd ids, the accepting
// side even ids. Released ids go on a free list and are preferred over
// fresh ones; an id is only released once the channel is fully closed on
// both sides, so an id is never reused while frames for it are in flight.
type idAllocator struct {
	next uint32
	step uint32
	max  uint32
	free []uint32
}

func newIDAllocator(start, step, max uint32) *idAllocator {
	return &idAllocator{next: start, step: step, max: max}
}

func (a *idAllocator) Acquire() (uint32, error) {
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id, nil
	}
	if a.next > a.max {
		return 0, fmt.Errorf("%w: channel id space", protocol.ErrResourceExhausted)
	}
	id := a.next
	a.next += a.step
	return id, nil
}

func (a *idAllocator) Release(id uint32) {
	a.free = append(a.free, id)
}
