package engine

import (
	"sync"
)

// InstancePool bounds live module instances. Capacity is sized so that
// `concurrency` messages each using up to `expectedMaxRecursion` instances
// leave `maxCallDepth` slots in reserve.
//
// When availability falls to the reserve, exactly one owner (the first to
// ask) is boosted and may keep taking from the reserve, so its own nested
// recursion cannot deadlock against the pool; every other owner waits until
// availability rises above the reserve again. The boost is released when
// the boosted owner's outstanding takes reach zero.
//
// Note that we always Broadcast on release: a Signal could wake a
// non-boosted waiter that has to go right back to sleep while the boosted
// owner starves.
type InstancePool struct {
	mx   sync.Mutex
	cond sync.Cond

	avail    int
	reserved int

	boostOwner  int64 // 0 when nobody is boosted
	outstanding map[int64]int
}

func newInstancePool(capacity, reserved int) *InstancePool {
	if capacity <= reserved {
		capacity = reserved + 1
	}
	p := &InstancePool{
		avail:       capacity,
		reserved:    reserved,
		outstanding: make(map[int64]int),
	}
	p.cond.L = &p.mx
	return p
}

// Take blocks until the owner may hold one more instance slot.
func (p *InstancePool) Take(owner int64) {
	p.mx.Lock()
	defer p.mx.Unlock()

	for !p.mayTake(owner) {
		p.cond.Wait()
	}

	p.avail--
	p.outstanding[owner]++
}

func (p *InstancePool) mayTake(owner int64) bool {
	if p.avail > p.reserved {
		return true
	}
	if p.avail <= 0 {
		return false
	}
	// reserve zone: claim or hold the boost
	if p.boostOwner == 0 {
		p.boostOwner = owner
	}
	return p.boostOwner == owner
}

// Put returns a slot taken by owner.
func (p *InstancePool) Put(owner int64) {
	p.mx.Lock()
	defer p.mx.Unlock()

	p.avail++
	p.outstanding[owner]--
	if p.outstanding[owner] <= 0 {
		delete(p.outstanding, owner)
		if p.boostOwner == owner {
			p.boostOwner = 0
		}
	}

	p.cond.Broadcast()
}

// Available reports free slots, for metrics and tests.
func (p *InstancePool) Available() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.avail
}

// Boosted reports the currently boosted owner, 0 for none.
func (p *InstancePool) Boosted() int64 {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.boostOwner
}
