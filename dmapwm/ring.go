package dmapwm

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/viam-modules/dma-pwm/rpihw"
)

// A ring is the circular DMA program: one eight-word control block per time
// slot, followed by one mask word per slot that the matching block copies
// into a GPIO register. Block i always reads mask word i and always moves
// four bytes; the only things that ever change on a live ring are the mask
// value and which register (set or clear) the block targets.
//
// Arena layout, all offsets fixed at build time:
//
//	[ cb 0 | cb 1 | ... | cb n-1 | mask 0 | mask 1 | ... | mask n-1 ]
type ring struct {
	arena rpihw.Arena
	words []uint32
	n     int

	// Bus addresses of the GPIO registers an edge targets. With inverted
	// output these are swapped at construction, nowhere else.
	activeBus uint32
	idleBus   uint32
}

// ringBytes is the arena space a ring of n slots needs.
func ringBytes(n int) int {
	return n*cbBytes + n*4
}

// newRing lays out n slots in the arena. Every block starts as a no-op: mask
// zero, targeting the idle register. The chain is left open; link closes it
// once the caller is done inspecting or priming it.
func newRing(arena rpihw.Arena, n int, activeBus, idleBus, ti uint32) (*ring, error) {
	if arena.Size() < ringBytes(n) {
		return nil, errors.Wrapf(rpihw.ErrOutOfRange, "arena %d bytes, ring needs %d", arena.Size(), ringBytes(n))
	}
	r := &ring{
		arena:     arena,
		words:     arena.Words(),
		n:         n,
		activeBus: activeBus,
		idleBus:   idleBus,
	}
	for i := 0; i < n; i++ {
		cb := r.words[i*cbWords:]
		src, err := arena.BusAddr(r.maskOff(i))
		if err != nil {
			return nil, err
		}
		cb[cbTI] = ti
		cb[cbSrc] = src
		cb[cbDst] = idleBus
		cb[cbLen] = 4
		cb[cbStride] = 0
		cb[cbNext] = 0
		r.words[r.maskIndex(i)] = 0
		if i > 0 {
			bus, err := arena.BusAddr(uint32(i * cbBytes))
			if err != nil {
				return nil, err
			}
			r.words[(i-1)*cbWords+cbNext] = bus
		}
	}
	return r, nil
}

// link points the last block back at the first, closing the circle. The
// engine calls this exactly once, before the chain is handed to hardware.
func (r *ring) link() error {
	first, err := r.arena.BusAddr(0)
	if err != nil {
		return err
	}
	r.words[(r.n-1)*cbWords+cbNext] = first
	return nil
}

// firstBus is the address hardware starts the chain at.
func (r *ring) firstBus() (uint32, error) {
	return r.arena.BusAddr(0)
}

func (r *ring) maskOff(slot int) uint32 {
	return uint32(r.n*cbBytes + slot*4)
}

func (r *ring) maskIndex(slot int) int {
	return r.n*cbWords + slot
}

// writeEdge rewrites what slot does on its tick: drive the masked pins
// active, or drive them idle. A zero mask parks the slot as a no-op. The
// mask word is stored before the destination so a transfer racing the edit
// sees at worst one extra or missing toggle, never a torn descriptor; the
// src, length, and chain words of a live block are never touched.
func (r *ring) writeEdge(slot int, mask uint32, active bool) {
	dst := r.idleBus
	if active && mask != 0 {
		dst = r.activeBus
	}
	atomic.StoreUint32(&r.words[r.maskIndex(slot)], mask)
	atomic.StoreUint32(&r.words[slot*cbWords+cbDst], dst)
}

// slotMask reads back the mask a slot will copy.
func (r *ring) slotMask(slot int) uint32 {
	return atomic.LoadUint32(&r.words[r.maskIndex(slot)])
}

// slotActive reports whether the slot currently targets the active-edge
// register.
func (r *ring) slotActive(slot int) bool {
	return atomic.LoadUint32(&r.words[slot*cbWords+cbDst]) == r.activeBus
}
