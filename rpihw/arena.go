package rpihw

import (
	"os"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"golang.org/x/sys/unix"
)

const pageSize = 4096

// An Arena is a block of physically contiguous, DMA-coherent memory. The
// CPU mutates it through Words; hardware descriptors reference it through
// BusAddr. Implementations guarantee that the whole block is visible to the
// DMA engine without cache maintenance.
type Arena interface {
	// Words is the CPU-side view of the block.
	Words() []uint32
	// BusAddr translates a byte offset into the arena to a bus address.
	BusAddr(off uint32) (uint32, error)
	// Size is the usable length in bytes.
	Size() int
	// Close releases the memory. The caller must have stopped the DMA
	// engine first.
	Close() error
}

// pageRound rounds up to whole pages, the firmware's allocation unit.
func pageRound(n int) int {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// A MailboxArena is firmware-allocated memory locked at a fixed bus address
// and mapped uncached into the process. This is the arena the live engine
// uses for its control block ring.
type MailboxArena struct {
	mb     *Mailbox
	handle uint32
	bus    uint32
	mem    mmap.MMap
	words  []uint32
	size   int
}

// NewMailboxArena allocates, locks, and maps size bytes (page rounded)
// through the given mailbox, with the allocation flags the board variant
// calls for. The mailbox is borrowed, not owned; closing the arena does not
// close it.
func NewMailboxArena(mb *Mailbox, devMemPath string, size int, flags uint32) (*MailboxArena, error) {
	size = pageRound(size)

	handle, err := mb.AllocMem(size, pageSize, flags)
	if err != nil {
		return nil, err
	}
	bus, err := mb.LockMem(handle)
	if err != nil {
		return nil, multierr.Combine(err, mb.FreeMem(handle))
	}

	f, err := os.OpenFile(devMemPath, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		err = errors.Wrapf(ErrMap, "opening %s for arena: %v", devMemPath, err)
		return nil, multierr.Combine(err, mb.UnlockMem(handle), mb.FreeMem(handle))
	}
	defer utils.UncheckedErrorFunc(f.Close)

	mem, err := mmap.MapRegion(f, size, mmap.RDWR, 0, BusToPhys(bus))
	if err != nil {
		err = errors.Wrapf(ErrMap, "mapping arena at bus %#x: %v", bus, err)
		return nil, multierr.Combine(err, mb.UnlockMem(handle), mb.FreeMem(handle))
	}

	return &MailboxArena{
		mb:     mb,
		handle: handle,
		bus:    bus,
		mem:    mem,
		words:  unsafe.Slice((*uint32)(unsafe.Pointer(&mem[0])), size/4),
		size:   size,
	}, nil
}

// Words is the CPU-side view of the arena.
func (a *MailboxArena) Words() []uint32 { return a.words }

// Size returns the arena length in bytes.
func (a *MailboxArena) Size() int { return a.size }

// BusAddr translates an arena offset to the bus address hardware must use.
func (a *MailboxArena) BusAddr(off uint32) (uint32, error) {
	if int(off)+4 > a.size {
		return 0, errors.Wrapf(ErrOutOfRange, "arena offset %#x beyond %#x", off, a.size)
	}
	return a.bus + off, nil
}

// Close unmaps, unlocks, and frees the arena, in that order.
func (a *MailboxArena) Close() error {
	if a.mem == nil {
		return nil
	}
	mem := a.mem
	a.mem = nil
	a.words = nil
	return multierr.Combine(
		mem.Unmap(),
		a.mb.UnlockMem(a.handle),
		a.mb.FreeMem(a.handle),
	)
}

// heapArenaBus is the fabricated bus base HeapArena hands out. It is 32-byte
// aligned so descriptor address arithmetic behaves as it would on hardware.
const heapArenaBus = 0x40008000

// A HeapArena is an Arena backed by ordinary process memory with a
// fabricated bus base. No DMA engine can see it; it exists so the engine and
// its tests can run off-target.
type HeapArena struct {
	words []uint32
}

// NewHeapArena returns a zeroed arena of size bytes, page rounded.
func NewHeapArena(size int) *HeapArena {
	return &HeapArena{words: make([]uint32, pageRound(size)/4)}
}

// Words is the CPU-side view of the arena.
func (a *HeapArena) Words() []uint32 { return a.words }

// Size returns the arena length in bytes.
func (a *HeapArena) Size() int { return len(a.words) * 4 }

// BusAddr translates an arena offset to a fabricated bus address.
func (a *HeapArena) BusAddr(off uint32) (uint32, error) {
	if int(off)+4 > a.Size() {
		return 0, errors.Wrapf(ErrOutOfRange, "arena offset %#x beyond %#x", off, a.Size())
	}
	return heapArenaBus + off, nil
}

// Close releases nothing; heap memory is garbage collected.
func (a *HeapArena) Close() error { return nil }
