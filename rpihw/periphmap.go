package rpihw

import (
	"os"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"golang.org/x/sys/unix"
)

// A PeriphMap is one peripheral register window mapped into the process.
// The virtual side (Words) is what the CPU reads and writes; the bus side
// (Bus) is the only address form the DMA engine understands. The two are
// related by plain offset arithmetic.
type PeriphMap struct {
	name  string
	mem   mmap.MMap
	words []uint32
	bus   uint32
	size  int
}

// MapPeripheral maps size bytes of physical memory starting at physBase from
// the privileged memory device. busBase is the same window's base in the
// VideoCore bus address space. physBase must be page aligned.
func MapPeripheral(devMemPath, name string, physBase int64, busBase uint32, size int) (*PeriphMap, error) {
	f, err := os.OpenFile(devMemPath, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errors.Wrapf(ErrPermission, "opening %s for the %s window (needs root): %v", devMemPath, name, err)
		}
		return nil, errors.Wrapf(ErrMap, "opening %s for the %s window: %v", devMemPath, name, err)
	}
	// The mapping stays valid after the descriptor is closed.
	defer utils.UncheckedErrorFunc(f.Close)

	mem, err := mmap.MapRegion(f, size, mmap.RDWR, 0, physBase)
	if err != nil {
		return nil, errors.Wrapf(ErrMap, "mapping %s window at %#x: %v", name, physBase, err)
	}
	return &PeriphMap{
		name:  name,
		mem:   mem,
		words: unsafe.Slice((*uint32)(unsafe.Pointer(&mem[0])), size/4),
		bus:   busBase,
		size:  size,
	}, nil
}

// Words exposes the window as 32-bit registers. Index is byte offset / 4.
func (p *PeriphMap) Words() []uint32 { return p.words }

// Size returns the mapped length in bytes.
func (p *PeriphMap) Size() int { return p.size }

// Name returns the window's name, for logs.
func (p *PeriphMap) Name() string { return p.name }

// Bus translates a byte offset within the window into the bus address that
// DMA descriptors must carry. Pure arithmetic; fails only when the offset
// falls outside the window.
func (p *PeriphMap) Bus(off uint32) (uint32, error) {
	if int(off)+4 > p.size {
		return 0, errors.Wrapf(ErrOutOfRange, "%s offset %#x beyond %#x", p.name, off, p.size)
	}
	return p.bus + off, nil
}

// Close unmaps the window. Safe to call more than once; only the first call
// does work. The caller must guarantee the DMA engine no longer references
// this window.
func (p *PeriphMap) Close() error {
	if p.mem == nil {
		return nil
	}
	mem := p.mem
	p.mem = nil
	p.words = nil
	if err := mem.Unmap(); err != nil {
		return errors.Wrapf(err, "unmapping %s window", p.name)
	}
	return nil
}
