package rpihw

import (
	"io/fs"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// VCIOPath is the default VideoCore mailbox character device.
const VCIOPath = "/dev/vcio"

// Property tags of the firmware interface used here.
const (
	tagAllocMem    = 0x3000c
	tagLockMem     = 0x3000d
	tagUnlockMem   = 0x3000e
	tagFreeMem     = 0x3000f
	tagBoardRev    = 0x10002
	tagDMAChannels = 0x60001

	respSuccess = 0x80000000
	vcioMajor   = 100
)

// Allocation flags for AllocMem.
const (
	memFlagDirect     = 1 << 2 // uncached 0xc alias
	memFlagCoherentL2 = 2 << 2 // non-allocating in L1
	memFlagZero       = 1 << 4

	// MemFlagDMA is the flag set for DMA-visible ring memory on the
	// original BCM2835: allocating in L2 only, zero initialized. Matches
	// what the pi-blaster family uses there.
	MemFlagDMA = memFlagDirect | memFlagCoherentL2 | memFlagZero

	// MemFlagDMADirect is the equivalent for later SoCs, where the VC L2
	// does not front the ARM and the uncached alias is the coherent one.
	MemFlagDMADirect = memFlagDirect | memFlagZero
)

// BusToPhys strips the cache-alias bits from a VideoCore bus address,
// yielding the physical address usable as an mmap offset.
func BusToPhys(bus uint32) int64 {
	return int64(bus &^ 0xc0000000)
}

// A Mailbox is an open session on the VideoCore property channel. It hands
// out physically contiguous memory the DMA engine can read.
type Mailbox struct {
	f *os.File
	// call issues one property transaction; tests substitute a script.
	call func(buf []uint32) error
}

// OpenMailbox opens the mailbox device. If the node does not exist it is
// created first (char major 100); both the open and the mknod need root.
func OpenMailbox(path string) (*Mailbox, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		if mkErr := unix.Mknod(path, unix.S_IFCHR|0o600, int(unix.Mkdev(vcioMajor, 0))); mkErr != nil {
			return nil, errors.Wrapf(ErrMailbox, "%s missing and cannot be created: %v", path, mkErr)
		}
		f, err = os.OpenFile(path, os.O_RDWR, 0)
	}
	if err != nil {
		if os.IsPermission(err) {
			return nil, errors.Wrapf(ErrPermission, "opening %s: %v", path, err)
		}
		return nil, errors.Wrapf(ErrMailbox, "opening %s: %v", path, err)
	}
	m := &Mailbox{f: f}
	m.call = m.ioctlProperty
	return m, nil
}

// Close releases the device.
func (m *Mailbox) Close() error {
	if m.f == nil {
		return nil
	}
	f := m.f
	m.f = nil
	return f.Close()
}

// ioctlProperty performs the _IOWR(100, 0, char*) transaction in place.
func (m *Mailbox) ioctlProperty(buf []uint32) error {
	const iocReadWrite = 3 // _IOC_READ|_IOC_WRITE
	req := uintptr(iocReadWrite)<<30 | unsafe.Sizeof(uintptr(0))<<16 | vcioMajor<<8
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, m.f.Fd(), req, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return errors.Wrapf(ErrMailbox, "ioctl: %v", errno)
	}
	return nil
}

// property frames one tag request, runs it, and returns the value words.
// Layout: {total bytes, 0, tag, value buf bytes, value bytes, values..., 0}.
func (m *Mailbox) property(tag uint32, vals ...uint32) ([]uint32, error) {
	buf := make([]uint32, 6+len(vals))
	buf[0] = uint32(len(buf) * 4)
	buf[2] = tag
	buf[3] = uint32(len(vals) * 4)
	buf[4] = uint32(len(vals) * 4)
	copy(buf[5:], vals)

	if err := m.call(buf); err != nil {
		return nil, err
	}
	if buf[1] != respSuccess {
		return nil, errors.Wrapf(ErrMailbox, "tag %#x: firmware status %#x", tag, buf[1])
	}
	return buf[5 : 5+len(vals)], nil
}

// AllocMem asks the firmware for size bytes of contiguous memory with the
// given alignment and flags, returning an opaque handle.
func (m *Mailbox) AllocMem(size, align int, flags uint32) (uint32, error) {
	out, err := m.property(tagAllocMem, uint32(size), uint32(align), flags)
	if err != nil {
		return 0, errors.Wrapf(err, "allocating %d bytes", size)
	}
	return out[0], nil
}

// LockMem pins an allocation and returns its bus address.
func (m *Mailbox) LockMem(handle uint32) (uint32, error) {
	out, err := m.property(tagLockMem, handle)
	if err != nil {
		return 0, errors.Wrapf(err, "locking handle %#x", handle)
	}
	return out[0], nil
}

// UnlockMem releases the pin on an allocation.
func (m *Mailbox) UnlockMem(handle uint32) error {
	out, err := m.property(tagUnlockMem, handle)
	if err != nil {
		return errors.Wrapf(err, "unlocking handle %#x", handle)
	}
	if out[0] != 0 {
		return errors.Wrapf(ErrMailbox, "unlock status %#x", out[0])
	}
	return nil
}

// FreeMem returns an allocation to the firmware.
func (m *Mailbox) FreeMem(handle uint32) error {
	out, err := m.property(tagFreeMem, handle)
	if err != nil {
		return errors.Wrapf(err, "freeing handle %#x", handle)
	}
	if out[0] != 0 {
		return errors.Wrapf(ErrMailbox, "free status %#x", out[0])
	}
	return nil
}

// BoardRevision reads the firmware's view of the board revision code.
func (m *Mailbox) BoardRevision() (uint32, error) {
	out, err := m.property(tagBoardRev, 0)
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

// DMAChannelMask reports which DMA channels the firmware left for the ARM:
// bit n set means channel n is ours to use.
func (m *Mailbox) DMAChannelMask() (uint32, error) {
	out, err := m.property(tagDMAChannels, 0)
	if err != nil {
		return 0, err
	}
	return out[0], nil
}
