package rpihw

import (
	"errors"
	"testing"

	"go.viam.com/test"
)

// scriptedMailbox returns a Mailbox whose transport runs fn instead of the
// vcio ioctl. fn mutates the buffer the way the firmware would.
func scriptedMailbox(fn func(buf []uint32)) *Mailbox {
	m := &Mailbox{}
	m.call = func(buf []uint32) error {
		fn(buf)
		return nil
	}
	return m
}

func TestMailboxFraming(t *testing.T) {
	t.Run("alloc request shape and response", func(t *testing.T) {
		var seen []uint32
		m := scriptedMailbox(func(buf []uint32) {
			seen = append([]uint32{}, buf...)
			buf[1] = respSuccess
			buf[5] = 42 // handle
		})

		handle, err := m.AllocMem(4096, 4096, MemFlagDMA)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, handle, test.ShouldEqual, uint32(42))

		test.That(t, seen[0], test.ShouldEqual, uint32(len(seen)*4))
		test.That(t, seen[1], test.ShouldEqual, uint32(0))
		test.That(t, seen[2], test.ShouldEqual, uint32(tagAllocMem))
		test.That(t, seen[3], test.ShouldEqual, uint32(12))
		test.That(t, seen[5], test.ShouldEqual, uint32(4096))
		test.That(t, seen[6], test.ShouldEqual, uint32(4096))
		test.That(t, seen[7], test.ShouldEqual, uint32(MemFlagDMA))
		test.That(t, seen[len(seen)-1], test.ShouldEqual, uint32(0)) // end tag
	})

	t.Run("lock returns the bus address", func(t *testing.T) {
		m := scriptedMailbox(func(buf []uint32) {
			test.That(t, buf[2], test.ShouldEqual, uint32(tagLockMem))
			buf[1] = respSuccess
			buf[5] = 0x5e000000
		})
		bus, err := m.LockMem(42)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, bus, test.ShouldEqual, uint32(0x5e000000))
	})

	t.Run("firmware failure surfaces as ErrMailbox", func(t *testing.T) {
		m := scriptedMailbox(func(buf []uint32) {
			buf[1] = 0x80000001
		})
		_, err := m.AllocMem(16, 16, MemFlagDMA)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, errors.Is(err, ErrMailbox), test.ShouldBeTrue)
	})

	t.Run("nonzero unlock and free statuses fail", func(t *testing.T) {
		m := scriptedMailbox(func(buf []uint32) {
			buf[1] = respSuccess
			buf[5] = 1
		})
		test.That(t, errors.Is(m.UnlockMem(7), ErrMailbox), test.ShouldBeTrue)
		test.That(t, errors.Is(m.FreeMem(7), ErrMailbox), test.ShouldBeTrue)
	})

	t.Run("board revision and dma mask", func(t *testing.T) {
		m := scriptedMailbox(func(buf []uint32) {
			buf[1] = respSuccess
			switch buf[2] {
			case tagBoardRev:
				buf[5] = 0xa02082
			case tagDMAChannels:
				buf[5] = 0x7f35
			}
		})
		rev, err := m.BoardRevision()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, rev, test.ShouldEqual, uint32(0xa02082))

		mask, err := m.DMAChannelMask()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, mask&(1<<14), test.ShouldEqual, uint32(1<<14))
	})
}

func TestBusToPhys(t *testing.T) {
	test.That(t, BusToPhys(0x4e000000), test.ShouldEqual, int64(0x0e000000))
	test.That(t, BusToPhys(0xce000000), test.ShouldEqual, int64(0x0e000000))
	test.That(t, BusToPhys(0x0e000000), test.ShouldEqual, int64(0x0e000000))
}
