package rpihw

import (
	"errors"
	"testing"

	"go.viam.com/test"
)

func TestHeapArena(t *testing.T) {
	a := NewHeapArena(100)

	t.Run("size is page rounded and zeroed", func(t *testing.T) {
		test.That(t, a.Size(), test.ShouldEqual, 4096)
		for _, w := range a.Words() {
			test.That(t, w, test.ShouldEqual, uint32(0))
		}
	})

	t.Run("bus translation", func(t *testing.T) {
		bus, err := a.BusAddr(0)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, bus%32, test.ShouldEqual, uint32(0))

		bus2, err := a.BusAddr(64)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, bus2-bus, test.ShouldEqual, uint32(64))

		_, err = a.BusAddr(4096)
		test.That(t, errors.Is(err, ErrOutOfRange), test.ShouldBeTrue)
	})

	t.Run("close is a no-op", func(t *testing.T) {
		test.That(t, a.Close(), test.ShouldBeNil)
		test.That(t, a.Close(), test.ShouldBeNil)
	})
}

func TestMailboxArena(t *testing.T) {
	devMem := fakeDevMem(t, 64*4096)

	// Script a firmware that allocates from a fixed bus window inside the
	// fake memory file.
	var freed, unlocked bool
	mb := scriptedMailbox(func(buf []uint32) {
		buf[1] = respSuccess
		switch buf[2] {
		case tagAllocMem:
			buf[5] = 99
		case tagLockMem:
			buf[5] = 0x40004000 // phys 0x4000 inside the fake file
		case tagUnlockMem:
			unlocked = true
			buf[5] = 0
		case tagFreeMem:
			freed = true
			buf[5] = 0
		}
	})

	a, err := NewMailboxArena(mb, devMem, 5000, MemFlagDMA)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a.Size(), test.ShouldEqual, 8192)

	t.Run("bus addresses come from the lock", func(t *testing.T) {
		bus, err := a.BusAddr(0x100)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, bus, test.ShouldEqual, uint32(0x40004100))

		_, err = a.BusAddr(8192)
		test.That(t, errors.Is(err, ErrOutOfRange), test.ShouldBeTrue)
	})

	t.Run("words are writable", func(t *testing.T) {
		a.Words()[3] = 0xfeedface
		test.That(t, a.Words()[3], test.ShouldEqual, uint32(0xfeedface))
	})

	t.Run("close unlocks and frees once", func(t *testing.T) {
		test.That(t, a.Close(), test.ShouldBeNil)
		test.That(t, unlocked, test.ShouldBeTrue)
		test.That(t, freed, test.ShouldBeTrue)
		test.That(t, a.Close(), test.ShouldBeNil)
	})
}

func TestPageRound(t *testing.T) {
	test.That(t, pageRound(1), test.ShouldEqual, 4096)
	test.That(t, pageRound(4096), test.ShouldEqual, 4096)
	test.That(t, pageRound(4097), test.ShouldEqual, 8192)
}
