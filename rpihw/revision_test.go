package rpihw

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestDecodeRevision(t *testing.T) {
	t.Run("old scheme is a Pi 1", func(t *testing.T) {
		v, err := decodeRevision(0x0002)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, v.PeriphBase, test.ShouldEqual, int64(0x20000000))
		test.That(t, v.MemFlag, test.ShouldEqual, uint32(MemFlagDMA))
	})

	t.Run("new scheme processors", func(t *testing.T) {
		for _, tc := range []struct {
			name string
			rev  uint32
			base int64
			flag uint32
		}{
			{"Zero W (BCM2835)", 0x9000c1, 0x20000000, MemFlagDMA},
			{"Pi 2 (BCM2836)", 0xa01041, 0x3f000000, MemFlagDMADirect},
			{"Pi 3 (BCM2837)", 0xa02082, 0x3f000000, MemFlagDMADirect},
			{"Pi 4 (BCM2711)", 0xc03111, 0xfe000000, MemFlagDMADirect},
		} {
			t.Run(tc.name, func(t *testing.T) {
				v, err := decodeRevision(tc.rev)
				test.That(t, err, test.ShouldBeNil)
				test.That(t, v.PeriphBase, test.ShouldEqual, tc.base)
				test.That(t, v.Revision, test.ShouldEqual, tc.rev)
				test.That(t, v.MemFlag, test.ShouldEqual, tc.flag)
			})
		}
	})

	t.Run("Pi 5 is rejected", func(t *testing.T) {
		_, err := decodeRevision(0xd04170)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, errors.Is(err, ErrUnsupportedBoard), test.ShouldBeTrue)
	})
}

func TestDetectVariantAt(t *testing.T) {
	dir := t.TempDir()

	t.Run("device tree file", func(t *testing.T) {
		revFile := filepath.Join(dir, "linux,revision")
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, 0xa02082)
		test.That(t, os.WriteFile(revFile, b, 0o600), test.ShouldBeNil)

		v, err := detectVariantAt(revFile, filepath.Join(dir, "nope"))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, v.PeriphBase, test.ShouldEqual, int64(0x3f000000))
	})

	t.Run("cpuinfo fallback", func(t *testing.T) {
		cpuinfo := filepath.Join(dir, "cpuinfo")
		contents := "processor\t: 0\nmodel name\t: ARMv7\nRevision\t: a01041\nSerial\t\t: 0000000012345678\n"
		test.That(t, os.WriteFile(cpuinfo, []byte(contents), 0o600), test.ShouldBeNil)

		v, err := detectVariantAt(filepath.Join(dir, "nope"), cpuinfo)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, v.PeriphBase, test.ShouldEqual, int64(0x3f000000))
	})

	t.Run("nothing readable", func(t *testing.T) {
		_, err := detectVariantAt(filepath.Join(dir, "nope"), filepath.Join(dir, "also-nope"))
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestDetectVariantFromFirmware(t *testing.T) {
	t.Run("revision comes over the mailbox", func(t *testing.T) {
		m := scriptedMailbox(func(buf []uint32) {
			test.That(t, buf[2], test.ShouldEqual, uint32(tagBoardRev))
			buf[1] = respSuccess
			buf[5] = 0xc03111
		})
		v, err := DetectVariantFromFirmware(m)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, v.Revision, test.ShouldEqual, uint32(0xc03111))
		test.That(t, v.PeriphBase, test.ShouldEqual, int64(0xfe000000))
		test.That(t, v.MemFlag, test.ShouldEqual, uint32(MemFlagDMADirect))
	})

	t.Run("firmware failure propagates", func(t *testing.T) {
		m := scriptedMailbox(func(buf []uint32) {
			buf[1] = 0x80000001
		})
		_, err := DetectVariantFromFirmware(m)
		test.That(t, errors.Is(err, ErrMailbox), test.ShouldBeTrue)
	})

	t.Run("unsupported codes are still rejected", func(t *testing.T) {
		m := scriptedMailbox(func(buf []uint32) {
			buf[1] = respSuccess
			buf[5] = 0xd04170
		})
		_, err := DetectVariantFromFirmware(m)
		test.That(t, errors.Is(err, ErrUnsupportedBoard), test.ShouldBeTrue)
	})
}
