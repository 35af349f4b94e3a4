package rpihw

import (
	"encoding/binary"
	"os"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

// Physical base of the peripheral window per SoC, and the fixed bus-side
// base the peripherals appear at for DMA.
const (
	periphBaseBCM2835 = 0x20000000
	periphBaseBCM2836 = 0x3f000000
	periphBaseBCM2711 = 0xfe000000

	// PeriphBusBase is where the peripheral window sits in the VideoCore bus
	// address space on every supported model. DMA descriptors must address
	// registers through this base.
	PeriphBusBase = 0x7e000000
)

// Revision code layout (new scheme): bit 23 set, processor in bits 15:12.
const (
	revSchemeNew   = 1 << 23
	revProcShift   = 12
	revProcMask    = 0xf
	procBCM2835    = 0
	procBCM2836    = 1
	procBCM2837    = 2
	procBCM2711    = 3
	defaultRevPath = "/proc/device-tree/system/linux,revision"
	cpuinfoPath    = "/proc/cpuinfo"
)

// A Variant describes the SoC of the board we are running on, as far as this
// package cares: where the peripheral register window lives and how DMA
// memory should be allocated for it.
type Variant struct {
	// Name is a human readable SoC/model family name.
	Name string
	// Revision is the raw board revision code.
	Revision uint32
	// PeriphBase is the physical address of the peripheral window, used as
	// the mmap offset into /dev/mem.
	PeriphBase int64
	// MemFlag is the mailbox allocation flag giving DMA-coherent memory on
	// this SoC.
	MemFlag uint32
}

// DetectVariant reads the board revision from the device tree, falling back
// to /proc/cpuinfo, and decodes it.
func DetectVariant() (Variant, error) {
	return detectVariantAt(defaultRevPath, cpuinfoPath)
}

// DetectVariantFromFirmware asks the firmware for the board revision over
// the mailbox and decodes it. Last-resort source for systems that expose
// neither proc revision file.
func DetectVariantFromFirmware(mb *Mailbox) (Variant, error) {
	rev, err := mb.BoardRevision()
	if err != nil {
		return Variant{}, err
	}
	return decodeRevision(rev)
}

func detectVariantAt(revPath, cpuinfo string) (Variant, error) {
	rev, err := readRevision(revPath, cpuinfo)
	if err != nil {
		return Variant{}, err
	}
	return decodeRevision(rev)
}

// readRevision prefers the device-tree revision file (a single big-endian
// word) and falls back to the "Revision" line of cpuinfo.
func readRevision(revPath, cpuinfo string) (uint32, error) {
	if b, err := os.ReadFile(revPath); err == nil && len(b) >= 4 {
		return binary.BigEndian.Uint32(b[:4]), nil
	}
	b, err := os.ReadFile(cpuinfo)
	if err != nil {
		return 0, errors.Wrap(ErrUnsupportedBoard, "no device-tree revision and cannot read cpuinfo")
	}
	m := regexp.MustCompile(`(?m)^Revision\s*:\s*([0-9a-fA-F]+)`).FindSubmatch(b)
	if m == nil {
		return 0, errors.Wrap(ErrUnsupportedBoard, "no Revision line in cpuinfo")
	}
	rev, err := strconv.ParseUint(string(m[1]), 16, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrUnsupportedBoard, "bad revision %q", m[1])
	}
	return uint32(rev), nil
}

// decodeRevision maps a revision code to a Variant. Old-scheme codes are all
// BCM2835 boards. New-scheme codes carry the processor in a bit field. The
// BCM2712 (Pi 5) routes GPIO through the RP1 chip and is not supported by
// this engine.
func decodeRevision(rev uint32) (Variant, error) {
	v := Variant{Revision: rev}
	if rev&revSchemeNew == 0 {
		v.Name = "BCM2835 (Pi 1)"
		v.PeriphBase = periphBaseBCM2835
		v.MemFlag = MemFlagDMA
		return v, nil
	}
	switch (rev >> revProcShift) & revProcMask {
	case procBCM2835:
		v.Name = "BCM2835 (Pi 1/Zero)"
		v.PeriphBase = periphBaseBCM2835
		v.MemFlag = MemFlagDMA
	case procBCM2836:
		v.Name = "BCM2836 (Pi 2)"
		v.PeriphBase = periphBaseBCM2836
		v.MemFlag = MemFlagDMADirect
	case procBCM2837:
		v.Name = "BCM2837 (Pi 2/3)"
		v.PeriphBase = periphBaseBCM2836
		v.MemFlag = MemFlagDMADirect
	case procBCM2711:
		v.Name = "BCM2711 (Pi 4)"
		v.PeriphBase = periphBaseBCM2711
		v.MemFlag = MemFlagDMADirect
	default:
		return Variant{}, errors.Wrapf(ErrUnsupportedBoard, "revision %#x", rev)
	}
	return v, nil
}
