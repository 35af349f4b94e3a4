// Package rpihw provides low-level access to the Broadcom SoC on Raspberry Pi
// boards: hardware revision detection, register window mapping through
// /dev/mem, the VideoCore mailbox property channel, and DMA-coherent memory
// arenas. It contains no PWM logic; the dmapwm package builds on it.
package rpihw

import "github.com/pkg/errors"

var (
	// ErrMap means a peripheral register window could not be mapped.
	ErrMap = errors.New("cannot map peripheral memory")

	// ErrPermission means the privileged memory device could not be opened.
	// Register-level access requires root.
	ErrPermission = errors.New("permission denied opening physical memory device")

	// ErrOutOfRange means an address translation was requested for an offset
	// outside the mapped window.
	ErrOutOfRange = errors.New("offset outside mapped region")

	// ErrUnsupportedBoard means the hardware revision does not identify a
	// known Raspberry Pi model.
	ErrUnsupportedBoard = errors.New("unsupported or unrecognized board")

	// ErrMailbox means the VideoCore firmware rejected a property request.
	ErrMailbox = errors.New("mailbox property request failed")
)
