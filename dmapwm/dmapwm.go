// Package dmapwm drives software PWM on up to 32 GPIO pins at once using the
// SoC DMA controller, with no CPU involvement after setup. A circular chain
// of DMA control blocks writes pin masks into the GPIO set and clear
// registers, paced by the PWM (or PCM) peripheral's DREQ line so each block
// fires on a fixed tick. Changing a duty cycle is a pair of word writes into
// the live chain.
//
// The technique is the pi-blaster one. It owns the PWM clock and whichever
// pacing peripheral it is told to use, so it cannot coexist with the kernel
// PWM driver or with audio output on the same peripheral.
package dmapwm

import "github.com/pkg/errors"

var (
	// ErrAlreadyInitialized means a second engine was requested while one
	// is live in this process. The hardware has a single PWM clock; two
	// engines would fight over it.
	ErrAlreadyInitialized = errors.New("a dma pwm engine is already active")

	// ErrEngineBusy means a DMA channel operation was attempted in a state
	// that does not allow it, such as arming a running channel.
	ErrEngineBusy = errors.New("dma channel is busy")

	// ErrStopTimeout means the DMA channel did not acknowledge a stop
	// request. The ring memory is leaked rather than freed under it.
	ErrStopTimeout = errors.New("dma channel did not stop")

	// ErrPinInUse means the pin already has a live channel.
	ErrPinInUse = errors.New("pin already allocated")

	// ErrPinBanned means the pin is reserved (SD card, flash, or otherwise
	// load bearing) and may not be driven.
	ErrPinBanned = errors.New("pin is reserved and cannot be used")

	// ErrPinOutOfRange means the pin number is outside GPIO bank 0, the
	// only bank one set/clear register pair can reach.
	ErrPinOutOfRange = errors.New("pin outside gpio bank 0")

	// ErrNoCapacity means every channel slot is taken.
	ErrNoCapacity = errors.New("all pwm channels in use")

	// ErrInvalidDutyCycle means a duty cycle outside [0, 100] was given.
	ErrInvalidDutyCycle = errors.New("duty cycle must be between 0 and 100")

	// ErrReleased means the channel was released and can no longer be set.
	ErrReleased = errors.New("channel has been released")

	// ErrClosed means the engine has been shut down.
	ErrClosed = errors.New("engine is closed")
)
