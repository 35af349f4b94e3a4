package dmapwm

import (
	"math"

	"github.com/pkg/errors"
)

// bannedPins are bank 0 pins wired to on-board hardware (SD card lines, HAT
// EEPROM, board control) on at least one supported board. Driving them can
// brick the boot media, so the engine refuses.
const bannedPins uint32 = 1<<6 | 1<<28 | 1<<29 | 1<<30 | 1<<31

// A Channel is one pin's claim on the engine. It is created at zero duty
// with the pin switched to output and parked at its idle level.
type Channel struct {
	eng       *Engine
	idx       int
	pin       uint
	duty      float64
	savedFsel uint32
	released  bool

	// Ring slots of the channel's edges after the last apply, -1 when the
	// duty cycle needed none.
	rise int
	fall int
}

// Allocate claims a bank 0 pin, saves its function select bits, switches it
// to output at the idle level, and returns a zero-duty channel for it.
func (e *Engine) Allocate(pin uint) (*Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if pin >= maxMaskBits {
		return nil, errors.Wrapf(ErrPinOutOfRange, "gpio %d", pin)
	}
	if bannedPins&(1<<pin) != 0 {
		return nil, errors.Wrapf(ErrPinBanned, "gpio %d", pin)
	}
	idx := -1
	for i, ch := range e.channels {
		if ch != nil && ch.pin == pin {
			return nil, errors.Wrapf(ErrPinInUse, "gpio %d", pin)
		}
		if ch == nil && idx < 0 {
			idx = i
		}
	}
	if idx < 0 {
		return nil, errors.Wrapf(ErrNoCapacity, "%d channels live", len(e.channels))
	}

	ch := &Channel{eng: e, idx: idx, pin: pin, savedFsel: e.fsel(pin), rise: -1, fall: -1}
	e.driveIdle(pin)
	e.setFsel(pin, fselOutput)
	e.channels[idx] = ch
	e.logger.Debugw("allocated pwm channel", "channel", idx, "gpio", pin)
	return ch, nil
}

// Pin returns the GPIO number the channel drives.
func (c *Channel) Pin() uint { return c.pin }

// Duty returns the last duty cycle set, in percent.
func (c *Channel) Duty() float64 {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	return c.duty
}

// SetDuty reschedules the channel's pulse to pct percent of the period. The
// request is validated before the ring is touched, and the slot writes
// themselves cannot fail, so a rejected request leaves the previous
// schedule running untouched.
func (c *Channel) SetDuty(pct float64) error {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	if c.released {
		return ErrReleased
	}
	if c.eng.closed {
		return ErrClosed
	}
	if math.IsNaN(pct) || pct < 0 || pct > 100 {
		return errors.Wrapf(ErrInvalidDutyCycle, "%v", pct)
	}
	c.duty = pct
	c.eng.applyLocked()
	if pct == 0 {
		// With no edges left in the ring the pin would otherwise hold
		// whatever level the last DMA pass gave it.
		c.eng.driveIdle(c.pin)
	}
	return nil
}

// Release removes the channel's edges from the ring, parks the pin at its
// idle level, restores the saved function select bits, and frees the
// channel index for reuse. Releasing twice is a no-op.
func (c *Channel) Release() error {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	return c.eng.releaseLocked(c)
}

func (e *Engine) releaseLocked(c *Channel) error {
	if c.released {
		return nil
	}
	c.duty = 0
	c.released = true
	c.rise, c.fall = -1, -1
	e.channels[c.idx] = nil
	e.applyLocked()
	e.driveIdle(c.pin)
	e.setFsel(c.pin, c.savedFsel)
	e.logger.Debugw("released pwm channel", "channel", c.idx, "gpio", c.pin)
	return nil
}

// fsel reads the three function select bits of a pin.
func (e *Engine) fsel(pin uint) uint32 {
	reg := gpioFsel0 + int(pin/10)
	shift := (pin % 10) * 3
	return (e.gpio()[reg] >> shift) & fselMask
}

// setFsel rewrites the three function select bits of a pin, leaving its
// neighbors in the register alone.
func (e *Engine) setFsel(pin uint, mode uint32) {
	reg := gpioFsel0 + int(pin/10)
	shift := (pin % 10) * 3
	e.gpio()[reg] = e.gpio()[reg]&^(fselMask<<shift) | mode<<shift
}

// driveIdle forces a pin to its resting level with a CPU-side write, low
// normally, high when the engine is inverted.
func (e *Engine) driveIdle(pin uint) {
	reg := gpioClr0
	if e.cfg.Invert {
		reg = gpioSet0
	}
	e.gpio()[reg] = 1 << pin
}
