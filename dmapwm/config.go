package dmapwm

import (
	"time"

	"github.com/pkg/errors"

	"github.com/viam-modules/dma-pwm/rpihw"
)

// Hardware limits on the tunables below. The divisor field of the clock
// manager is 12 bits; the slot cap keeps the ring arena a couple of
// megabytes, well under the firmware's GPU heap.
const (
	minClockDivisor = 2
	maxClockDivisor = 4095
	maxSlots        = 1 << 16
	maxMaskBits     = 32
)

// Defaults give a 20 ms servo-style period in 10 us steps, ticked at 1 MHz,
// on the highest DMA channel (the firmware uses the low ones).
const (
	DefaultPeriod       = 20 * time.Millisecond
	DefaultResolution   = 10 * time.Microsecond
	DefaultDMAChannel   = 14
	DefaultClockDivisor = 500
)

// Config describes one engine. The zero value of any field means its
// default; Validate reports what a populated config would do wrong.
type Config struct {
	// Period is the PWM cycle length shared by every channel.
	Period time.Duration
	// Resolution is the width of one ring slot. Period must be a whole
	// multiple of it, and it must be a whole multiple of the tick set by
	// ClockDivisor.
	Resolution time.Duration
	// DMAChannel selects the controller channel to own, 1 through 14.
	// Channel 0 is left to the GPU.
	DMAChannel int
	// ClockDivisor divides the 500 MHz PLLD source; the pacer tick is
	// divisor * 2 ns. The default 500 gives a 1 us tick.
	ClockDivisor int
	// MaxChannels caps concurrent pins, at most 32 (one GPIO bank word).
	MaxChannels int
	// UsePCM paces the ring off the PCM peripheral instead of PWM, for
	// boards where PWM is claimed by audio.
	UsePCM bool
	// Stagger spreads channel rising edges across the period instead of
	// aligning them all at slot zero, smoothing supply current.
	Stagger bool
	// Invert swaps the set and clear edges for active-low wiring.
	Invert bool
	// BindCPU pins the process to the last CPU, which keeps the edit path
	// and the DMA engine on predictable cache behavior.
	BindCPU bool
	// DevMemPath overrides /dev/mem.
	DevMemPath string
	// VCIOPath overrides the mailbox device.
	VCIOPath string
}

// withDefaults returns the config with every zero field filled in.
func (c Config) withDefaults() Config {
	if c.Period == 0 {
		c.Period = DefaultPeriod
	}
	if c.Resolution == 0 {
		c.Resolution = DefaultResolution
	}
	if c.DMAChannel == 0 {
		c.DMAChannel = DefaultDMAChannel
	}
	if c.ClockDivisor == 0 {
		c.ClockDivisor = DefaultClockDivisor
	}
	if c.MaxChannels == 0 {
		c.MaxChannels = maxMaskBits
	}
	if c.DevMemPath == "" {
		c.DevMemPath = "/dev/mem"
	}
	if c.VCIOPath == "" {
		c.VCIOPath = rpihw.VCIOPath
	}
	return c
}

// tick is the duration of one pacer clock tick.
func (c Config) tick() time.Duration {
	return time.Duration(c.ClockDivisor) * tickNsPer * time.Nanosecond
}

// resolutionTicks is the slot width in pacer ticks, the value programmed
// into the pacer's range register.
func (c Config) resolutionTicks() int {
	return int(c.Resolution / c.tick())
}

// slots is the ring length: one slot per resolution step of the period.
func (c Config) slots() int {
	return int(c.Period / c.Resolution)
}

// Validate checks the config, with defaults applied, against the hardware
// limits.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.ClockDivisor < minClockDivisor || c.ClockDivisor > maxClockDivisor {
		return errors.Errorf("clock divisor %d outside [%d, %d]", c.ClockDivisor, minClockDivisor, maxClockDivisor)
	}
	if c.DMAChannel < 1 || c.DMAChannel > dmaChanMax {
		return errors.Errorf("dma channel %d outside [1, %d]", c.DMAChannel, dmaChanMax)
	}
	if c.MaxChannels < 1 || c.MaxChannels > maxMaskBits {
		return errors.Errorf("max channels %d outside [1, %d]", c.MaxChannels, maxMaskBits)
	}
	if c.Resolution <= 0 {
		return errors.Errorf("resolution %v must be positive", c.Resolution)
	}
	if c.Resolution%c.tick() != 0 {
		return errors.Errorf("resolution %v is not a multiple of the %v tick", c.Resolution, c.tick())
	}
	if c.Period <= 0 {
		return errors.Errorf("period %v must be positive", c.Period)
	}
	if c.Period%c.Resolution != 0 {
		return errors.Errorf("period %v is not a multiple of resolution %v", c.Period, c.Resolution)
	}
	if n := c.slots(); n < 2 || n > maxSlots {
		return errors.Errorf("period/resolution gives %d slots, want 2 through %d", n, maxSlots)
	}
	return nil
}
