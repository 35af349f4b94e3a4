package pwmboard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	pb "go.viam.com/api/component/board/v1"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/grpc"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/test"

	"github.com/viam-modules/dma-pwm/dmapwm"
	"github.com/viam-modules/dma-pwm/rpihw"
)

const (
	scratchWindow = 0x1000
	// Word offset of the GPIO level register inside its window.
	gpioLev0 = 0x34 / 4
)

// scratchHW hands tests the hardware bundle behind the most recently built
// engine, so they can watch and poke the register windows.
type scratchHW struct {
	hw *dmapwm.Hardware
}

// scratchEngineFor returns an engine constructor that runs on a scratch
// file in place of /dev/mem, with a heap arena for the ring.
func scratchEngineFor(t *testing.T) (func(dmapwm.Config, logging.Logger) (*dmapwm.Engine, error), *scratchHW) {
	t.Helper()
	box := &scratchHW{}
	ctor := func(cfg dmapwm.Config, logger logging.Logger) (*dmapwm.Engine, error) {
		devMem := filepath.Join(t.TempDir(), "mem")
		f, err := os.Create(devMem)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.Truncate(5*scratchWindow), test.ShouldBeNil)
		test.That(t, f.Close(), test.ShouldBeNil)

		hw := &dmapwm.Hardware{Variant: rpihw.Variant{Name: "scratch"}}
		for _, w := range []struct {
			name string
			page int64
			bus  uint32
			dst  **rpihw.PeriphMap
		}{
			{"gpio", 0, 0x7e200000, &hw.GPIO},
			{"dma", 1, 0x7e007000, &hw.DMA},
			{"clk", 2, 0x7e101000, &hw.Clock},
			{"pwm", 3, 0x7e20c000, &hw.PWM},
			{"pcm", 4, 0x7e203000, &hw.PCM},
		} {
			m, err := rpihw.MapPeripheral(devMem, w.name, w.page*scratchWindow, w.bus, scratchWindow)
			test.That(t, err, test.ShouldBeNil)
			*w.dst = m
		}
		hw.Arena = rpihw.NewHeapArena(dmapwm.ArenaBytes(cfg))

		eng, err := dmapwm.NewWithHardware(cfg, hw, logger)
		if err != nil {
			return nil, err
		}
		box.hw = hw
		return eng, nil
	}
	return ctor, box
}

func boardConfig(c *Config) resource.Config {
	return resource.Config{
		Name:                "pwm",
		API:                 board.API,
		Model:               Model,
		ConvertedAttributes: c,
	}
}

func newTestBoard(t *testing.T, c *Config) (*pwmBoard, *scratchHW) {
	t.Helper()
	ctor, box := scratchEngineFor(t)
	b, err := newBoard(context.Background(), boardConfig(c), logging.NewTestLogger(t), ctor)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { test.That(t, b.Close(context.Background()), test.ShouldBeNil) })
	return b.(*pwmBoard), box
}

func TestConfigValidate(t *testing.T) {
	var empty Config
	deps, optDeps, err := empty.Validate("board")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldBeNil)
	test.That(t, optDeps, test.ShouldBeNil)

	_, _, err = (&Config{DMAChannel: 15}).Validate("board")
	test.That(t, err, test.ShouldNotBeNil)

	// 20000 us is not a whole number of 7 us steps.
	_, _, err = (&Config{PeriodUsec: 20000, ResolutionUsec: 7}).Validate("board")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPinNames(t *testing.T) {
	for name, want := range map[string]uint{
		"3":    2,
		"12":   18,
		"40":   21,
		"io0":  0,
		"io5":  5,
		"io18": 18,
		"io31": 31,
	} {
		bcm, err := parsePinName(name)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, bcm, test.ShouldEqual, want)
	}
	for _, name := range []string{"1", "2", "41", "io32", "io-3", "io", "gpio18", ""} {
		_, err := parsePinName(name)
		test.That(t, err, test.ShouldNotBeNil)
	}
}

func TestGPIOPinCaching(t *testing.T) {
	b, _ := newTestBoard(t, &Config{})

	byHeader, err := b.GPIOPinByName("12")
	test.That(t, err, test.ShouldBeNil)
	byBCM, err := b.GPIOPinByName("io18")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, byHeader == byBCM, test.ShouldBeTrue)

	_, err = b.GPIOPinByName("sdcard")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSetPWM(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBoard(t, &Config{})

	pin, err := b.GPIOPinByName("12")
	test.That(t, err, test.ShouldBeNil)

	// The engine channel appears on first use.
	test.That(t, pin.(*gpioPin).ch, test.ShouldBeNil)
	test.That(t, pin.SetPWM(ctx, 0.5, nil), test.ShouldBeNil)
	test.That(t, pin.(*gpioPin).ch.Duty(), test.ShouldEqual, 50.0)

	pct, err := pin.PWM(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pct, test.ShouldEqual, 0.5)

	test.That(t, pin.SetPWM(ctx, -0.1, nil), test.ShouldNotBeNil)
	test.That(t, pin.SetPWM(ctx, 1.5, nil), test.ShouldNotBeNil)
	pct, err = pin.PWM(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pct, test.ShouldEqual, 0.5)

	// An unused pin reads zero without allocating anything.
	idle, err := b.GPIOPinByName("11")
	test.That(t, err, test.ShouldBeNil)
	pct, err = idle.PWM(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pct, test.ShouldEqual, 0.0)
	test.That(t, idle.(*gpioPin).ch, test.ShouldBeNil)
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	b, box := newTestBoard(t, &Config{})

	pin, err := b.GPIOPinByName("12")
	test.That(t, err, test.ShouldBeNil)

	test.That(t, pin.Set(ctx, true, nil), test.ShouldBeNil)
	pct, err := pin.PWM(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pct, test.ShouldEqual, 1.0)

	test.That(t, pin.Set(ctx, false, nil), test.ShouldBeNil)
	pct, err = pin.PWM(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pct, test.ShouldEqual, 0.0)

	level, err := pin.Get(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldBeFalse)

	box.hw.GPIO.Words()[gpioLev0] = 1 << 18
	level, err = pin.Get(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldBeTrue)
}

func TestBannedPin(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBoard(t, &Config{})

	pin, err := b.GPIOPinByName("io31")
	test.That(t, err, test.ShouldBeNil)
	err = pin.Set(ctx, true, nil)
	test.That(t, errors.Is(err, dmapwm.ErrPinBanned), test.ShouldBeTrue)
}

func TestPWMFreq(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBoard(t, &Config{})

	pin, err := b.GPIOPinByName("12")
	test.That(t, err, test.ShouldBeNil)

	// 20 ms default period is 50 Hz.
	freq, err := pin.PWMFreq(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, freq, test.ShouldEqual, uint(50))

	test.That(t, pin.SetPWMFreq(ctx, 0, nil), test.ShouldBeNil)
	test.That(t, pin.SetPWMFreq(ctx, 50, nil), test.ShouldBeNil)
	test.That(t, pin.SetPWMFreq(ctx, 60, nil), test.ShouldNotBeNil)
}

func TestReconfigure(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBoard(t, &Config{})

	pin, err := b.GPIOPinByName("12")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pin.SetPWM(ctx, 0.25, nil), test.ShouldBeNil)

	first := b.engine

	t.Run("same attributes leave the engine alone", func(t *testing.T) {
		test.That(t, b.Reconfigure(ctx, nil, boardConfig(&Config{})), test.ShouldBeNil)
		test.That(t, b.engine == first, test.ShouldBeTrue)
		pct, err := pin.PWM(ctx, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pct, test.ShouldEqual, 0.25)
	})

	t.Run("changed attributes rebuild the engine", func(t *testing.T) {
		test.That(t, b.Reconfigure(ctx, nil, boardConfig(&Config{PeriodUsec: 10000})), test.ShouldBeNil)
		test.That(t, b.engine == first, test.ShouldBeFalse)
		test.That(t, b.engine.Slots(), test.ShouldEqual, 1000)

		// The held pin reallocates against the new engine on use.
		pct, err := pin.PWM(ctx, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pct, test.ShouldEqual, 0.0)
		test.That(t, pin.SetPWM(ctx, 0.75, nil), test.ShouldBeNil)
		pct, err = pin.PWM(ctx, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pct, test.ShouldEqual, 0.75)
	})
}

func TestUnsupported(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBoard(t, &Config{})

	_, err := b.AnalogByName("a1")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = b.DigitalInterruptByName("d1")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, b.AnalogNames(), test.ShouldResemble, []string{})
	test.That(t, b.DigitalInterruptNames(), test.ShouldResemble, []string{})

	err = b.SetPowerMode(ctx, pb.PowerMode_POWER_MODE_OFFLINE_DEEP, nil)
	test.That(t, errors.Is(err, grpc.UnimplementedError), test.ShouldBeTrue)
	test.That(t, b.StreamTicks(ctx, nil, nil, nil), test.ShouldNotBeNil)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBoard(t, &Config{})

	pin, err := b.GPIOPinByName("12")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pin.SetPWM(ctx, 0.5, nil), test.ShouldBeNil)

	test.That(t, b.Close(ctx), test.ShouldBeNil)
	test.That(t, b.Close(ctx), test.ShouldBeNil)

	test.That(t, pin.Set(ctx, true, nil), test.ShouldNotBeNil)
	_, err = pin.Get(ctx, nil)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = pin.PWMFreq(ctx, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestConstructorRejectsBadConfig(t *testing.T) {
	ctor, _ := scratchEngineFor(t)
	_, err := newBoard(context.Background(), boardConfig(&Config{DMAChannel: 15}),
		logging.NewTestLogger(t), ctor)
	test.That(t, err, test.ShouldNotBeNil)

	// The failed attempt must not hold the engine's process claim.
	b, _ := newTestBoard(t, &Config{})
	test.That(t, b.engine, test.ShouldNotBeNil)
}