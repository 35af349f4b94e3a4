// Package pwmboard implements a Viam board component whose GPIO pins are
// driven by the DMA PWM engine, one waveform per pin on a shared period.
// There is no analog or interrupt support; pins do output, PWM, and level
// readback.
package pwmboard

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	pb "go.viam.com/api/component/board/v1"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/grpc"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/dma-pwm/dmapwm"
)

// Model is the board model this module serves.
var Model = resource.NewModel("viam", "dma-pwm", "rpi")

// pinNameToGPIONum maps 40 pin header positions to BCM GPIO numbers. Pins
// can also be addressed as "io<bcm>" directly.
var pinNameToGPIONum = map[string]uint{
	"3":  2,
	"5":  3,
	"7":  4,
	"8":  14,
	"10": 15,
	"11": 17,
	"12": 18,
	"13": 27,
	"15": 22,
	"16": 23,
	"18": 24,
	"19": 10,
	"21": 9,
	"22": 25,
	"23": 11,
	"24": 8,
	"26": 7,
	"27": 0,
	"28": 1,
	"29": 5,
	"31": 6,
	"32": 12,
	"33": 13,
	"35": 19,
	"36": 16,
	"37": 26,
	"38": 20,
	"40": 21,
}

// gpioBankPins is how many GPIO lines the engine's bank word covers.
const gpioBankPins = 32

func init() {
	resource.RegisterComponent(
		board.API,
		Model,
		resource.Registration[board.Board, *Config]{
			Constructor: func(
				ctx context.Context,
				_ resource.Dependencies,
				conf resource.Config,
				logger logging.Logger,
			) (board.Board, error) {
				return newBoard(ctx, conf, logger, dmapwm.New)
			},
		})
}

// Config describes the engine behind the board. Every attribute is
// optional; the zero value runs a 20 ms period in 10 us steps on DMA
// channel 14.
type Config struct {
	// PeriodUsec is the shared PWM cycle length in microseconds.
	PeriodUsec int `json:"period_us"`
	// ResolutionUsec is the pulse width granularity in microseconds.
	ResolutionUsec int `json:"resolution_us"`
	// DMAChannel picks the DMA controller channel, 1 through 14.
	DMAChannel int `json:"dma_channel"`
	// ClockDivisor divides the 500 MHz PLLD pacer source.
	ClockDivisor int `json:"clock_divisor"`
	// UsePCM paces off the PCM peripheral so onboard audio keeps PWM.
	UsePCM bool `json:"use_pcm"`
	// Stagger spreads channel rising edges across the period.
	Stagger bool `json:"stagger"`
	// Invert drives active-low wiring.
	Invert bool `json:"invert"`
	// BindCPU pins the process to the last CPU.
	BindCPU bool `json:"bind_cpu"`
	// DevMemPath overrides /dev/mem.
	DevMemPath string `json:"dev_mem_path"`
	// VCIOPath overrides the firmware mailbox device.
	VCIOPath string `json:"vcio_path"`
}

// engineConfig translates the board attributes into an engine config,
// leaving zero fields for the engine's defaults.
func (c *Config) engineConfig() dmapwm.Config {
	return dmapwm.Config{
		Period:       time.Duration(c.PeriodUsec) * time.Microsecond,
		Resolution:   time.Duration(c.ResolutionUsec) * time.Microsecond,
		DMAChannel:   c.DMAChannel,
		ClockDivisor: c.ClockDivisor,
		UsePCM:       c.UsePCM,
		Stagger:      c.Stagger,
		Invert:       c.Invert,
		BindCPU:      c.BindCPU,
		DevMemPath:   c.DevMemPath,
		VCIOPath:     c.VCIOPath,
	}
}

// Validate confirms the attributes describe a runnable engine. The board
// depends on no other components.
func (c *Config) Validate(path string) ([]string, []string, error) {
	if err := c.engineConfig().Validate(); err != nil {
		return nil, nil, resource.NewConfigValidationError(path, err)
	}
	return nil, nil, nil
}

type pwmBoard struct {
	resource.Named
	logger logging.Logger

	// newEngine is dmapwm.New in production; tests swap in a constructor
	// running on scratch hardware.
	newEngine func(dmapwm.Config, logging.Logger) (*dmapwm.Engine, error)

	mu     sync.Mutex
	conf   *Config
	engine *dmapwm.Engine
	// pins persist across reconfigures so handed-out GPIOPin values keep
	// working against whichever engine is current.
	pins map[uint]*gpioPin
}

func newBoard(
	ctx context.Context,
	conf resource.Config,
	logger logging.Logger,
	newEngine func(dmapwm.Config, logging.Logger) (*dmapwm.Engine, error),
) (board.Board, error) {
	b := &pwmBoard{
		Named:     conf.ResourceName().AsNamed(),
		logger:    logger,
		newEngine: newEngine,
		pins:      map[uint]*gpioPin{},
	}
	if err := b.Reconfigure(ctx, nil, conf); err != nil {
		return nil, err
	}
	return b, nil
}

// Reconfigure rebuilds the engine when any attribute changed. Identical
// attributes leave the running waveforms alone.
func (b *pwmBoard) Reconfigure(ctx context.Context, _ resource.Dependencies, conf resource.Config) error {
	newConf, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.engine != nil && *newConf == *b.conf {
		return nil
	}
	if err := b.teardownLocked(); err != nil {
		return err
	}
	eng, err := b.newEngine(newConf.engineConfig(), b.logger)
	if err != nil {
		return err
	}
	b.engine = eng
	b.conf = newConf
	return nil
}

// teardownLocked releases every pin's engine channel and closes the engine.
// The pin objects survive; their next use allocates against the next
// engine.
func (b *pwmBoard) teardownLocked() error {
	if b.engine == nil {
		return nil
	}
	var err error
	for _, p := range b.pins {
		if p.ch != nil {
			err = multierr.Combine(err, p.ch.Release())
			p.ch = nil
		}
	}
	err = multierr.Combine(err, b.engine.Close())
	b.engine = nil
	return err
}

func (b *pwmBoard) engineLocked() (*dmapwm.Engine, error) {
	if b.engine == nil {
		return nil, errors.New("board is closed")
	}
	return b.engine, nil
}

// parsePinName resolves a header position or "io<bcm>" name to a BCM GPIO
// number.
func parsePinName(name string) (uint, error) {
	if bcm, ok := pinNameToGPIONum[name]; ok {
		return bcm, nil
	}
	if rest, ok := strings.CutPrefix(name, "io"); ok {
		if bcm, err := strconv.ParseUint(rest, 10, 32); err == nil && bcm < gpioBankPins {
			return uint(bcm), nil
		}
	}
	return 0, errors.Errorf("cannot find GPIO for unknown pin: %s", name)
}

// GPIOPinByName returns a GPIOPin by header position ("12") or BCM name
// ("io18").
func (b *pwmBoard) GPIOPinByName(pinName string) (board.GPIOPin, error) {
	bcm, err := parsePinName(pinName)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pins[bcm]; ok {
		return p, nil
	}
	p := &gpioPin{b: b, bcm: bcm}
	b.pins[bcm] = p
	return p, nil
}

// AnalogByName returns an error since analog pins are not supported.
func (b *pwmBoard) AnalogByName(name string) (board.Analog, error) {
	return nil, errors.New("analogs not supported")
}

// DigitalInterruptByName returns an error since interrupts are not
// supported.
func (b *pwmBoard) DigitalInterruptByName(name string) (board.DigitalInterrupt, error) {
	return nil, errors.New("digital interrupts not supported")
}

// AnalogNames returns the names of all known analog pins.
func (b *pwmBoard) AnalogNames() []string {
	return []string{}
}

// DigitalInterruptNames returns the names of all known digital interrupts.
func (b *pwmBoard) DigitalInterruptNames() []string {
	return []string{}
}

// SetPowerMode sets the board to the given power mode.
func (b *pwmBoard) SetPowerMode(
	ctx context.Context,
	mode pb.PowerMode,
	duration *time.Duration,
) error {
	return grpc.UnimplementedError
}

// StreamTicks starts a stream of digital interrupt ticks.
func (b *pwmBoard) StreamTicks(ctx context.Context, interrupts []board.DigitalInterrupt, ch chan board.Tick,
	extra map[string]interface{},
) error {
	return errors.New("digital interrupts not supported")
}

// Close releases every channel and shuts the engine down. Closing twice is
// a no-op.
func (b *pwmBoard) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.teardownLocked()
}
