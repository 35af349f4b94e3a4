package dmapwm

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"github.com/viam-modules/dma-pwm/rpihw"
)

// Hardware bundles everything an engine runs on: the five register windows,
// the ring arena, and the mailbox the arena came from. New assembles one
// from the live board; tests assemble one from scratch files and a heap
// arena. Mbox may be nil when the arena needs no firmware bookkeeping.
type Hardware struct {
	Variant rpihw.Variant
	GPIO    *rpihw.PeriphMap
	DMA     *rpihw.PeriphMap
	Clock   *rpihw.PeriphMap
	PWM     *rpihw.PeriphMap
	PCM     *rpihw.PeriphMap
	Arena   rpihw.Arena
	Mbox    *rpihw.Mailbox
}

// Close releases whatever parts of the bundle are present, arena before
// mailbox.
func (h *Hardware) Close() error {
	var err error
	for _, m := range []*rpihw.PeriphMap{h.GPIO, h.DMA, h.Clock, h.PWM, h.PCM} {
		if m != nil {
			err = multierr.Combine(err, m.Close())
		}
	}
	if h.Arena != nil {
		err = multierr.Combine(err, h.Arena.Close())
	}
	if h.Mbox != nil {
		err = multierr.Combine(err, h.Mbox.Close())
	}
	return err
}

// ArenaBytes is the ring arena size an engine built from cfg requires of
// Hardware.Arena.
func ArenaBytes(cfg Config) int {
	return ringBytes(cfg.withDefaults().slots())
}

// openHardware maps the peripheral windows for the detected board and
// allocates the ring arena through the firmware mailbox. When neither proc
// revision source exists, the firmware's own board-revision report decides
// the variant.
func openHardware(cfg Config) (*Hardware, error) {
	hw := &Hardware{}
	success := false
	defer func() {
		if !success {
			utils.UncheckedErrorFunc(hw.Close)
		}
	}()

	variant, err := rpihw.DetectVariant()
	if err != nil {
		mb, mbErr := rpihw.OpenMailbox(cfg.VCIOPath)
		if mbErr != nil {
			// The detection error names the real problem.
			return nil, err
		}
		hw.Mbox = mb
		if variant, err = rpihw.DetectVariantFromFirmware(mb); err != nil {
			return nil, err
		}
	}
	hw.Variant = variant

	for _, w := range []struct {
		name string
		off  int64
		dst  **rpihw.PeriphMap
	}{
		{"gpio", gpioOffset, &hw.GPIO},
		{"dma", dmaOffset, &hw.DMA},
		{"clk", clkOffset, &hw.Clock},
		{"pwm", pwmOffset, &hw.PWM},
		{"pcm", pcmOffset, &hw.PCM},
	} {
		m, err := rpihw.MapPeripheral(cfg.DevMemPath, w.name, variant.PeriphBase+w.off,
			rpihw.PeriphBusBase+uint32(w.off), windowLen)
		if err != nil {
			return nil, err
		}
		*w.dst = m
	}

	if hw.Mbox == nil {
		mb, err := rpihw.OpenMailbox(cfg.VCIOPath)
		if err != nil {
			return nil, err
		}
		hw.Mbox = mb
	}
	arena, err := rpihw.NewMailboxArena(hw.Mbox, cfg.DevMemPath, ringBytes(cfg.slots()), variant.MemFlag)
	if err != nil {
		return nil, err
	}
	hw.Arena = arena
	success = true
	return hw, nil
}

// Only one engine can exist per process. The pacer clock and the chosen DMA
// channel are process-wide hardware; a second engine would reprogram them
// under the first.
var (
	liveMu sync.Mutex
	live   bool
)

func claimEngine() error {
	liveMu.Lock()
	defer liveMu.Unlock()
	if live {
		return ErrAlreadyInitialized
	}
	live = true
	return nil
}

func releaseEngine() {
	liveMu.Lock()
	live = false
	liveMu.Unlock()
}

// An Engine runs one control block ring across up to MaxChannels pins. All
// channel operations go through the engine's lock; the only thing touching
// the ring outside it is the DMA controller, which the ring's edit protocol
// accounts for.
type Engine struct {
	cfg    Config
	logger logging.Logger
	clk    clock.Clock

	hw    *Hardware
	ring  *ring
	dma   *dmaChannel
	pacer *pacer

	mu       sync.Mutex
	channels []*Channel
	image    map[int]slotEdge
	closed   bool
}

// New claims the board's PWM hardware and starts an engine with every slot
// a no-op. The caller must Close it; an engine left running keeps the DMA
// channel writing GPIO forever.
func New(cfg Config, logger logging.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hw, err := openHardware(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithHardware(cfg, hw, logger)
}

// NewWithHardware starts an engine on an already-assembled bundle, taking
// ownership of it whether or not construction succeeds. Production callers
// want New; this entry point lets the engine run against scratch register
// windows and a heap arena.
func NewWithHardware(cfg Config, hw *Hardware, logger logging.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		utils.UncheckedErrorFunc(hw.Close)
		return nil, err
	}
	if err := claimEngine(); err != nil {
		utils.UncheckedErrorFunc(hw.Close)
		return nil, err
	}
	success := false
	defer func() {
		if !success {
			releaseEngine()
			utils.UncheckedErrorFunc(hw.Close)
		}
	}()

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		clk:      clock.New(),
		hw:       hw,
		channels: make([]*Channel, cfg.MaxChannels),
		image:    make(map[int]slotEdge),
	}

	activeBus, err := hw.GPIO.Bus(gpioSet0Off)
	if err != nil {
		return nil, err
	}
	idleBus, err := hw.GPIO.Bus(gpioClr0Off)
	if err != nil {
		return nil, err
	}
	if cfg.Invert {
		activeBus, idleBus = idleBus, activeBus
	}

	e.pacer = &pacer{
		usePCM:  cfg.UsePCM,
		clkm:    hw.Clock.Words(),
		pwm:     hw.PWM.Words(),
		pcm:     hw.PCM.Words(),
		clk:     e.clk,
		divisor: cfg.ClockDivisor,
		ticks:   cfg.resolutionTicks(),
	}

	ti := tiNoWideBursts | tiWaitResp | tiDestDreq | tiPermap(e.pacer.dreq())
	r, err := newRing(hw.Arena, cfg.slots(), activeBus, idleBus, ti)
	if err != nil {
		return nil, err
	}
	if err := r.link(); err != nil {
		return nil, err
	}
	e.ring = r
	first, err := r.firstBus()
	if err != nil {
		return nil, err
	}

	if cfg.BindCPU {
		if err := rpihw.BindToLastCPU(); err != nil {
			logger.Warnw("could not bind to the last cpu", "error", err)
		}
	}
	if hw.Mbox != nil {
		if mask, err := hw.Mbox.DMAChannelMask(); err == nil && mask&(1<<uint(cfg.DMAChannel)) == 0 {
			logger.Warnw("dma channel is not in the firmware's free mask",
				"channel", cfg.DMAChannel, "mask", fmt.Sprintf("%#x", mask))
		}
	}

	e.dma = newDMAChannel(hw.DMA.Words(), cfg.DMAChannel, e.clk)
	e.pacer.start()
	e.dma.enable()
	if err := e.dma.arm(first); err != nil {
		return nil, err
	}
	if err := e.dma.start(); err != nil {
		return nil, err
	}
	e.pacer.armTx()

	logger.Infow("dma pwm engine running",
		"board", hw.Variant.Name,
		"dma_channel", cfg.DMAChannel,
		"slots", r.n,
		"resolution", cfg.Resolution,
		"period", cfg.Period)
	success = true
	return e, nil
}

// applyLocked recomputes the slot image from the live channels and writes
// the difference from the previous image into the ring. Slots that did not
// change are not rewritten.
func (e *Engine) applyLocked() {
	states, owners := e.liveStatesLocked()
	image, placed := computeSchedule(states, e.ring.n)
	for slot := range e.image {
		if _, ok := image[slot]; !ok {
			e.ring.writeEdge(slot, 0, false)
		}
	}
	for slot, edge := range image {
		if old, ok := e.image[slot]; !ok || old != edge {
			e.ring.writeEdge(slot, edge.mask, edge.active)
		}
	}
	e.image = image
	for i, ch := range owners {
		ch.rise, ch.fall = placed[i].rise, placed[i].fall
	}
}

func (e *Engine) liveStatesLocked() ([]channelState, []*Channel) {
	states := make([]channelState, 0, len(e.channels))
	owners := make([]*Channel, 0, len(e.channels))
	for i, ch := range e.channels {
		if ch == nil {
			continue
		}
		states = append(states, channelState{pin: ch.pin, duty: ch.duty, phase: e.phaseFor(i)})
		owners = append(owners, ch)
	}
	return states, owners
}

// phaseFor is the rising-edge slot for a channel index: zero for everyone,
// or spread evenly across the ring when staggering.
func (e *Engine) phaseFor(idx int) int {
	if !e.cfg.Stagger {
		return 0
	}
	return idx * e.ring.n / len(e.channels)
}

func (e *Engine) gpio() []uint32 { return e.hw.GPIO.Words() }

// Period returns the cycle length every channel shares.
func (e *Engine) Period() time.Duration { return e.cfg.Period }

// Resolution returns the width of one duty step.
func (e *Engine) Resolution() time.Duration { return e.cfg.Resolution }

// Frequency returns the shared PWM frequency in hertz.
func (e *Engine) Frequency() float64 {
	return float64(time.Second) / float64(e.cfg.Period)
}

// Slots returns the ring length.
func (e *Engine) Slots() int { return e.ring.n }

// PinLevel reads the live input level of a bank 0 pin.
func (e *Engine) PinLevel(pin uint) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, ErrClosed
	}
	if pin >= maxMaskBits {
		return false, errors.Wrapf(ErrPinOutOfRange, "gpio %d", pin)
	}
	return e.gpio()[gpioLev0]&(1<<pin) != 0, nil
}

// Info logs a summary of the running engine: board, pacer, ring geometry,
// and which pins are claimed.
func (e *Engine) Info() {
	e.mu.Lock()
	defer e.mu.Unlock()
	pacerName := "pwm"
	if e.cfg.UsePCM {
		pacerName = "pcm"
	}
	pins := make([]uint, 0, len(e.channels))
	for _, ch := range e.channels {
		if ch != nil {
			pins = append(pins, ch.pin)
		}
	}
	e.logger.Infow("dma pwm engine",
		"board", e.hw.Variant.Name,
		"pacer", pacerName,
		"dma_channel", e.cfg.DMAChannel,
		"frequency_hz", e.Frequency(),
		"period", e.cfg.Period,
		"resolution", e.cfg.Resolution,
		"tick", e.cfg.tick(),
		"slots", e.ring.n,
		"channels", len(pins),
		"capacity", len(e.channels),
		"pins", pins)
}

// Close shuts the engine down in dependency order: every channel is
// released so its pins park idle, the ring then runs one full period to
// flush those final edges, and only then is the DMA channel stopped, the
// pacer silenced, and the memory torn down. If the channel refuses to stop
// the arena is leaked on purpose; freeing memory a transfer engine may
// still read is the one unrecoverable mistake here. Close is exactly-once
// and later calls return nil.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	for _, ch := range e.channels {
		if ch != nil {
			utils.UncheckedError(e.releaseLocked(ch))
		}
	}
	e.clk.Sleep(e.cfg.Period)

	var err error
	if e.dma.errored() {
		e.logger.Warnw("dma channel accumulated a transfer error", "cs", fmt.Sprintf("%#x", e.dma.readCS()))
	}
	if stopErr := e.dma.stop(); stopErr != nil {
		e.logger.Errorw("dma channel will not stop, leaking the ring arena", "error", stopErr)
		e.hw.Arena = nil
		err = stopErr
	}
	e.pacer.shutdown()
	err = multierr.Combine(err, e.hw.Close())
	e.closed = true
	releaseEngine()
	return err
}
