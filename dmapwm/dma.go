package dmapwm

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Bring-up and teardown pacing, matching the reference drivers for this
// controller.
const (
	armSettle        = 10 * time.Microsecond
	stopRetries      = 100
	stopPollInterval = 10 * time.Microsecond
)

type dmaState int

const (
	dmaIdle dmaState = iota
	dmaArmed
	dmaRunning
	dmaStopped
)

// A dmaChannel owns one channel of the DMA controller through the mapped
// register window. It moves through idle, armed, running, stopped; only
// stop may be repeated.
type dmaChannel struct {
	regs  []uint32
	ch    int
	clk   clock.Clock
	state dmaState

	// readCS reads back channel status; tests substitute a channel that
	// refuses to stop.
	readCS func() uint32
}

func newDMAChannel(regs []uint32, ch int, clk clock.Clock) *dmaChannel {
	d := &dmaChannel{regs: regs, ch: ch, clk: clk}
	d.readCS = func() uint32 { return d.regs[d.reg(dmaCS)] }
	return d
}

// reg is the word index of a channel register in the controller window.
func (d *dmaChannel) reg(off int) int {
	return d.ch*dmaChanSpan/4 + off
}

// enable turns the channel's clock on in the controller's global enable
// register.
func (d *dmaChannel) enable() {
	d.regs[dmaEnableReg] |= 1 << uint(d.ch)
}

// arm resets the channel, clears stale status, and loads the first control
// block without starting the transfer.
func (d *dmaChannel) arm(firstBus uint32) error {
	if d.state == dmaRunning {
		return errors.Wrapf(ErrEngineBusy, "arming channel %d while it is running", d.ch)
	}
	d.regs[d.reg(dmaCS)] = csReset
	d.clk.Sleep(armSettle)
	d.regs[d.reg(dmaCS)] = csInt | csEnd
	d.regs[d.reg(dmaConblkAd)] = firstBus
	d.regs[d.reg(dmaDebug)] = dmaDebugClear
	d.state = dmaArmed
	return nil
}

// start sets the chain going at high priority, waiting for outstanding
// writes so GPIO stores land in issue order.
func (d *dmaChannel) start() error {
	if d.state != dmaArmed {
		return errors.Wrapf(ErrEngineBusy, "starting channel %d before it is armed", d.ch)
	}
	d.regs[d.reg(dmaCS)] = csWaitOutstanding | csPriority | csActive
	d.state = dmaRunning
	return nil
}

// active reports whether hardware says the channel is still transferring.
func (d *dmaChannel) active() bool {
	return d.readCS()&csActive != 0
}

// errored reports the channel's sticky error flag.
func (d *dmaChannel) errored() bool {
	return d.readCS()&csError != 0
}

// stop halts the chain: drop the active bit, wait for the channel to pause,
// then reset it. Once stopped, further calls are no-ops. On timeout the
// channel is left as is and the caller decides which memory is now off
// limits.
func (d *dmaChannel) stop() error {
	if d.state == dmaStopped {
		return nil
	}
	d.regs[d.reg(dmaCS)] = d.readCS() &^ csActive
	halted := false
	for i := 0; i < stopRetries; i++ {
		if d.readCS()&csActive == 0 {
			halted = true
			break
		}
		d.clk.Sleep(stopPollInterval)
	}
	if !halted {
		return errors.Wrapf(ErrStopTimeout, "channel %d active after %v", d.ch, time.Duration(stopRetries)*stopPollInterval)
	}
	d.regs[d.reg(dmaCS)] = csReset
	d.state = dmaStopped
	return nil
}
