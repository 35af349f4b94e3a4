package dmapwm

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Settle pauses between pacer register writes. The clock manager and both
// peripherals glitch if reprogrammed back to back.
const (
	settleShort = 10 * time.Microsecond
	settleLong  = 100 * time.Microsecond
)

// A pacer is the peripheral that meters out ring ticks. It moves no data
// itself: its transmit FIFO underruns forever and the DREQ line it raises
// gates the DMA channel to one control block per resolution step. Either
// the PWM or the PCM block can play this part; both are clocked from PLLD
// through the clock manager.
type pacer struct {
	usePCM bool
	clkm   []uint32
	pwm    []uint32
	pcm    []uint32
	clk    clock.Clock

	divisor int
	// ticks is the slot width in pacer ticks, programmed as the frame
	// length.
	ticks int
}

// dreq is the DREQ line number control blocks must name in their transfer
// info.
func (p *pacer) dreq() uint32 {
	if p.usePCM {
		return dreqPCM
	}
	return dreqPWM
}

// start programs the source clock and the pacing peripheral. The order and
// the pauses follow the reference bring-up for these blocks: peripheral
// off, clock source, divisor, clock enable, then frame geometry, then DMA
// signalling last.
func (p *pacer) start() {
	if p.usePCM {
		p.startPCM()
		return
	}
	p.pwm[pwmCtl] = 0
	p.clk.Sleep(settleShort)
	p.clkm[clkPWMCtl] = clkPassword | clkSrcPLLD
	p.clk.Sleep(settleLong)
	p.clkm[clkPWMDiv] = clkPassword | uint32(p.divisor)<<12
	p.clk.Sleep(settleLong)
	p.clkm[clkPWMCtl] = clkPassword | clkSrcPLLD | clkEnable
	p.clk.Sleep(settleLong)
	p.pwm[pwmRng1] = uint32(p.ticks)
	p.clk.Sleep(settleShort)
	p.pwm[pwmDmac] = pwmDmacEnab | pwmDmacThreshold
	p.clk.Sleep(settleShort)
	p.pwm[pwmCtl] = pwmCtlClrf
	p.clk.Sleep(settleShort)
	p.pwm[pwmCtl] = pwmCtlUsef1 | pwmCtlRptl1 | pwmCtlPwen1
	p.clk.Sleep(settleShort)
}

func (p *pacer) startPCM() {
	p.pcm[pcmCsA] = pcmCsEnable
	p.clk.Sleep(settleLong)
	p.clkm[clkPCMCtl] = clkPassword | clkSrcPLLD
	p.clk.Sleep(settleLong)
	p.clkm[clkPCMDiv] = clkPassword | uint32(p.divisor)<<12
	p.clk.Sleep(settleLong)
	p.clkm[clkPCMCtl] = clkPassword | clkSrcPLLD | clkEnable
	p.clk.Sleep(settleLong)
	// One channel per frame, width 8, at position 0.
	p.pcm[pcmTxcA] = 1 << 30
	p.clk.Sleep(settleLong)
	p.pcm[pcmModeA] = uint32(p.ticks-1) << 10
	p.clk.Sleep(settleLong)
	p.pcm[pcmCsA] |= pcmCsClrFifo
	p.clk.Sleep(settleLong)
	p.pcm[pcmDreqA] = 64<<24 | 64<<8
	p.clk.Sleep(settleLong)
	p.pcm[pcmCsA] |= pcmCsDmaEn
	p.clk.Sleep(settleLong)
}

// armTx opens the transmit side once the DMA channel is listening. Only the
// PCM block needs this; the PWM block free-runs from start.
func (p *pacer) armTx() {
	if !p.usePCM {
		return
	}
	p.pcm[pcmCsA] |= pcmCsTxOn
}

// shutdown turns the pacing peripheral off. The source clock is left
// configured; with no consumer it idles.
func (p *pacer) shutdown() {
	if p.usePCM {
		p.pcm[pcmCsA] = 0
	} else {
		p.pwm[pwmCtl] = 0
	}
	p.clk.Sleep(settleShort)
}
