package dmapwm

// Peripheral window offsets from the SoC peripheral base. Each window is
// mapped one page long, which covers every register this engine touches.
const (
	dmaOffset  = 0x00007000
	clkOffset  = 0x00101000
	gpioOffset = 0x00200000
	pcmOffset  = 0x00203000
	pwmOffset  = 0x0020c000

	windowLen = 0x1000
)

// DMA controller layout: fifteen channels of 0x100 bytes each at the window
// base, plus a global enable register. Channel 15 lives at a separate base
// and is left alone. Register names are word indexes into the window.
const (
	dmaChanSpan = 0x100
	dmaChanMax  = 14

	dmaCS       = 0x00 / 4
	dmaConblkAd = 0x04 / 4
	dmaDebug    = 0x20 / 4

	dmaEnableReg = 0xff0 / 4
)

// DMA CS register bits.
const (
	csReset           = 1 << 31
	csWaitOutstanding = 1 << 28
	csError           = 1 << 8
	csInt             = 1 << 2
	csEnd             = 1 << 1
	csActive          = 1 << 0

	// Mid priority for both normal and panic levels, as the pi-blaster
	// lineage runs it.
	csPriority = 8<<20 | 8<<16
)

// dmaDebugClear resets the read error, FIFO error, and read-last-not-set
// flags.
const dmaDebugClear = 7

// Control block transfer-info bits.
const (
	tiNoWideBursts = 1 << 26
	tiDestDreq     = 1 << 6
	tiWaitResp     = 1 << 3
)

// tiPermap selects which peripheral's DREQ line gates the transfer.
func tiPermap(peripheral uint32) uint32 { return peripheral << 16 }

// DREQ line numbers of the two pacing peripherals.
const (
	dreqPWM = 5
	dreqPCM = 2
)

// Control block image: eight words on a 32-byte boundary.
const (
	cbWords  = 8
	cbBytes  = 32
	cbTI     = 0
	cbSrc    = 1
	cbDst    = 2
	cbLen    = 3
	cbStride = 4
	cbNext   = 5
)

// GPIO register word indexes (bank 0) and function-select values.
const (
	gpioFsel0 = 0x00 / 4
	gpioSet0  = 0x1c / 4
	gpioClr0  = 0x28 / 4
	gpioLev0  = 0x34 / 4

	gpioSet0Off = 0x1c
	gpioClr0Off = 0x28

	fselMask   = 7
	fselOutput = 1
)

// PWM controller word indexes and bits.
const (
	pwmCtl  = 0x00 / 4
	pwmDmac = 0x08 / 4
	pwmRng1 = 0x10 / 4
	pwmFifo = 0x18 / 4

	pwmCtlPwen1 = 1 << 0
	pwmCtlRptl1 = 1 << 2
	pwmCtlUsef1 = 1 << 5
	pwmCtlClrf  = 1 << 6

	pwmDmacEnab      = 1 << 31
	pwmDmacThreshold = 15<<8 | 15
)

// Clock manager word indexes and fields. Every write carries the password in
// the top byte or the hardware ignores it.
const (
	clkPCMCtl = 38
	clkPCMDiv = 39
	clkPWMCtl = 40
	clkPWMDiv = 41

	clkPassword = 0x5a000000
	clkSrcPLLD  = 6
	clkEnable   = 1 << 4

	// PLLD runs at 500 MHz on every supported SoC, so one divisor unit is
	// two nanoseconds of tick.
	plldHz    = 500000000
	tickNsPer = 2
)

// PCM controller word indexes and bits (only the transmit side is used, as
// a DREQ pacer).
const (
	pcmCsA   = 0x00 / 4
	pcmFifoA = 0x04 / 4
	pcmModeA = 0x08 / 4
	pcmTxcA  = 0x10 / 4
	pcmDreqA = 0x14 / 4

	pcmCsEnable  = 1 << 0
	pcmCsTxOn    = 1 << 2
	pcmCsClrFifo = 1<<4 | 1<<3
	pcmCsDmaEn   = 1 << 9
)
