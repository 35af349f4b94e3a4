package pwmboard

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"

	"github.com/viam-modules/dma-pwm/dmapwm"
)

// gpioPin drives one BCM pin through the engine. The engine channel is
// allocated lazily on the first write and held until the board closes or
// reconfigures.
type gpioPin struct {
	b   *pwmBoard
	bcm uint

	ch *dmapwm.Channel
}

func (p *gpioPin) channelLocked() (*dmapwm.Channel, error) {
	eng, err := p.b.engineLocked()
	if err != nil {
		return nil, err
	}
	if p.ch == nil {
		ch, err := eng.Allocate(p.bcm)
		if err != nil {
			return nil, err
		}
		p.ch = ch
	}
	return p.ch, nil
}

// Set drives the pin fully high or fully low.
func (p *gpioPin) Set(ctx context.Context, high bool, extra map[string]interface{}) error {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	duty := 0.0
	if high {
		duty = 100
	}
	return ch.SetDuty(duty)
}

// Get reads the pin's current level.
func (p *gpioPin) Get(ctx context.Context, extra map[string]interface{}) (bool, error) {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	eng, err := p.b.engineLocked()
	if err != nil {
		return false, err
	}
	return eng.PinLevel(p.bcm)
}

// PWM returns the duty cycle as a fraction of 1.
func (p *gpioPin) PWM(ctx context.Context, extra map[string]interface{}) (float64, error) {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if p.ch == nil {
		return 0, nil
	}
	return p.ch.Duty() / 100, nil
}

// SetPWM sets the duty cycle as a fraction of 1.
func (p *gpioPin) SetPWM(ctx context.Context, dutyCyclePct float64, extra map[string]interface{}) error {
	dutyCyclePct, err := board.ValidatePWMDutyCycle(dutyCyclePct)
	if err != nil {
		return err
	}
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	return ch.SetDuty(dutyCyclePct * 100)
}

// PWMFreq returns the ring frequency shared by every pin.
func (p *gpioPin) PWMFreq(ctx context.Context, extra map[string]interface{}) (uint, error) {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	eng, err := p.b.engineLocked()
	if err != nil {
		return 0, err
	}
	return uint(math.Round(eng.Frequency())), nil
}

// SetPWMFreq accepts only the ring frequency or zero. The period is an
// engine-wide constant, so changing it means reconfiguring the board.
func (p *gpioPin) SetPWMFreq(ctx context.Context, freqHz uint, extra map[string]interface{}) error {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	eng, err := p.b.engineLocked()
	if err != nil {
		return err
	}
	ring := uint(math.Round(eng.Frequency()))
	if freqHz == 0 || freqHz == ring {
		return nil
	}
	return errors.Errorf("pwm frequency is fixed at %d Hz by the %v period; reconfigure the board to change it",
		ring, eng.Period())
}
