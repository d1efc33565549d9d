//go:build linux

package hw

import (
	"fmt"
	"sync"

	gpio "github.com/aamcrae/gpio"
)

// PinConfig assigns sysfs GPIO numbers to the driveboard lines.
type PinConfig struct {
	StepX, StepY, StepZ int
	DirX, DirY, DirZ    int
	Laser               int
	AirAssist           int
	Aux1Assist          int
	Aux2Assist          int
	LimitX1, LimitX2    int
	LimitY1, LimitY2    int
	LimitZ1, LimitZ2    int
	Door                int
	Chiller             int
}

// GPIOPorts implements the motion, laser, assist and sense ports on sysfs
// GPIO. Pulse timing on this backend comes from the software timer loop, so
// it is suitable for slow boards and bring-up, not for production step rates.
type GPIOPorts struct {
	mu sync.Mutex

	step [NumAxes]*gpio.Gpio
	dir  [NumAxes]*gpio.Gpio

	laser *gpio.Gpio
	air   *gpio.Gpio
	aux1  *gpio.Gpio
	aux2  *gpio.Gpio

	limits  [6]*gpio.Gpio
	door    *gpio.Gpio
	chiller *gpio.Gpio

	lastErr error
}

// OpenGPIO exports and configures all pins in cfg.
func OpenGPIO(cfg PinConfig) (*GPIOPorts, error) {
	p := &GPIOPorts{}
	var err error

	outs := []struct {
		pin  int
		dest **gpio.Gpio
	}{
		{cfg.StepX, &p.step[AxisX]}, {cfg.StepY, &p.step[AxisY]}, {cfg.StepZ, &p.step[AxisZ]},
		{cfg.DirX, &p.dir[AxisX]}, {cfg.DirY, &p.dir[AxisY]}, {cfg.DirZ, &p.dir[AxisZ]},
		{cfg.Laser, &p.laser},
		{cfg.AirAssist, &p.air}, {cfg.Aux1Assist, &p.aux1}, {cfg.Aux2Assist, &p.aux2},
	}
	for _, o := range outs {
		if o.pin < 0 {
			continue
		}
		*o.dest, err = gpio.OutputPin(o.pin)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("hw: output pin %d: %w", o.pin, err)
		}
	}

	ins := []struct {
		pin  int
		dest **gpio.Gpio
	}{
		{cfg.LimitX1, &p.limits[LimitX1]}, {cfg.LimitX2, &p.limits[LimitX2]},
		{cfg.LimitY1, &p.limits[LimitY1]}, {cfg.LimitY2, &p.limits[LimitY2]},
		{cfg.LimitZ1, &p.limits[LimitZ1]}, {cfg.LimitZ2, &p.limits[LimitZ2]},
		{cfg.Door, &p.door}, {cfg.Chiller, &p.chiller},
	}
	for _, i := range ins {
		if i.pin < 0 {
			continue
		}
		*i.dest, err = gpio.Pin(i.pin)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("hw: input pin %d: %w", i.pin, err)
		}
	}

	return p, nil
}

// Close unexports all pins.
func (p *GPIOPorts) Close() {
	all := []*gpio.Gpio{
		p.step[AxisX], p.step[AxisY], p.step[AxisZ],
		p.dir[AxisX], p.dir[AxisY], p.dir[AxisZ],
		p.laser, p.air, p.aux1, p.aux2,
		p.door, p.chiller,
	}
	all = append(all, p.limits[:]...)
	for _, g := range all {
		if g != nil {
			g.Close()
		}
	}
}

// Err returns the last pin write error, if any. Pulse-path writes cannot
// return errors to the scheduler, so failures are latched here instead.
func (p *GPIOPorts) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *GPIOPorts) set(g *gpio.Gpio, v int) {
	if g == nil {
		return
	}
	if err := g.Set(v); err != nil {
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
	}
}

func (p *GPIOPorts) get(g *gpio.Gpio) bool {
	if g == nil {
		return false
	}
	v, err := g.Get()
	if err != nil {
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		return false
	}
	return v != 0
}

func (p *GPIOPorts) WriteDirections(bits uint8) {
	p.set(p.dir[AxisX], int(bits>>XDirectionBit)&1)
	p.set(p.dir[AxisY], int(bits>>YDirectionBit)&1)
	p.set(p.dir[AxisZ], int(bits>>ZDirectionBit)&1)
}

func (p *GPIOPorts) WriteSteps(bits uint8) {
	p.set(p.step[AxisX], int(bits>>XStepBit)&1)
	p.set(p.step[AxisY], int(bits>>YStepBit)&1)
	p.set(p.step[AxisZ], int(bits>>ZStepBit)&1)
}

func (p *GPIOPorts) ClearSteps() {
	p.set(p.step[AxisX], 0)
	p.set(p.step[AxisY], 0)
	p.set(p.step[AxisZ], 0)
}

func (p *GPIOPorts) LaserOn()  { p.set(p.laser, 1) }
func (p *GPIOPorts) LaserOff() { p.set(p.laser, 0) }

func (p *GPIOPorts) SetAirAssist(on bool)  { p.set(p.air, boolPin(on)) }
func (p *GPIOPorts) SetAux1Assist(on bool) { p.set(p.aux1, boolPin(on)) }
func (p *GPIOPorts) SetAux2Assist(on bool) { p.set(p.aux2, boolPin(on)) }

func (p *GPIOPorts) LimitHit(l Limit) bool { return p.get(p.limits[l]) }
func (p *GPIOPorts) DoorOpen() bool        { return p.get(p.door) }
func (p *GPIOPorts) ChillerOff() bool      { return p.get(p.chiller) }

func boolPin(on bool) int {
	if on {
		return 1
	}
	return 0
}
