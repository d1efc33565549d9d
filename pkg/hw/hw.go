// Package hw defines the hardware boundary of the driveboard: the step,
// direction, laser, assist and sense lines, and the timer capabilities the
// pulse scheduler drives. Implementations exist for simulation and for
// sysfs GPIO; everything above this package is platform-independent.
package hw

// Step and direction bit positions on the stepping port. The layout matches
// the reference driveboard wiring: step bits in the low half, direction bits
// in the high half of one 8-bit port.
const (
	XStepBit      = 2
	YStepBit      = 3
	ZStepBit      = 4
	XDirectionBit = 5
	YDirectionBit = 6
	ZDirectionBit = 7
)

// Masks over the stepping port bits.
const (
	StepMask      uint8 = 1<<XStepBit | 1<<YStepBit | 1<<ZStepBit
	DirectionMask uint8 = 1<<XDirectionBit | 1<<YDirectionBit | 1<<ZDirectionBit
)

// Axis indexes into position vectors.
const (
	AxisX   = 0
	AxisY   = 1
	AxisZ   = 2
	NumAxes = 3
)

// Limit identifies one travel-limit sensor line.
type Limit int

const (
	LimitX1 Limit = iota
	LimitX2
	LimitY1
	LimitY2
	LimitZ1
	LimitZ2
)

func (l Limit) String() string {
	switch l {
	case LimitX1:
		return "x1"
	case LimitX2:
		return "x2"
	case LimitY1:
		return "y1"
	case LimitY2:
		return "y2"
	case LimitZ1:
		return "z1"
	case LimitZ2:
		return "z2"
	default:
		return "unknown"
	}
}

// MotionPort drives the step and direction lines.
// WriteSteps sets the step lines for the current pulse; the lines stay
// asserted until ClearSteps is called by the pulse-reset one-shot, which is
// what turns the output into a pulse rather than a level.
type MotionPort interface {
	WriteDirections(bits uint8)
	WriteSteps(bits uint8)
	ClearSteps()
}

// LaserPort switches the laser output line.
type LaserPort interface {
	LaserOn()
	LaserOff()
}

// AssistPort switches the binary assist outputs.
type AssistPort interface {
	SetAirAssist(on bool)
	SetAux1Assist(on bool)
	SetAux2Assist(on bool)
}

// SensePort reads the safety sensor lines. Limit sensors are fatal to the
// running job; door and chiller are interlocks that only suppress the laser.
type SensePort interface {
	LimitHit(l Limit) bool
	DoorOpen() bool
	ChillerOff() bool
}

// TimerSetting is a discretized step-timer period: a prescaler factor and a
// 16-bit reload ceiling. The true period is Ceiling*Prescaler clock cycles.
type TimerSetting struct {
	Prescaler uint32
	Ceiling   uint16
}

// Cycles returns the exact number of clock cycles the setting represents.
func (t TimerSetting) Cycles() uint32 {
	return uint32(t.Ceiling) * t.Prescaler
}

// LaserPulse is a discretized laser pulse width on the pulse-shaping timer:
// a prescaler factor and an 8-bit count.
type LaserPulse struct {
	Prescaler uint32
	Count     uint8
}

// Cycles returns the pulse width in clock cycles.
func (p LaserPulse) Cycles() uint32 {
	return uint32(p.Count) * p.Prescaler
}

// StepTimer is the capability object for the three timer channels of the
// scheduler: the variable-rate step-event timer and the two one-shots that
// end the step pulse and the laser pulse. The scheduler reprograms the
// period on every rate change; the one-shots run independently so pulse
// widths stay exact regardless of scheduler jitter.
type StepTimer interface {
	SetPeriod(s TimerSetting)
	Enable()
	Disable()
	ArmStepReset()
	ArmLaserOff(p LaserPulse)
}
