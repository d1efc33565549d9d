package config

// Machine holds the machine constants of the driveboard: scaling, timing and
// beam parameters that the pulse scheduler treats as fixed for the life of
// the process.
type Machine struct {
	// TimerHz is the clock the step timers count at.
	TimerHz uint32

	// Steps per millimeter per axis.
	StepsPerMMX float64
	StepsPerMMY float64
	StepsPerMMZ float64

	// Machine origin offset applied after homing, in millimeters.
	OriginOffsetX float64
	OriginOffsetY float64
	OriginOffsetZ float64

	// Step pulse width in microseconds.
	PulseMicroseconds uint32

	// Velocity updates per second for the trapezoid profile.
	AccelerationTicksPerSecond uint32

	// Floor for the commanded rate, in steps per minute. Keeps the timer
	// period representable and the divide well away from zero.
	MinimumStepsPerMinute uint32

	// Wiring polarity correction, xor-ed into the final output pattern.
	InvertMask uint8

	// ThreeAxes enables the Z limit checks and Z homing.
	ThreeAxes bool

	// Homing pulse cadence in microseconds per pulse, and the number of
	// extra pulses an axis runs after its limit sensor trips.
	HomingMicrosPerPulse uint32
	HomingOvershoot      uint8

	// Laser pulses fire every BeamDynamicsEvery step events.
	BeamDynamicsEvery uint8

	// Lower bound of the speed-compensation dimming blend.
	BeamDynamicsStart float64

	// Intensities at or above this threshold run at 100% duty.
	// Calibration of the upper duty range is still open, so this stays a
	// configurable cutoff rather than a computed curve.
	FullDutyThreshold uint8

	// Raster byte buffer capacity.
	RasterBufferSize int

	// Block queue depth.
	QueueSize int
}

// DefaultMachine returns the reference driveboard configuration.
func DefaultMachine() Machine {
	return Machine{
		TimerHz:                    16000000,
		StepsPerMMX:                88.888889,
		StepsPerMMY:                88.888889,
		StepsPerMMZ:                400.0,
		OriginOffsetX:              5.0,
		OriginOffsetY:              5.0,
		OriginOffsetZ:              0.0,
		PulseMicroseconds:          5,
		AccelerationTicksPerSecond: 100,
		MinimumStepsPerMinute:      1600,
		InvertMask:                 0,
		ThreeAxes:                  false,
		HomingMicrosPerPulse:       400,
		HomingOvershoot:            6,
		BeamDynamicsEvery:          1,
		BeamDynamicsStart:          0.4,
		FullDutyThreshold:          242,
		RasterBufferSize:           320,
		QueueSize:                  16,
	}
}

// LoadMachine reads the [machine], [homing] and [laser] sections, falling
// back to the defaults for absent options.
func LoadMachine(c *Config) Machine {
	m := DefaultMachine()

	s := c.Section("machine")
	m.TimerHz = uint32(s.GetInt("timer_hz", int(m.TimerHz)))
	m.StepsPerMMX = s.GetFloat("steps_per_mm_x", m.StepsPerMMX)
	m.StepsPerMMY = s.GetFloat("steps_per_mm_y", m.StepsPerMMY)
	m.StepsPerMMZ = s.GetFloat("steps_per_mm_z", m.StepsPerMMZ)
	m.OriginOffsetX = s.GetFloat("origin_offset_x", m.OriginOffsetX)
	m.OriginOffsetY = s.GetFloat("origin_offset_y", m.OriginOffsetY)
	m.OriginOffsetZ = s.GetFloat("origin_offset_z", m.OriginOffsetZ)
	m.PulseMicroseconds = uint32(s.GetInt("pulse_microseconds", int(m.PulseMicroseconds)))
	m.AccelerationTicksPerSecond = uint32(s.GetInt("acceleration_ticks_per_second", int(m.AccelerationTicksPerSecond)))
	m.MinimumStepsPerMinute = uint32(s.GetInt("minimum_steps_per_minute", int(m.MinimumStepsPerMinute)))
	m.InvertMask = uint8(s.GetInt("invert_mask", int(m.InvertMask)))
	m.ThreeAxes = s.GetBool("three_axes", m.ThreeAxes)
	m.QueueSize = s.GetInt("queue_size", m.QueueSize)

	h := c.Section("homing")
	m.HomingMicrosPerPulse = uint32(h.GetInt("micros_per_pulse", int(m.HomingMicrosPerPulse)))
	m.HomingOvershoot = uint8(h.GetInt("overshoot", int(m.HomingOvershoot)))

	l := c.Section("laser")
	m.BeamDynamicsEvery = uint8(l.GetInt("beam_dynamics_every", int(m.BeamDynamicsEvery)))
	m.BeamDynamicsStart = l.GetFloat("beam_dynamics_start", m.BeamDynamicsStart)
	m.FullDutyThreshold = uint8(l.GetInt("full_duty_threshold", int(m.FullDutyThreshold)))
	m.RasterBufferSize = l.GetInt("raster_buffer_size", m.RasterBufferSize)

	return m
}

// CyclesPerMinute returns the timer cycles in one minute.
func (m *Machine) CyclesPerMinute() uint32 {
	return 60 * m.TimerHz
}

// CyclesPerAccelerationTick returns the period of the velocity-update clock
// in timer cycles.
func (m *Machine) CyclesPerAccelerationTick() uint32 {
	return m.TimerHz / m.AccelerationTicksPerSecond
}

// CyclesPerMicrosecond returns timer cycles per microsecond.
func (m *Machine) CyclesPerMicrosecond() uint32 {
	return m.TimerHz / 1000000
}

// StepsPerMM returns the per-axis scale as a vector.
func (m *Machine) StepsPerMM() [3]float64 {
	return [3]float64{m.StepsPerMMX, m.StepsPerMMY, m.StepsPerMMZ}
}

// OriginOffset returns the origin offset as a vector.
func (m *Machine) OriginOffset() [3]float64 {
	return [3]float64{m.OriginOffsetX, m.OriginOffsetY, m.OriginOffsetZ}
}
