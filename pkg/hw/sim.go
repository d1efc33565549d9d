package hw

import "sync"

// Sim is an in-memory implementation of all hardware ports. It records the
// pulse and output activity so tests and the simulation backend can inspect
// what the scheduler emitted, and exposes settable sensor lines.
type Sim struct {
	mu sync.Mutex

	// Stepping port state
	dirBits    uint8
	stepBits   uint8
	StepWrites []uint8 // every WriteSteps value, in order

	// Laser line
	laserOn     bool
	LaserPulses []LaserPulse // every armed laser one-shot

	// Assist lines
	airAssist  bool
	aux1Assist bool
	aux2Assist bool

	// Sensor lines (settable)
	limits  [6]bool
	door    bool
	chiller bool

	// Timer state
	period       TimerSetting
	enabled      bool
	stepResets   int
	PeriodWrites []TimerSetting
}

// NewSim returns a Sim with all lines idle and all sensors clear.
func NewSim() *Sim {
	return &Sim{}
}

func (s *Sim) WriteDirections(bits uint8) {
	s.mu.Lock()
	s.dirBits = bits & DirectionMask
	s.mu.Unlock()
}

func (s *Sim) WriteSteps(bits uint8) {
	s.mu.Lock()
	s.stepBits = bits & StepMask
	s.StepWrites = append(s.StepWrites, bits)
	s.mu.Unlock()
}

func (s *Sim) ClearSteps() {
	s.mu.Lock()
	s.stepBits = 0
	s.mu.Unlock()
}

// StepBits returns the current state of the step lines.
func (s *Sim) StepBits() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepBits
}

// DirectionBits returns the current state of the direction lines.
func (s *Sim) DirectionBits() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirBits
}

func (s *Sim) LaserOn() {
	s.mu.Lock()
	s.laserOn = true
	s.mu.Unlock()
}

func (s *Sim) LaserOff() {
	s.mu.Lock()
	s.laserOn = false
	s.mu.Unlock()
}

// LaserIsOn returns the current state of the laser line.
func (s *Sim) LaserIsOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.laserOn
}

func (s *Sim) SetAirAssist(on bool)  { s.mu.Lock(); s.airAssist = on; s.mu.Unlock() }
func (s *Sim) SetAux1Assist(on bool) { s.mu.Lock(); s.aux1Assist = on; s.mu.Unlock() }
func (s *Sim) SetAux2Assist(on bool) { s.mu.Lock(); s.aux2Assist = on; s.mu.Unlock() }

// AirAssist reports the air assist line state.
func (s *Sim) AirAssist() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.airAssist
}

// Aux1Assist reports the aux1 assist line state.
func (s *Sim) Aux1Assist() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aux1Assist
}

// Aux2Assist reports the aux2 assist line state.
func (s *Sim) Aux2Assist() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aux2Assist
}

// SetLimit asserts or clears a travel-limit sensor line.
func (s *Sim) SetLimit(l Limit, hit bool) {
	s.mu.Lock()
	s.limits[l] = hit
	s.mu.Unlock()
}

// SetDoorOpen asserts or clears the door sensor line.
func (s *Sim) SetDoorOpen(open bool) {
	s.mu.Lock()
	s.door = open
	s.mu.Unlock()
}

// SetChillerOff asserts or clears the chiller sensor line.
func (s *Sim) SetChillerOff(off bool) {
	s.mu.Lock()
	s.chiller = off
	s.mu.Unlock()
}

func (s *Sim) LimitHit(l Limit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits[l]
}

func (s *Sim) DoorOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.door
}

func (s *Sim) ChillerOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chiller
}

func (s *Sim) SetPeriod(setting TimerSetting) {
	s.mu.Lock()
	s.period = setting
	s.PeriodWrites = append(s.PeriodWrites, setting)
	s.mu.Unlock()
}

func (s *Sim) Enable() {
	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
}

func (s *Sim) Disable() {
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
}

// Enabled reports whether the step timer source is enabled.
func (s *Sim) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Period returns the last programmed step timer setting.
func (s *Sim) Period() TimerSetting {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

func (s *Sim) ArmStepReset() {
	s.mu.Lock()
	s.stepResets++
	s.mu.Unlock()
	// Immediate reset keeps the simulated lines pulse-shaped.
	s.ClearSteps()
}

// StepResets returns how many pulse-reset one-shots were armed.
func (s *Sim) StepResets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepResets
}

func (s *Sim) ArmLaserOff(p LaserPulse) {
	s.mu.Lock()
	s.LaserPulses = append(s.LaserPulses, p)
	s.laserOn = false
	s.mu.Unlock()
}
