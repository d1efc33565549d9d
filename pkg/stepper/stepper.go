// Package stepper is the pulse-generation core of the driveboard: it consumes
// motion blocks from the planner queue and converts each into a precisely
// timed sequence of step pulses and synchronized laser pulses, while tracking
// absolute position and enforcing the safety interlocks.
//
// Each block carries a trapezoidal speed profile: the rate starts at the
// block's initial rate, accelerates by its rate delta during the first
// AccelerateUntil step events, cruises at the nominal rate until
// DecelerateAfter, then decelerates to the final rate. Adjacent blocks chain
// their final and initial rates so the trapezoids join without a dwell.
// Speed adjustments are made AccelerationTicksPerSecond times per second,
// following the midpoint rule.
package stepper

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"driveboard-go/pkg/block"
	"driveboard-go/pkg/config"
	"driveboard-go/pkg/hw"
	"driveboard-go/pkg/log"
	"driveboard-go/pkg/metrics"
)

// BlockSource is the upstream planner queue. The scheduler peeks the head,
// traces it to completion, then discards it. Reset purges the queue when a
// stop is processed and must tolerate being called again if the producer
// keeps pushing before it notices the stop.
type BlockSource interface {
	CurrentBlock() *block.Block
	DiscardCurrentBlock()
	Reset()
}

// CommLink is the communication layer boundary: the raster pixel byte source
// and the stop notification hook.
type CommLink interface {
	ReadRasterByte() byte
	ConsumeRasterData()
	NotifyStop()
}

// Config wires a Stepper to its collaborators.
type Config struct {
	Machine config.Machine
	Blocks  BlockSource
	Comm    CommLink
	Motion  hw.MotionPort
	Laser   hw.LaserPort
	Assist  hw.AssistPort
	Sense   hw.SensePort
	Timers  hw.StepTimer

	// Delay is the real-time delay primitive used by the blocking homing
	// loop. Defaults to time.Sleep.
	Delay func(time.Duration)

	Logger  *log.Logger
	Metrics *metrics.Board
}

// Stepper owns all scheduler state. Tick is the only mutator of the motion
// state; the exported control and query methods touch only the latched
// flags, which carry their own synchronization.
type Stepper struct {
	cfg    config.Machine
	blocks BlockSource
	comm   CommLink
	motion hw.MotionPort
	laser  hw.LaserPort
	assist hw.AssistPort
	sense  hw.SensePort
	timers hw.StepTimer
	delay  func(time.Duration)

	logger  *log.Logger
	metrics *metrics.Board

	// limits is the travel-limit scan order, fixed at construction so the
	// tick path never allocates it.
	limits []hw.Limit

	// Block tracing state, owned by the scheduling context.
	current             atomic.Pointer[block.Block]
	stepEventsCompleted uint32
	counters            [hw.NumAxes]int32 // bresenham accumulators
	outBits             uint8

	// Trapezoid state.
	adjustedRate       uint32
	cyclesPerStepEvent uint32
	accelTickCounter   uint32

	// Laser pulse state.
	pwmCounter     uint8
	laserIntensity uint8

	busy       atomic.Bool
	processing atomic.Bool

	stopMu        sync.Mutex
	stopRequested bool
	stopCause     StopCause

	posMu    sync.Mutex
	position [hw.NumAxes]int32
}

// New creates a Stepper in the idle state with position at the configured
// origin. Processing starts when StartProcessing is called.
func New(cfg Config) *Stepper {
	s := &Stepper{
		cfg:     cfg.Machine,
		blocks:  cfg.Blocks,
		comm:    cfg.Comm,
		motion:  cfg.Motion,
		laser:   cfg.Laser,
		assist:  cfg.Assist,
		sense:   cfg.Sense,
		timers:  cfg.Timers,
		delay:   cfg.Delay,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if s.delay == nil {
		s.delay = time.Sleep
	}
	if s.logger == nil {
		s.logger = log.GetLogger("stepper")
	}
	s.limits = []hw.Limit{hw.LimitX1, hw.LimitX2, hw.LimitY1, hw.LimitY2}
	if s.cfg.ThreeAxes {
		s.limits = append(s.limits, hw.LimitZ1, hw.LimitZ2)
	}
	s.pwmCounter = 1
	s.adjustSpeed(s.cfg.MinimumStepsPerMinute)
	s.setLaserIntensity(0)
	off := s.cfg.OriginOffset()
	s.SetPosition(off[0], off[1], off[2])
	s.StopProcessing()
	return s
}

// StartProcessing enables the step-event timer source. Idempotent.
func (s *Stepper) StartProcessing() {
	if s.processing.CompareAndSwap(false, true) {
		s.outBits = s.cfg.InvertMask
		s.timers.Enable()
	}
}

// StopProcessing goes idle: disables the step-event timer source, drops the
// current block reference and zeroes the laser. A no-op when already idle.
func (s *Stepper) StopProcessing() {
	s.processing.Store(false)
	s.current.Store(nil)
	s.timers.Disable()
	s.setLaserIntensity(0)
}

// IsProcessing reports whether the scheduler is consuming blocks.
func (s *Stepper) IsProcessing() bool {
	return s.processing.Load()
}

// Tick runs one invocation of the pulse scheduler. It is driven at the
// step-event period it programs itself via SetPeriod. Re-entry while a tick
// is in progress is a silent no-op: the busy guard is a non-blocking
// exclusive lock that drops the overlapping invocation, because step-timing
// correctness depends on never blocking here.
func (s *Stepper) Tick() {
	if !s.busy.CompareAndSwap(false, true) {
		return
	}
	defer s.busy.Store(false)

	if s.IsStopRequested() {
		// Go idle and absorb queued blocks. The control loop must reset
		// the queue once more afterwards, because the producer could
		// still be adding blocks.
		s.StopProcessing()
		s.blocks.Reset()
		return
	}

	// Honor interlocks. Door and chiller are degraded conditions: they
	// zero the laser but motion continues.
	if s.sense.DoorOpen() || s.sense.ChillerOff() {
		s.setLaserIntensity(0)
	}
	// A hit travel limit is fatal: latch the cause and emit nothing.
	if cause, hit := s.checkLimits(); hit {
		s.RequestStop(cause)
		return
	}

	// Arm the laser pulse for this interval before the motion pulse so
	// duty and motion stay phase-aligned.
	s.fireLaserPulse()

	// Emit step/direction, then arm the fixed-width reset that ends the
	// pulse on its own timer channel.
	s.motion.WriteDirections(s.outBits)
	s.motion.WriteSteps(s.outBits)
	s.timers.ArmStepReset()

	// From here on the original interrupt handler re-enables nested
	// interrupts: the queue pop and raster fetch below run under
	// preemption and only touch state with its own synchronization.

	cur := s.current.Load()
	if cur == nil {
		cur = s.blocks.CurrentBlock()
		if cur == nil {
			s.StopProcessing()
			return
		}
		s.current.Store(cur)
		if cur.Type.IsMotion() {
			s.beginMotionBlock(cur)
		}
	}

	switch cur.Type {
	case block.TypeLine, block.TypeRasterLine:
		s.stepMotion(cur)
	case block.TypeAirAssistEnable:
		s.assist.SetAirAssist(true)
		s.finishBlock(cur)
	case block.TypeAirAssistDisable:
		s.assist.SetAirAssist(false)
		s.finishBlock(cur)
	case block.TypeAux1AssistEnable:
		s.assist.SetAux1Assist(true)
		s.finishBlock(cur)
	case block.TypeAux1AssistDisable:
		s.assist.SetAux1Assist(false)
		s.finishBlock(cur)
	case block.TypeAux2AssistEnable:
		s.assist.SetAux2Assist(true)
		s.finishBlock(cur)
	case block.TypeAux2AssistDisable:
		s.assist.SetAux2Assist(false)
		s.finishBlock(cur)
	}
}

// checkLimits scans the travel-limit sensors in a fixed order; the first hit
// wins.
func (s *Stepper) checkLimits() (StopCause, bool) {
	for _, l := range s.limits {
		if s.sense.LimitHit(l) {
			return limitCause(l), true
		}
	}
	return CauseNone, false
}

// beginMotionBlock initializes rate, accumulators and counters for a new
// line or raster block.
func (s *Stepper) beginMotionBlock(b *block.Block) {
	s.adjustedRate = b.InitialRate
	// Start the velocity-update clock halfway through its period.
	s.accelTickCounter = s.cfg.CyclesPerAccelerationTick() / 2
	s.stepEventsCompleted = 0
	s.adjustSpeed(s.adjustedRate)
	if b.Type == block.TypeRasterLine {
		// Intensity is set only through raster data.
		s.setLaserIntensity(0)
		s.fetchRasterPixel(b)
	} else {
		s.adjustBeamDynamics(b, s.adjustedRate)
	}
	// Midpoint-rule initialization of the bresenham accumulators.
	half := -int32(b.StepEventCount >> 1)
	for axis := range s.counters {
		s.counters[axis] = half
	}
}

// stepMotion executes one step event of a line or raster block: trace the
// pulse pattern, advance the trapezoid, and handle raster pixels.
func (s *Stepper) stepMotion(b *block.Block) {
	s.traceStep(b)
	s.stepEventsCompleted++

	// Wiring polarity correction, applied after all bits are assembled.
	s.outBits ^= s.cfg.InvertMask

	if s.stepEventsCompleted >= b.StepEventCount {
		// Block finished.
		if b.Type == block.TypeRasterLine && s.comm != nil {
			s.comm.ConsumeRasterData()
		}
		s.finishBlock(b)
		return
	}

	switch {
	case s.stepEventsCompleted < b.AccelerateUntil:
		// Accelerating.
		if s.accelerationTick() {
			s.adjustedRate += b.RateDelta
			if s.adjustedRate > b.NominalRate {
				s.adjustedRate = b.NominalRate
			}
			s.applyRate(b)
		}

	case s.stepEventsCompleted == b.DecelerateAfter:
		// Deceleration start: reset the tick accumulator to half its
		// period so deceleration timing is the same every time,
		// independent of how the accelerate phase ended.
		s.accelTickCounter = s.cfg.CyclesPerAccelerationTick() / 2

	case s.stepEventsCompleted >= b.DecelerateAfter:
		// Decelerating.
		if s.accelerationTick() {
			if s.adjustedRate > b.RateDelta {
				s.adjustedRate -= b.RateDelta
			} else {
				s.adjustedRate = 0
			}
			if s.adjustedRate < b.FinalRate {
				s.adjustedRate = b.FinalRate
			}
			s.applyRate(b)
		}

	default:
		// Cruising. Make sure we run exactly at the nominal rate.
		if s.adjustedRate != b.NominalRate {
			s.adjustedRate = b.NominalRate
			s.applyRate(b)
		}
		if b.Type == block.TypeRasterLine &&
			s.stepEventsCompleted%b.PixelSteps == 0 {
			s.fetchRasterPixel(b)
		}
	}
}

// applyRate pushes the adjusted rate into the step timer and the laser duty.
func (s *Stepper) applyRate(b *block.Block) {
	s.adjustSpeed(s.adjustedRate)
	if b.Type == block.TypeRasterLine {
		s.setLaserIntensity(0)
	} else {
		s.adjustBeamDynamics(b, s.adjustedRate)
	}
}

// traceStep runs one bresenham event: decide which axes pulse, assemble the
// output pattern and track absolute position.
func (s *Stepper) traceStep(b *block.Block) {
	out := b.DirectionBits
	stepBits := [hw.NumAxes]uint8{hw.XStepBit, hw.YStepBit, hw.ZStepBit}
	for axis := 0; axis < hw.NumAxes; axis++ {
		s.counters[axis] += int32(b.Steps(axis))
		if s.counters[axis] > 0 {
			out |= 1 << stepBits[axis]
			s.counters[axis] -= int32(b.StepEventCount)
			s.posMu.Lock()
			if b.DirectionNegative(axis) {
				s.position[axis]--
			} else {
				s.position[axis]++
			}
			s.posMu.Unlock()
			if s.metrics != nil {
				s.metrics.StepsEmitted.Inc(metrics.Labels{"axis": axisName(axis)})
			}
		}
	}
	s.outBits = out
}

// finishBlock discards the head of the queue and clears the current
// reference so the next tick pops a fresh block.
func (s *Stepper) finishBlock(b *block.Block) {
	if s.metrics != nil {
		s.metrics.BlocksCompleted.Inc(metrics.Labels{"type": b.Type.String()})
	}
	s.publishPosition()
	s.current.Store(nil)
	s.blocks.DiscardCurrentBlock()
}

// publishPosition refreshes the position gauge from the step counters. Block
// granularity is enough for a scraped gauge; per-step updates would put the
// label lookups on the tick path.
func (s *Stepper) publishPosition() {
	if s.metrics == nil {
		return
	}
	pos := s.PositionSteps()
	for axis := 0; axis < hw.NumAxes; axis++ {
		s.metrics.PositionSteps.Set(metrics.Labels{"axis": axisName(axis)}, float64(pos[axis]))
	}
}

// AdjustedRate returns the current commanded rate in steps per minute.
// Monitoring only; the value is owned by the scheduling context.
func (s *Stepper) AdjustedRate() uint32 { return s.adjustedRate }

// StepEventsCompleted returns the step events executed in the current block.
// Monitoring only.
func (s *Stepper) StepEventsCompleted() uint32 { return s.stepEventsCompleted }

// LaserIntensity returns the current laser duty (0-255). Monitoring only.
func (s *Stepper) LaserIntensity() uint8 { return s.laserIntensity }

// GetPositionX returns the absolute X position in millimeters.
func (s *Stepper) GetPositionX() float64 { return s.positionMM(hw.AxisX) }

// GetPositionY returns the absolute Y position in millimeters.
func (s *Stepper) GetPositionY() float64 { return s.positionMM(hw.AxisY) }

// GetPositionZ returns the absolute Z position in millimeters.
func (s *Stepper) GetPositionZ() float64 { return s.positionMM(hw.AxisZ) }

func (s *Stepper) positionMM(axis int) float64 {
	s.posMu.Lock()
	steps := s.position[axis]
	s.posMu.Unlock()
	return float64(steps) / s.cfg.StepsPerMM()[axis]
}

// PositionSteps returns the raw per-axis position in steps.
func (s *Stepper) PositionSteps() [hw.NumAxes]int32 {
	s.posMu.Lock()
	defer s.posMu.Unlock()
	return s.position
}

// SetPosition sets the absolute position in millimeters. Used at init and
// after homing.
func (s *Stepper) SetPosition(x, y, z float64) {
	scale := s.cfg.StepsPerMM()
	s.posMu.Lock()
	s.position[hw.AxisX] = int32(math.Round(x * scale[hw.AxisX]))
	s.position[hw.AxisY] = int32(math.Round(y * scale[hw.AxisY]))
	s.position[hw.AxisZ] = int32(math.Round(z * scale[hw.AxisZ]))
	s.posMu.Unlock()
	s.publishPosition()
}

// clearPositionSteps zeroes the step counters (homing lands at the physical
// origin; the caller applies the configured origin offset afterwards).
func (s *Stepper) clearPositionSteps() {
	s.posMu.Lock()
	for axis := range s.position {
		s.position[axis] = 0
	}
	s.posMu.Unlock()
	s.publishPosition()
}

func axisName(axis int) string {
	switch axis {
	case hw.AxisX:
		return "x"
	case hw.AxisY:
		return "y"
	case hw.AxisZ:
		return "z"
	default:
		return "?"
	}
}
