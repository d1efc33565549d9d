package stepper

import (
	"time"

	"driveboard-go/pkg/hw"
)

// HomingCycle drives the axes into their limit sensors and backs off again.
// It is a blocking procedure using busy-wait pulse timing, run outside the
// scheduling loop; do not call it while processing. The approach and reverse
// passes use the same cadence, with the sensor sense inverted for the
// reverse pass. On completion the step counters are zeroed; the caller
// applies the configured origin offset via SetPosition.
func (s *Stepper) HomingCycle() {
	s.homingPass(true, true, s.cfg.ThreeAxes, false)
	s.homingPass(true, true, s.cfg.ThreeAxes, true)
}

func (s *Stepper) homingPass(xAxis, yAxis, zAxis, reverse bool) {
	pulseWidth := time.Duration(s.cfg.PulseMicroseconds) * time.Microsecond
	stepDelay := time.Duration(s.cfg.HomingMicrosPerPulse) * time.Microsecond
	if stepDelay > pulseWidth {
		stepDelay -= pulseWidth
	}

	out := hw.DirectionMask
	if xAxis {
		out |= 1 << hw.XStepBit
	}
	if yAxis {
		out |= 1 << hw.YStepBit
	}
	if zAxis {
		out |= 1 << hw.ZStepBit
	}
	if reverse {
		out ^= hw.DirectionMask
	}
	out ^= s.cfg.InvertMask

	s.motion.WriteDirections(out)

	// Each axis keeps stepping until its sensor has been tripped for the
	// configured number of overshoot pulses. The overshoot compensates
	// sensor debounce lag so all axes land consistently just past the
	// switch.
	xOvershoot := s.cfg.HomingOvershoot
	yOvershoot := s.cfg.HomingOvershoot
	zOvershoot := s.cfg.HomingOvershoot

	for {
		senseX := s.sense.LimitHit(hw.LimitX1) != reverse
		senseY := s.sense.LimitHit(hw.LimitY1) != reverse
		senseZ := s.sense.LimitHit(hw.LimitZ1) != reverse

		if xAxis && senseX {
			if xOvershoot == 0 {
				xAxis = false
				out ^= 1 << hw.XStepBit
			} else {
				xOvershoot--
			}
		}
		if yAxis && senseY {
			if yOvershoot == 0 {
				yAxis = false
				out ^= 1 << hw.YStepBit
			} else {
				yOvershoot--
			}
		}
		if zAxis && senseZ {
			if zOvershoot == 0 {
				zAxis = false
				out ^= 1 << hw.ZStepBit
			} else {
				zOvershoot--
			}
		}

		if !xAxis && !yAxis && !zAxis {
			break
		}

		// Step all axes still selected in out.
		s.motion.WriteSteps(out)
		s.delay(pulseWidth)
		s.motion.ClearSteps()
		s.delay(stepDelay)
	}

	s.clearPositionSteps()
}
