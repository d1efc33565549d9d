package stepper

import (
	"driveboard-go/pkg/block"
	"driveboard-go/pkg/hw"
)

// setLaserIntensity stores the duty for the coming intervals. Zero switches
// the output line off immediately so a zeroed interlock or stop cannot leave
// the laser energized until the next pulse evaluation.
func (s *Stepper) setLaserIntensity(v uint8) {
	s.laserIntensity = v
	if v == 0 && s.laser != nil {
		s.laser.LaserOff()
	}
}

// fireLaserPulse emits the laser pulse for the upcoming step interval. The
// pulse width realizes the current duty against the true step-event period;
// the off edge comes from an independent one-shot so the scheduler never
// waits out the pulse. Duties at or above the full-duty threshold leave the
// line on for the whole interval.
func (s *Stepper) fireLaserPulse() {
	if s.pwmCounter < s.cfg.BeamDynamicsEvery {
		s.pwmCounter++
		return
	}
	duty := s.laserIntensity
	if duty == 0 {
		s.laser.LaserOff()
	} else {
		s.laser.LaserOn()
		if duty < s.cfg.FullDutyThreshold {
			cycles := uint32(s.cfg.BeamDynamicsEvery) * uint32(duty) * (s.cyclesPerStepEvent >> 8)
			s.timers.ArmLaserOff(LaserPulseSetting(cycles))
		}
	}
	s.pwmCounter = 1
}

// LaserPulseSetting maps a pulse width in clock cycles onto the pulse-shaping
// timer: the finest of five prescaler tiers whose count fits 8 bits, clamped
// to the maximum representable pulse. The output must never silently stay
// off, so over-long requests saturate instead of failing.
func LaserPulseSetting(cycles uint32) hw.LaserPulse {
	switch {
	case cycles < 256:
		return hw.LaserPulse{Prescaler: 1, Count: uint8(cycles)}
	case cycles>>3 < 256:
		return hw.LaserPulse{Prescaler: 8, Count: uint8(cycles >> 3)}
	case cycles>>6 < 256:
		return hw.LaserPulse{Prescaler: 64, Count: uint8(cycles >> 6)}
	case cycles>>8 < 256:
		return hw.LaserPulse{Prescaler: 256, Count: uint8(cycles >> 8)}
	case cycles>>10 < 256:
		return hw.LaserPulse{Prescaler: 1024, Count: uint8(cycles >> 10)}
	default:
		return hw.LaserPulse{Prescaler: 1024, Count: 255}
	}
}

// adjustBeamDynamics compensates intensity for speed. Laser pulses fire with
// motion steps, so their frequency is already linked to speed; this adds the
// progressive dimming that keeps apparent energy delivery roughly constant
// across the velocity profile of a line.
func (s *Stepper) adjustBeamDynamics(b *block.Block, stepsPerMinute uint32) {
	if b.NominalRate == 0 {
		s.setLaserIntensity(0)
		return
	}
	// Blend from the configured start fraction toward full compensation
	// as nominal intensity rises.
	dimm := s.cfg.BeamDynamicsStart +
		(1.0-s.cfg.BeamDynamicsStart)*float64(b.NominalLaserIntensity)/255.0
	adjusted := float64(b.NominalLaserIntensity) *
		((1.0 - dimm) + dimm*float64(stepsPerMinute)/float64(b.NominalRate))
	if adjusted > 255 {
		adjusted = 255
	}
	s.setLaserIntensity(uint8(adjusted))
}

// fetchRasterPixel drains the next pixel byte and maps its usable range
// [128,255] linearly onto [0, nominal intensity]. The read goes through the
// comm link's critical section so it cannot tear against the asynchronous
// producer.
func (s *Stepper) fetchRasterPixel(b *block.Block) {
	var chr byte = 128
	if s.comm != nil {
		chr = s.comm.ReadRasterByte()
	}
	if chr < 128 {
		chr = 128
	}
	s.setLaserIntensity(uint8(uint32(chr-128) * 2 * uint32(b.NominalLaserIntensity) / 255))
	if s.metrics != nil {
		s.metrics.RasterBytes.Inc(nil)
	}
}
