package stepper

import "driveboard-go/pkg/hw"

// accelerationTick reports whether a scheduled velocity change is due. Each
// step event advances the accumulator by the event period; a tick fires when
// it exceeds the velocity-update period and the excess carries over, so the
// long-run tick rate stays exact even though step events do not divide it
// evenly. Step events are assumed to occur significantly more often than
// velocity updates.
func (s *Stepper) accelerationTick() bool {
	s.accelTickCounter += s.cyclesPerStepEvent
	if s.accelTickCounter > s.cfg.CyclesPerAccelerationTick() {
		s.accelTickCounter -= s.cfg.CyclesPerAccelerationTick()
		return true
	}
	return false
}

// adjustSpeed programs the step timer for the given rate in steps per
// minute, floored at the configured minimum. The discretized period, not the
// requested one, becomes the new cycles-per-step-event so the acceleration
// tick accumulator and the laser duty track true timing.
func (s *Stepper) adjustSpeed(stepsPerMinute uint32) {
	if stepsPerMinute < s.cfg.MinimumStepsPerMinute {
		stepsPerMinute = s.cfg.MinimumStepsPerMinute
	}
	setting, actual := StepTimerSetting(s.cfg.CyclesPerMinute() / stepsPerMinute)
	s.timers.SetPeriod(setting)
	s.cyclesPerStepEvent = actual
	if s.metrics != nil {
		s.metrics.AdjustedRate.Set(nil, float64(stepsPerMinute))
	}
}

// StepTimerSetting maps a requested period in clock cycles to a prescaler
// and 16-bit ceiling, testing successively coarser prescaler tiers. Periods
// beyond the largest representable span clamp to the slowest achievable
// rate rather than fail. The returned count is the exact discretized period
// (ceiling times prescaler).
func StepTimerSetting(cycles uint32) (hw.TimerSetting, uint32) {
	var setting hw.TimerSetting
	switch {
	case cycles <= 0xffff:
		setting = hw.TimerSetting{Prescaler: 1, Ceiling: uint16(cycles)}
	case cycles <= 0x7ffff:
		setting = hw.TimerSetting{Prescaler: 8, Ceiling: uint16(cycles >> 3)}
	case cycles <= 0x3fffff:
		setting = hw.TimerSetting{Prescaler: 64, Ceiling: uint16(cycles >> 6)}
	case cycles <= 0xffffff:
		setting = hw.TimerSetting{Prescaler: 256, Ceiling: uint16(cycles >> 8)}
	case cycles <= 0x3ffffff:
		setting = hw.TimerSetting{Prescaler: 1024, Ceiling: uint16(cycles >> 10)}
	default:
		// Slower than we can actually go.
		setting = hw.TimerSetting{Prescaler: 1024, Ceiling: 0xffff}
	}
	return setting, setting.Cycles()
}
