package stepper

import (
	"driveboard-go/pkg/hw"
	"driveboard-go/pkg/metrics"
)

// StopCause is the reason code latched by a stop request. The taxonomy is
// exhaustive over the fault sources of the scheduler: one cause per travel
// limit plus the externally requested stop.
type StopCause uint8

const (
	CauseNone StopCause = iota
	CauseLimitHitX1
	CauseLimitHitX2
	CauseLimitHitY1
	CauseLimitHitY2
	CauseLimitHitZ1
	CauseLimitHitZ2
	CauseRequested
)

func (c StopCause) String() string {
	switch c {
	case CauseNone:
		return "ok"
	case CauseLimitHitX1:
		return "limit_hit_x1"
	case CauseLimitHitX2:
		return "limit_hit_x2"
	case CauseLimitHitY1:
		return "limit_hit_y1"
	case CauseLimitHitY2:
		return "limit_hit_y2"
	case CauseLimitHitZ1:
		return "limit_hit_z1"
	case CauseLimitHitZ2:
		return "limit_hit_z2"
	case CauseRequested:
		return "stop_requested"
	default:
		return "unknown"
	}
}

// limitCause maps a limit sensor line to its stop cause.
func limitCause(l hw.Limit) StopCause {
	switch l {
	case hw.LimitX1:
		return CauseLimitHitX1
	case hw.LimitX2:
		return CauseLimitHitX2
	case hw.LimitY1:
		return CauseLimitHitY1
	case hw.LimitY2:
		return CauseLimitHitY2
	case hw.LimitZ1:
		return CauseLimitHitZ1
	case hw.LimitZ2:
		return CauseLimitHitZ2
	default:
		return CauseNone
	}
}

// RequestStop latches a stop request. The first request wins: later requests
// and their causes are ignored until ClearStop. The communication layer is
// notified once so it stops accepting further motion data.
func (s *Stepper) RequestStop(cause StopCause) {
	s.stopMu.Lock()
	first := !s.stopRequested
	if first {
		s.stopCause = cause
		s.stopRequested = true
	}
	s.stopMu.Unlock()
	if first {
		if s.comm != nil {
			s.comm.NotifyStop()
		}
		if s.metrics != nil {
			s.metrics.StopEvents.Inc(metrics.Labels{"cause": cause.String()})
		}
		s.logger.WithField("cause", cause.String()).Warn("stop requested")
	}
}

// ClearStop clears the latch and cause. Call only after the scheduler has
// observed the stop and gone idle.
func (s *Stepper) ClearStop() {
	s.stopMu.Lock()
	s.stopCause = CauseNone
	s.stopRequested = false
	s.stopMu.Unlock()
}

// IsStopRequested reports whether a stop is latched.
func (s *Stepper) IsStopRequested() bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.stopRequested
}

// StopStatus returns the latched cause, CauseNone when clear.
func (s *Stepper) StopStatus() StopCause {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.stopCause
}
