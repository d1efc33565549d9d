package machine

import (
	"math"
	"sync/atomic"

	"driveboard-go/pkg/config"
	"driveboard-go/pkg/hw"
	"driveboard-go/pkg/metrics"
	"driveboard-go/pkg/reactor"
)

// timerDriver realizes the scheduler's three timer channels on reactor
// timers: the self-clocking step-event timer and the two one-shots ending
// the step pulse and the laser pulse. Timer settings arrive in clock cycles
// and are converted to reactor seconds with the configured clock.
type timerDriver struct {
	reactor *reactor.Reactor
	motion  hw.MotionPort
	laser   hw.LaserPort
	board   *metrics.Board

	timerHz    float64
	pulseWidth float64 // step pulse width, seconds

	// tick is the scheduler entry point, wired in after construction.
	tick func()

	period  atomic.Uint64 // step period in seconds, float64 bits
	enabled atomic.Bool

	stepTimer  *reactor.Timer
	resetTimer *reactor.Timer
	laserTimer *reactor.Timer
}

func newTimerDriver(r *reactor.Reactor, cfg *config.Machine, motion hw.MotionPort, laser hw.LaserPort, board *metrics.Board) *timerDriver {
	d := &timerDriver{
		reactor:    r,
		motion:     motion,
		laser:      laser,
		board:      board,
		timerHz:    float64(cfg.TimerHz),
		pulseWidth: float64(cfg.PulseMicroseconds) * 1e-6,
	}
	d.stepTimer = r.RegisterTimer(d.stepEvent, reactor.NEVER)
	d.resetTimer = r.RegisterTimer(d.stepReset, reactor.NEVER)
	d.laserTimer = r.RegisterTimer(d.laserOff, reactor.NEVER)
	return d
}

func (d *timerDriver) periodSeconds() float64 {
	return math.Float64frombits(d.period.Load())
}

// SetPeriod reprograms the step-event period. Takes effect on the next
// self-reprogramming return of the step timer, like a timer compare reload.
func (d *timerDriver) SetPeriod(s hw.TimerSetting) {
	d.period.Store(math.Float64bits(float64(s.Cycles()) / d.timerHz))
}

func (d *timerDriver) Enable() {
	d.enabled.Store(true)
	d.reactor.UpdateTimer(d.stepTimer, reactor.NOW)
}

func (d *timerDriver) Disable() {
	d.enabled.Store(false)
	// When called from inside the step callback the update is ignored;
	// the callback sees the cleared flag and parks itself.
	d.reactor.UpdateTimer(d.stepTimer, reactor.NEVER)
}

func (d *timerDriver) ArmStepReset() {
	d.reactor.UpdateTimer(d.resetTimer, d.reactor.Monotonic()+d.pulseWidth)
}

func (d *timerDriver) ArmLaserOff(p hw.LaserPulse) {
	width := float64(p.Cycles()) / d.timerHz
	d.reactor.UpdateTimer(d.laserTimer, d.reactor.Monotonic()+width)
}

func (d *timerDriver) stepEvent(eventtime float64) float64 {
	if !d.enabled.Load() {
		return reactor.NEVER
	}
	if d.tick != nil {
		if d.board != nil {
			done := d.board.TickDuration.Timer(nil)
			d.tick()
			done()
		} else {
			d.tick()
		}
	}
	if !d.enabled.Load() {
		return reactor.NEVER
	}
	return eventtime + d.periodSeconds()
}

func (d *timerDriver) stepReset(eventtime float64) float64 {
	d.motion.ClearSteps()
	return reactor.NEVER
}

func (d *timerDriver) laserOff(eventtime float64) float64 {
	d.laser.LaserOff()
	return reactor.NEVER
}
