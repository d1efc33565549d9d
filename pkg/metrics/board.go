// Driveboard-specific metrics definitions
//
// Covers the motion core (steps, rate, position), the stop latch, the raster
// pipeline and the tick loop.
package metrics

// Board holds all driveboard metrics.
type Board struct {
	StepsEmitted    *Counter // steps pulsed, by axis
	StopEvents      *Counter // stop latches, by cause
	RasterBytes     *Counter // raster pixel bytes consumed
	BlocksCompleted *Counter // blocks finished, by type
	AdjustedRate    *Gauge   // current commanded rate, steps/minute
	PositionSteps   *Gauge   // absolute position, by axis
	QueueDepth      *Gauge   // planner queue depth
	TickDuration    *Histogram
}

// NewBoard creates and registers all driveboard metrics.
func NewBoard(reg *Registry) *Board {
	b := &Board{
		StepsEmitted:    NewCounter("driveboard_steps_emitted_total", "Step pulses emitted per axis"),
		StopEvents:      NewCounter("driveboard_stop_events_total", "Stop latches by cause"),
		RasterBytes:     NewCounter("driveboard_raster_bytes_total", "Raster pixel bytes consumed"),
		BlocksCompleted: NewCounter("driveboard_blocks_completed_total", "Blocks finished by type"),
		AdjustedRate:    NewGauge("driveboard_adjusted_rate", "Commanded step rate in steps per minute"),
		PositionSteps:   NewGauge("driveboard_position_steps", "Absolute position in steps per axis"),
		QueueDepth:      NewGauge("driveboard_queue_depth", "Planner block queue depth"),
		TickDuration: NewHistogram("driveboard_tick_seconds", "Scheduler tick duration",
			ExponentialBuckets(1e-6, 4, 10)),
	}
	reg.MustRegister(b.StepsEmitted)
	reg.MustRegister(b.StopEvents)
	reg.MustRegister(b.RasterBytes)
	reg.MustRegister(b.BlocksCompleted)
	reg.MustRegister(b.AdjustedRate)
	reg.MustRegister(b.PositionSteps)
	reg.MustRegister(b.QueueDepth)
	reg.MustRegister(b.TickDuration)
	return b
}
