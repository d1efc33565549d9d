// Package machine composes a running driveboard: configuration, block queue,
// raster buffer, serial link, pulse scheduler and the reactor timers that
// clock it, behind one facade the daemon and the monitor server drive.
package machine

import (
	"context"
	"io"

	"driveboard-go/pkg/block"
	"driveboard-go/pkg/config"
	"driveboard-go/pkg/hw"
	"driveboard-go/pkg/log"
	"driveboard-go/pkg/metrics"
	"driveboard-go/pkg/raster"
	"driveboard-go/pkg/reactor"
	"driveboard-go/pkg/serial"
	"driveboard-go/pkg/stepper"
)

// Options configures a Machine. The hardware ports decide whether this is a
// real board, GPIO-backed, or a simulation.
type Options struct {
	Machine config.Machine

	Motion hw.MotionPort
	Laser  hw.LaserPort
	Assist hw.AssistPort
	Sense  hw.SensePort

	// SerialPort carries the host job stream. Optional; without it the
	// machine runs from blocks pushed through PushBlock only.
	SerialPort io.ReadWriter

	Logger   *log.Logger
	Registry *metrics.Registry
}

// Machine is a composed driveboard instance.
type Machine struct {
	cfg      config.Machine
	queue    *block.Queue
	buffer   *raster.Buffer
	link     *serial.Link
	stepper  *stepper.Stepper
	reactor  *reactor.Reactor
	timers   *timerDriver
	board    *metrics.Board
	registry *metrics.Registry
	logger   *log.Logger
}

// New builds a machine from options. Call Run to start it.
func New(opts Options) *Machine {
	m := &Machine{
		cfg:      opts.Machine,
		logger:   opts.Logger,
		registry: opts.Registry,
	}
	if m.logger == nil {
		m.logger = log.GetLogger("machine")
	}
	if m.registry == nil {
		m.registry = metrics.NewRegistry()
	}
	m.board = metrics.NewBoard(m.registry)
	m.queue = block.NewQueue(m.cfg.QueueSize)
	m.buffer = raster.NewBuffer(m.cfg.RasterBufferSize)
	m.reactor = reactor.New()

	if opts.SerialPort != nil {
		m.link = serial.NewLink(opts.SerialPort, m.buffer,
			m.logger.WithPrefix("link"), m.board)
		m.link.OnResume = m.clearStop
	}

	m.timers = newTimerDriver(m.reactor, &m.cfg, opts.Motion, opts.Laser, m.board)

	scfg := stepper.Config{
		Machine: m.cfg,
		Blocks:  m.queue,
		Motion:  opts.Motion,
		Laser:   opts.Laser,
		Assist:  opts.Assist,
		Sense:   opts.Sense,
		Timers:  m.timers,
		Logger:  m.logger.WithPrefix("stepper"),
		Metrics: m.board,
	}
	if m.link != nil {
		scfg.Comm = m.link
		m.link.OnStatus = m.statusLine
	}
	m.stepper = stepper.New(scfg)
	m.timers.tick = m.stepper.Tick
	return m
}

// Run starts the reactor and the serial link and blocks until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	m.reactor.Run()
	if m.link != nil {
		m.link.Start()
	}
	m.logger.Info("machine running")

	<-ctx.Done()

	m.stepper.StopProcessing()
	if m.link != nil {
		m.link.Stop()
	}
	m.reactor.End()
	m.reactor.Wait()
	m.logger.Info("machine stopped")
	return ctx.Err()
}

// PushBlock validates and queues a block, waking the scheduler if it was
// idle. Returns block.ErrQueueFull when the planner is ahead of the
// scheduler; the caller paces itself off that.
func (m *Machine) PushBlock(b block.Block) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if err := m.queue.Push(b); err != nil {
		return err
	}
	m.board.QueueDepth.Set(nil, float64(m.queue.Len()))
	if !m.stepper.IsStopRequested() {
		m.stepper.StartProcessing()
	}
	return nil
}

// RequestStop latches an operator stop.
func (m *Machine) RequestStop() {
	m.stepper.RequestStop(stepper.CauseRequested)
}

// Resume clears the stop latch and reopens the job stream.
func (m *Machine) Resume() {
	m.clearStop()
	if m.link != nil {
		m.link.Resume()
	}
}

func (m *Machine) clearStop() {
	m.queue.Reset()
	m.board.QueueDepth.Set(nil, 0)
	m.stepper.ClearStop()
}

// Home stops processing, runs the homing cycle and re-establishes the
// configured origin.
func (m *Machine) Home() error {
	m.stepper.StopProcessing()
	m.logger.Info("homing")
	m.stepper.HomingCycle()
	off := m.cfg.OriginOffset()
	m.stepper.SetPosition(off[0], off[1], off[2])
	m.logger.Info("homing done")
	return nil
}

// Stepper exposes the pulse scheduler, mainly for tests and tooling.
func (m *Machine) Stepper() *stepper.Stepper {
	return m.stepper
}

// Registry returns the metrics registry backing this machine.
func (m *Machine) Registry() *metrics.Registry {
	return m.registry
}

// Status returns the board status as a JSON-ready map.
func (m *Machine) Status() map[string]any {
	status := map[string]any{
		"processing":      m.stepper.IsProcessing(),
		"stop_requested":  m.stepper.IsStopRequested(),
		"stop_cause":      m.stepper.StopStatus().String(),
		"position":        []float64{m.stepper.GetPositionX(), m.stepper.GetPositionY(), m.stepper.GetPositionZ()},
		"adjusted_rate":   m.stepper.AdjustedRate(),
		"laser_intensity": m.stepper.LaserIntensity(),
		"queue_depth":     m.queue.Len(),
		"raster_buffered": m.buffer.Len(),
	}
	if m.link != nil {
		status["accepting"] = m.link.Accepting()
	}
	return status
}

// statusLine is the one-line status the serial host polls for.
func (m *Machine) statusLine() []byte {
	cause := m.stepper.StopStatus()
	if cause != stepper.CauseNone {
		return []byte(cause.String() + "\n")
	}
	if m.stepper.IsProcessing() {
		return []byte("busy\n")
	}
	return []byte("ok\n")
}
