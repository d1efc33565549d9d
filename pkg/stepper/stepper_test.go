package stepper

import (
	"io"
	"testing"
	"time"

	"driveboard-go/pkg/block"
	"driveboard-go/pkg/config"
	"driveboard-go/pkg/hw"
	"driveboard-go/pkg/log"
	"driveboard-go/pkg/metrics"
)

// fakeComm is a scripted raster source recording what the scheduler did with
// it.
type fakeComm struct {
	data     []byte
	onRead   func()
	reads    int
	consumes int
	stops    int
}

func (c *fakeComm) ReadRasterByte() byte {
	if c.onRead != nil {
		c.onRead()
	}
	c.reads++
	if len(c.data) == 0 {
		return 128
	}
	b := c.data[0]
	c.data = c.data[1:]
	return b
}

func (c *fakeComm) ConsumeRasterData() { c.consumes++ }
func (c *fakeComm) NotifyStop()        { c.stops++ }

func quietLogger() *log.Logger {
	l := log.New("stepper-test")
	l.SetWriter(io.Discard)
	return l
}

func newTestStepper(t *testing.T, m config.Machine, q *block.Queue, comm *fakeComm) (*Stepper, *hw.Sim) {
	t.Helper()
	sim := hw.NewSim()
	s := New(Config{
		Machine: m,
		Blocks:  q,
		Comm:    comm,
		Motion:  sim,
		Laser:   sim,
		Assist:  sim,
		Sense:   sim,
		Timers:  sim,
		Delay:   func(time.Duration) {},
		Logger:  quietLogger(),
	})
	return s, sim
}

// runUntilIdle drives Tick until the scheduler drops back to idle. A block of
// N step events takes N+1 ticks: the pattern traced in one tick is emitted at
// the top of the next.
func runUntilIdle(t *testing.T, s *Stepper, maxTicks int) int {
	t.Helper()
	s.StartProcessing()
	for i := 0; i < maxTicks; i++ {
		s.Tick()
		if !s.IsProcessing() {
			return i + 1
		}
	}
	t.Fatalf("scheduler still processing after %d ticks", maxTicks)
	return 0
}

func countPulses(writes []uint8, bit uint, invert uint8) int {
	n := 0
	for _, w := range writes {
		if (w^invert)>>bit&1 == 1 {
			n++
		}
	}
	return n
}

func cruiseLine(steps, events uint32, rate uint32, intensity uint8) block.Block {
	return block.Block{
		Type:            block.TypeLine,
		StepsX:          steps,
		StepEventCount:  events,
		InitialRate:     rate,
		NominalRate:     rate,
		FinalRate:       rate,
		AccelerateUntil: 0,
		DecelerateAfter: events,

		NominalLaserIntensity: intensity,
	}
}

func TestLineTracerExactPulseCounts(t *testing.T) {
	cases := []struct {
		name         string
		x, y, z      uint32
		events       uint32
		dirBits      uint8
		wantX, wantY int
		wantZ        int
	}{
		{name: "dominant x", x: 1000, y: 500, z: 0, events: 1000, wantX: 1000, wantY: 500},
		{name: "small uneven", x: 7, y: 5, z: 3, events: 7, wantX: 7, wantY: 5, wantZ: 3},
		{name: "single axis", x: 0, y: 64, z: 0, events: 64, wantY: 64},
		{name: "negative x", x: 100, y: 30, z: 0, events: 100,
			dirBits: 1 << hw.XDirectionBit, wantX: 100, wantY: 30},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := block.NewQueue(4)
			b := block.Block{
				Type:            block.TypeLine,
				StepsX:          tc.x,
				StepsY:          tc.y,
				StepsZ:          tc.z,
				DirectionBits:   tc.dirBits,
				StepEventCount:  tc.events,
				InitialRate:     6000,
				NominalRate:     6000,
				FinalRate:       6000,
				DecelerateAfter: tc.events,
			}
			if err := b.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if err := q.Push(b); err != nil {
				t.Fatalf("Push: %v", err)
			}
			s, sim := newTestStepper(t, config.DefaultMachine(), q, nil)
			runUntilIdle(t, s, int(tc.events)*2+10)

			if got := countPulses(sim.StepWrites, hw.XStepBit, 0); got != tc.wantX {
				t.Errorf("x pulses = %d, want %d", got, tc.wantX)
			}
			if got := countPulses(sim.StepWrites, hw.YStepBit, 0); got != tc.wantY {
				t.Errorf("y pulses = %d, want %d", got, tc.wantY)
			}
			if got := countPulses(sim.StepWrites, hw.ZStepBit, 0); got != tc.wantZ {
				t.Errorf("z pulses = %d, want %d", got, tc.wantZ)
			}
		})
	}
}

func TestTrapezoidProfile(t *testing.T) {
	q := block.NewQueue(4)
	b := block.Block{
		Type:            block.TypeLine,
		StepsX:          1000,
		StepEventCount:  1000,
		InitialRate:     4000,
		NominalRate:     12000,
		FinalRate:       4000,
		RateDelta:       100,
		AccelerateUntil: 200,
		DecelerateAfter: 800,
	}
	if err := q.Push(b); err != nil {
		t.Fatalf("Push: %v", err)
	}
	s, _ := newTestStepper(t, config.DefaultMachine(), q, nil)

	type sample struct {
		completed uint32
		rate      uint32
	}
	var samples []sample
	s.StartProcessing()
	for i := 0; i < 3000 && s.IsProcessing(); i++ {
		s.Tick()
		samples = append(samples, sample{s.StepEventsCompleted(), s.AdjustedRate()})
	}
	if s.IsProcessing() {
		t.Fatal("block never finished")
	}

	prev := uint32(0)
	for _, sm := range samples {
		if sm.rate > b.NominalRate {
			t.Fatalf("rate %d above nominal at event %d", sm.rate, sm.completed)
		}
		switch {
		case sm.completed < b.AccelerateUntil:
			if sm.rate < prev {
				t.Fatalf("rate decreased during acceleration: %d -> %d at event %d",
					prev, sm.rate, sm.completed)
			}
		case sm.completed >= b.AccelerateUntil && sm.completed <= b.DecelerateAfter:
			if sm.rate != b.NominalRate {
				t.Fatalf("rate %d during cruise at event %d, want %d",
					sm.rate, sm.completed, b.NominalRate)
			}
		default:
			if sm.rate > prev {
				t.Fatalf("rate increased during deceleration: %d -> %d at event %d",
					prev, sm.rate, sm.completed)
			}
			if sm.rate < b.FinalRate {
				t.Fatalf("rate %d below final at event %d", sm.rate, sm.completed)
			}
		}
		prev = sm.rate
	}
	if final := samples[len(samples)-1].rate; final != b.FinalRate {
		t.Errorf("rate at end of block = %d, want %d", final, b.FinalRate)
	}
}

// Deceleration timing must not depend on how the acceleration phase ended:
// the tick accumulator is reset to half its period at the decel boundary.
func TestDecelerationStartsFromMidpoint(t *testing.T) {
	run := func(initial uint32) uint32 {
		q := block.NewQueue(4)
		q.Push(block.Block{
			Type:            block.TypeLine,
			StepsX:          1000,
			StepEventCount:  1000,
			InitialRate:     initial,
			NominalRate:     12000,
			FinalRate:       4000,
			RateDelta:       100,
			AccelerateUntil: 200,
			DecelerateAfter: 800,
		})
		s, _ := newTestStepper(t, config.DefaultMachine(), q, nil)
		s.StartProcessing()
		for i := 0; i < 3000 && s.IsProcessing(); i++ {
			s.Tick()
			if s.StepEventsCompleted() == 800 {
				return s.accelTickCounter
			}
		}
		t.Fatal("never reached the deceleration boundary")
		return 0
	}

	m := config.DefaultMachine()
	want := m.CyclesPerAccelerationTick() / 2
	if got := run(4000); got != want {
		t.Errorf("accumulator at decel boundary = %d, want %d", got, want)
	}
	if got := run(8000); got != want {
		t.Errorf("accumulator at decel boundary (fast start) = %d, want %d", got, want)
	}
}

func TestStopLatchFirstCauseWins(t *testing.T) {
	comm := &fakeComm{}
	s, _ := newTestStepper(t, config.DefaultMachine(), block.NewQueue(4), comm)

	s.RequestStop(CauseLimitHitX1)
	s.RequestStop(CauseLimitHitY1)
	s.RequestStop(CauseRequested)

	if got := s.StopStatus(); got != CauseLimitHitX1 {
		t.Errorf("StopStatus = %v, want %v", got, CauseLimitHitX1)
	}
	if comm.stops != 1 {
		t.Errorf("NotifyStop called %d times, want 1", comm.stops)
	}

	s.ClearStop()
	if s.IsStopRequested() {
		t.Error("stop still latched after ClearStop")
	}
	if got := s.StopStatus(); got != CauseNone {
		t.Errorf("StopStatus after clear = %v, want %v", got, CauseNone)
	}
}

func TestLimitHitStopsMidBlock(t *testing.T) {
	q := block.NewQueue(4)
	q.Push(cruiseLine(1000, 1000, 6000, 0))
	q.Push(cruiseLine(100, 100, 6000, 0))
	comm := &fakeComm{}
	s, sim := newTestStepper(t, config.DefaultMachine(), q, comm)

	s.StartProcessing()
	for i := 0; i < 10; i++ {
		s.Tick()
	}
	emitted := len(sim.StepWrites)

	sim.SetLimit(hw.LimitX1, true)
	s.Tick()
	if !s.IsStopRequested() {
		t.Fatal("limit hit did not latch a stop")
	}
	if got := s.StopStatus(); got != CauseLimitHitX1 {
		t.Errorf("StopStatus = %v, want %v", got, CauseLimitHitX1)
	}
	if len(sim.StepWrites) != emitted {
		t.Errorf("pulse emitted on the tick that detected the limit")
	}

	// The next tick observes the latch, absorbs the queue and goes idle.
	s.Tick()
	if s.IsProcessing() {
		t.Error("still processing after stop was observed")
	}
	if q.Len() != 0 {
		t.Errorf("queue not purged: %d blocks left", q.Len())
	}
	if len(sim.StepWrites) != emitted {
		t.Error("pulse emitted while stopped")
	}
	if sim.LaserIsOn() {
		t.Error("laser left on through a stop")
	}
	if comm.stops != 1 {
		t.Errorf("NotifyStop called %d times, want 1", comm.stops)
	}
}

func TestDoorOpenZeroesLaserMotionContinues(t *testing.T) {
	q := block.NewQueue(4)
	q.Push(cruiseLine(1000, 1000, 6000, 200))
	s, sim := newTestStepper(t, config.DefaultMachine(), q, nil)

	s.StartProcessing()
	for i := 0; i < 10; i++ {
		s.Tick()
	}
	if s.LaserIntensity() == 0 {
		t.Fatal("laser duty should be nonzero before the door opens")
	}

	sim.SetDoorOpen(true)
	emitted := len(sim.StepWrites)
	s.Tick()
	if s.LaserIntensity() != 0 {
		t.Errorf("laser duty = %d with door open, want 0", s.LaserIntensity())
	}
	if len(sim.StepWrites) != emitted+1 {
		t.Error("motion did not continue with door open")
	}
	if !s.IsProcessing() {
		t.Error("door open must degrade, not stop")
	}
	if s.IsStopRequested() {
		t.Error("door open must not latch a stop")
	}
}

func TestChillerOffZeroesLaser(t *testing.T) {
	q := block.NewQueue(4)
	q.Push(cruiseLine(100, 100, 6000, 200))
	s, sim := newTestStepper(t, config.DefaultMachine(), q, nil)

	s.StartProcessing()
	for i := 0; i < 5; i++ {
		s.Tick()
	}
	sim.SetChillerOff(true)
	s.Tick()
	if s.LaserIntensity() != 0 {
		t.Errorf("laser duty = %d with chiller off, want 0", s.LaserIntensity())
	}
	if !s.IsProcessing() {
		t.Error("chiller off must degrade, not stop")
	}
}

func TestRasterFetchCadence(t *testing.T) {
	q := block.NewQueue(4)
	b := block.Block{
		Type:                  block.TypeRasterLine,
		StepsX:                100,
		StepEventCount:        100,
		InitialRate:           6000,
		NominalRate:           6000,
		FinalRate:             6000,
		AccelerateUntil:       0,
		DecelerateAfter:       100,
		NominalLaserIntensity: 255,
		PixelSteps:            10,
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	q.Push(b)

	comm := &fakeComm{data: []byte{255, 255, 255, 255, 255, 255, 255, 255, 255, 255}}
	s, _ := newTestStepper(t, config.DefaultMachine(), q, comm)
	var fetchEvents []uint32
	comm.onRead = func() {
		fetchEvents = append(fetchEvents, s.StepEventsCompleted())
	}

	runUntilIdle(t, s, 300)

	// One pixel per PixelSteps events: the block-init fetch plus one at
	// every multiple of ten, 100/10 = 10 in total.
	if len(fetchEvents) != 10 {
		t.Fatalf("fetched %d pixels, want 10 (at events %v)", len(fetchEvents), fetchEvents)
	}
	for i, ev := range fetchEvents {
		if want := uint32(i * 10); ev != want {
			t.Errorf("fetch %d at event %d, want %d", i, ev, want)
		}
	}
	if comm.consumes != 1 {
		t.Errorf("ConsumeRasterData called %d times, want 1", comm.consumes)
	}
}

func TestRasterIntensityMapping(t *testing.T) {
	cases := []struct {
		name    string
		chr     byte
		nominal uint8
		want    uint8
	}{
		{name: "midpoint is zero", chr: 128, nominal: 255, want: 0},
		{name: "full byte near full duty", chr: 255, nominal: 255, want: 254},
		{name: "linear midrange", chr: 192, nominal: 255, want: 128},
		{name: "scaled by nominal", chr: 255, nominal: 128, want: 127},
		{name: "below midpoint clamps", chr: 0, nominal: 255, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			comm := &fakeComm{data: []byte{tc.chr}}
			s, _ := newTestStepper(t, config.DefaultMachine(), block.NewQueue(4), comm)
			b := &block.Block{Type: block.TypeRasterLine, NominalLaserIntensity: tc.nominal}
			s.fetchRasterPixel(b)
			if got := s.LaserIntensity(); got != tc.want {
				t.Errorf("intensity for byte %d = %d, want %d", tc.chr, got, tc.want)
			}
		})
	}
}

// A starved raster buffer reads as the midpoint byte, which maps to zero
// duty: the beam blanks instead of repeating stale pixels.
func TestRasterStarvationBlanksBeam(t *testing.T) {
	q := block.NewQueue(4)
	q.Push(block.Block{
		Type:                  block.TypeRasterLine,
		StepsX:                50,
		StepEventCount:        50,
		InitialRate:           6000,
		NominalRate:           6000,
		FinalRate:             6000,
		DecelerateAfter:       50,
		NominalLaserIntensity: 255,
		PixelSteps:            5,
	})
	comm := &fakeComm{} // no data
	s, sim := newTestStepper(t, config.DefaultMachine(), q, comm)

	s.StartProcessing()
	for i := 0; i < 20 && s.IsProcessing(); i++ {
		s.Tick()
		if s.LaserIntensity() != 0 {
			t.Fatalf("laser duty %d while starved, want 0", s.LaserIntensity())
		}
	}
	if sim.LaserIsOn() {
		t.Error("laser line on while starved")
	}
}

func TestAssistBlocksCompleteInOneEvent(t *testing.T) {
	q := block.NewQueue(8)
	q.Push(block.Block{Type: block.TypeAirAssistEnable})
	q.Push(block.Block{Type: block.TypeAux1AssistEnable})
	q.Push(block.Block{Type: block.TypeAux2AssistEnable})
	q.Push(block.Block{Type: block.TypeAux2AssistDisable})
	s, sim := newTestStepper(t, config.DefaultMachine(), q, nil)

	runUntilIdle(t, s, 20)

	if !sim.AirAssist() {
		t.Error("air assist not enabled")
	}
	if !sim.Aux1Assist() {
		t.Error("aux1 assist not enabled")
	}
	if sim.Aux2Assist() {
		t.Error("aux2 assist should be disabled again")
	}
	if q.Len() != 0 {
		t.Errorf("queue not drained: %d blocks left", q.Len())
	}
}

func TestPositionTracksSignedSteps(t *testing.T) {
	q := block.NewQueue(4)
	q.Push(block.Block{
		Type:            block.TypeLine,
		StepsX:          100,
		StepsY:          50,
		DirectionBits:   1 << hw.YDirectionBit, // y runs negative
		StepEventCount:  100,
		InitialRate:     6000,
		NominalRate:     6000,
		FinalRate:       6000,
		DecelerateAfter: 100,
	})
	s, _ := newTestStepper(t, config.DefaultMachine(), q, nil)
	s.SetPosition(0, 0, 0)

	runUntilIdle(t, s, 300)

	pos := s.PositionSteps()
	if pos[hw.AxisX] != 100 || pos[hw.AxisY] != -50 || pos[hw.AxisZ] != 0 {
		t.Errorf("position = %v, want [100 -50 0]", pos)
	}
	wantX := 100.0 / config.DefaultMachine().StepsPerMMX
	if got := s.GetPositionX(); got < wantX-1e-9 || got > wantX+1e-9 {
		t.Errorf("GetPositionX = %g, want %g", got, wantX)
	}
}

func TestInvertMaskAppliedToEveryWrite(t *testing.T) {
	m := config.DefaultMachine()
	m.InvertMask = 1 << hw.XStepBit

	q := block.NewQueue(4)
	q.Push(block.Block{
		Type:            block.TypeLine,
		StepsY:          20,
		StepEventCount:  20,
		InitialRate:     6000,
		NominalRate:     6000,
		FinalRate:       6000,
		DecelerateAfter: 20,
	})
	s, sim := newTestStepper(t, m, q, nil)

	runUntilIdle(t, s, 60)

	// X never steps, so its inverted line must read asserted on every write.
	for i, w := range sim.StepWrites {
		if w>>hw.XStepBit&1 != 1 {
			t.Fatalf("write %d: inverted idle x bit not set in %#x", i, w)
		}
	}
	if got := countPulses(sim.StepWrites, hw.YStepBit, 0); got != 20 {
		t.Errorf("y pulses = %d, want 20", got)
	}
}

func TestStartStopProcessingIdempotent(t *testing.T) {
	s, sim := newTestStepper(t, config.DefaultMachine(), block.NewQueue(4), nil)

	if s.IsProcessing() {
		t.Fatal("new stepper should be idle")
	}
	s.StopProcessing()
	s.StopProcessing()
	if sim.Enabled() {
		t.Error("timer enabled while idle")
	}

	s.StartProcessing()
	s.StartProcessing()
	if !s.IsProcessing() || !sim.Enabled() {
		t.Error("StartProcessing did not enable the timer")
	}
	s.StopProcessing()
	if s.IsProcessing() || sim.Enabled() {
		t.Error("StopProcessing did not disable the timer")
	}
}

// A queued-up producer racing a stop: the tick that observes the latch purges
// the queue and every block pushed afterwards is absorbed by Reset again.
func TestStopAbsorbsQueuedBlocks(t *testing.T) {
	q := block.NewQueue(8)
	for i := 0; i < 4; i++ {
		q.Push(cruiseLine(10, 10, 6000, 0))
	}
	s, _ := newTestStepper(t, config.DefaultMachine(), q, &fakeComm{})

	s.StartProcessing()
	s.Tick()
	s.RequestStop(CauseRequested)
	s.Tick()

	if s.IsProcessing() {
		t.Error("still processing after stop")
	}
	if q.Len() != 0 {
		t.Errorf("queue not purged: %d blocks left", q.Len())
	}

	// Late pushes stay until the control loop resets again; the scheduler
	// must not pick them up while the latch holds.
	q.Push(cruiseLine(10, 10, 6000, 0))
	s.Tick()
	if s.IsProcessing() {
		t.Error("scheduler resumed while stop latched")
	}
	if q.Len() != 0 {
		t.Error("late block not absorbed by the stop tick")
	}
}

// The Z limit lines are scanned only on three-axis machines; a two-axis
// build must ignore a floating Z sensor.
func TestZLimitScanFollowsAxisCount(t *testing.T) {
	run := func(threeAxes bool) *Stepper {
		m := config.DefaultMachine()
		m.ThreeAxes = threeAxes
		q := block.NewQueue(4)
		q.Push(cruiseLine(20, 20, 6000, 0))
		s, sim := newTestStepper(t, m, q, &fakeComm{})
		sim.SetLimit(hw.LimitZ1, true)
		s.StartProcessing()
		s.Tick()
		return s
	}

	s := run(false)
	if s.IsStopRequested() {
		t.Error("two-axis machine stopped on the z limit line")
	}
	if !s.IsProcessing() {
		t.Error("two-axis machine went idle on the z limit line")
	}

	s = run(true)
	if !s.IsStopRequested() {
		t.Fatal("three-axis machine ignored the z limit")
	}
	if got := s.StopStatus(); got != CauseLimitHitZ1 {
		t.Errorf("StopStatus = %v, want %v", got, CauseLimitHitZ1)
	}
}

func TestPositionGaugeFollowsBlocks(t *testing.T) {
	board := metrics.NewBoard(metrics.NewRegistry())
	q := block.NewQueue(4)
	q.Push(block.Block{
		Type:            block.TypeLine,
		StepsX:          100,
		StepsY:          50,
		DirectionBits:   1 << hw.YDirectionBit, // y runs negative
		StepEventCount:  100,
		InitialRate:     6000,
		NominalRate:     6000,
		FinalRate:       6000,
		DecelerateAfter: 100,
	})
	sim := hw.NewSim()
	s := New(Config{
		Machine: config.DefaultMachine(),
		Blocks:  q,
		Motion:  sim,
		Laser:   sim,
		Assist:  sim,
		Sense:   sim,
		Timers:  sim,
		Delay:   func(time.Duration) {},
		Logger:  quietLogger(),
		Metrics: board,
	})
	s.SetPosition(0, 0, 0)

	runUntilIdle(t, s, 300)

	want := map[string]float64{"x": 100, "y": -50, "z": 0}
	for axis, steps := range want {
		if got := board.PositionSteps.Get(metrics.Labels{"axis": axis}); got != steps {
			t.Errorf("position gauge for axis %s = %g, want %g", axis, got, steps)
		}
	}
}
