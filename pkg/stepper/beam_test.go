package stepper

import (
	"testing"

	"driveboard-go/pkg/block"
	"driveboard-go/pkg/config"
	"driveboard-go/pkg/hw"
)

func TestLaserPulseSettingTiers(t *testing.T) {
	cases := []struct {
		cycles uint32
		want   hw.LaserPulse
	}{
		{10, hw.LaserPulse{Prescaler: 1, Count: 10}},
		{255, hw.LaserPulse{Prescaler: 1, Count: 255}},
		{256, hw.LaserPulse{Prescaler: 8, Count: 32}},
		{2047, hw.LaserPulse{Prescaler: 8, Count: 255}},
		{2048, hw.LaserPulse{Prescaler: 64, Count: 32}},
		{16383, hw.LaserPulse{Prescaler: 64, Count: 255}},
		{16384, hw.LaserPulse{Prescaler: 256, Count: 64}},
		{65535, hw.LaserPulse{Prescaler: 256, Count: 255}},
		{65536, hw.LaserPulse{Prescaler: 1024, Count: 64}},
		{262143, hw.LaserPulse{Prescaler: 1024, Count: 255}},
		// Over-long pulses saturate rather than drop.
		{262144, hw.LaserPulse{Prescaler: 1024, Count: 255}},
		{0xffffffff, hw.LaserPulse{Prescaler: 1024, Count: 255}},
	}
	for _, tc := range cases {
		if got := LaserPulseSetting(tc.cycles); got != tc.want {
			t.Errorf("LaserPulseSetting(%d) = %+v, want %+v", tc.cycles, got, tc.want)
		}
	}
}

func TestBeamDynamicsCompensation(t *testing.T) {
	m := config.DefaultMachine()
	s, _ := newTestStepper(t, m, block.NewQueue(4), nil)
	b := &block.Block{Type: block.TypeLine, NominalRate: 12000, NominalLaserIntensity: 100}

	expect := func(rate uint32) uint8 {
		dimm := m.BeamDynamicsStart + (1.0-m.BeamDynamicsStart)*float64(b.NominalLaserIntensity)/255.0
		adjusted := float64(b.NominalLaserIntensity) *
			((1.0 - dimm) + dimm*float64(rate)/float64(b.NominalRate))
		if adjusted > 255 {
			adjusted = 255
		}
		return uint8(adjusted)
	}

	for _, rate := range []uint32{3000, 6000, 12000} {
		s.adjustBeamDynamics(b, rate)
		if got, want := s.LaserIntensity(), expect(rate); got != want {
			t.Errorf("duty at rate %d = %d, want %d", rate, got, want)
		}
	}

	// At nominal rate the duty is the nominal intensity, undimmed.
	s.adjustBeamDynamics(b, b.NominalRate)
	if got := s.LaserIntensity(); got != b.NominalLaserIntensity {
		t.Errorf("duty at nominal rate = %d, want %d", got, b.NominalLaserIntensity)
	}

	// A zero nominal rate must not divide; it blanks the beam.
	s.adjustBeamDynamics(&block.Block{Type: block.TypeLine, NominalLaserIntensity: 100}, 6000)
	if got := s.LaserIntensity(); got != 0 {
		t.Errorf("duty with zero nominal rate = %d, want 0", got)
	}
}

func TestSetLaserIntensityZeroSwitchesLineOff(t *testing.T) {
	s, sim := newTestStepper(t, config.DefaultMachine(), block.NewQueue(4), nil)
	sim.LaserOn()
	s.setLaserIntensity(0)
	if sim.LaserIsOn() {
		t.Error("laser line left on after duty dropped to zero")
	}
}

// Duties at or above the full-duty threshold leave the line on for the whole
// step interval: no off one-shot is armed.
func TestFullDutyThresholdSkipsOffOneShot(t *testing.T) {
	q := block.NewQueue(4)
	q.Push(cruiseLine(50, 50, 6000, 255))
	s, sim := newTestStepper(t, config.DefaultMachine(), q, nil)

	s.StartProcessing()
	for i := 0; i < 10; i++ {
		s.Tick()
	}
	if s.LaserIntensity() < config.DefaultMachine().FullDutyThreshold {
		t.Fatalf("duty %d below full-duty threshold", s.LaserIntensity())
	}
	if len(sim.LaserPulses) != 0 {
		t.Errorf("%d off one-shots armed at full duty, want 0", len(sim.LaserPulses))
	}
	if !sim.LaserIsOn() {
		t.Error("laser line not held on at full duty")
	}
}

func TestPartialDutyPulseWidthTracksStepPeriod(t *testing.T) {
	q := block.NewQueue(4)
	q.Push(cruiseLine(50, 50, 6000, 100))
	s, sim := newTestStepper(t, config.DefaultMachine(), q, nil)

	runUntilIdle(t, s, 120)

	if len(sim.LaserPulses) == 0 {
		t.Fatal("no laser pulses armed at partial duty")
	}
	// duty/256 of the 160000-cycle step period, minus prescaler quantization.
	want := uint32(100) * (160000 >> 8)
	for i, p := range sim.LaserPulses {
		got := p.Cycles()
		if got > want || want-got >= p.Prescaler {
			t.Errorf("pulse %d width %d cycles, want %d within one prescaler quantum",
				i, got, want)
		}
	}
}
