//go:build linux

// hardware-test is a bring-up tool for driveboard wiring. It exercises the
// GPIO lines one group at a time: step pulses on a chosen axis, direction
// toggles, a timed laser test pulse, the assist relays, and a live readout of
// the limit, door and chiller sensors.
//
// Usage:
//
//	hardware-test -config /etc/driveboard.cfg -test <name> [options]
//
// Options:
//
//	-config string    Machine configuration file with a [pins] section (required)
//	-test string      Test to run: "steps", "dirs", "laser", "assist", "sense" (default: "sense")
//	-axis string      Axis for the steps test: x, y, z (default: "x")
//	-count int        Number of step pulses to emit (default: 200)
//	-interval duration Delay between step pulses (default: 2ms)
//	-laserms duration Laser on-time for the laser test (default: 50ms)
//
// Examples:
//
//	# Watch the sensors while pressing switches by hand
//	hardware-test -config /etc/driveboard.cfg -test sense
//
//	# 200 slow pulses on the Y axis
//	hardware-test -config /etc/driveboard.cfg -test steps -axis y -interval 5ms
//
//	# Short laser blip (mind the beam)
//	hardware-test -config /etc/driveboard.cfg -test laser -laserms 20ms
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"driveboard-go/pkg/config"
	"driveboard-go/pkg/hw"
)

func main() {
	configFile := flag.String("config", "", "Machine configuration file with a [pins] section (required)")
	test := flag.String("test", "sense", "Test to run: steps, dirs, laser, assist, sense")
	axis := flag.String("axis", "x", "Axis for the steps test: x, y, z")
	count := flag.Int("count", 200, "Number of step pulses to emit")
	interval := flag.Duration("interval", 2*time.Millisecond, "Delay between step pulses")
	laserMS := flag.Duration("laserms", 50*time.Millisecond, "Laser on-time for the laser test")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing config: %v\n", err)
		os.Exit(1)
	}

	ports, err := hw.OpenGPIO(hw.PinsFromConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening GPIO: %v\n", err)
		os.Exit(1)
	}
	defer ports.Close()

	stopCh := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(stopCh)
	}()

	switch *test {
	case "steps":
		err = testSteps(ports, *axis, *count, *interval, stopCh)
	case "dirs":
		err = testDirections(ports, stopCh)
	case "laser":
		err = testLaser(ports, *laserMS)
	case "assist":
		err = testAssist(ports, stopCh)
	case "sense":
		err = testSense(ports, stopCh)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown test %q\n", *test)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Test failed: %v\n", err)
		os.Exit(1)
	}
}

func stepBit(axis string) (uint8, error) {
	switch axis {
	case "x":
		return 1 << hw.XStepBit, nil
	case "y":
		return 1 << hw.YStepBit, nil
	case "z":
		return 1 << hw.ZStepBit, nil
	}
	return 0, fmt.Errorf("unknown axis %q", axis)
}

// testSteps emits slow square pulses on one step line so motion can be
// verified with a scope or by watching the motor.
func testSteps(p *hw.GPIOPorts, axis string, count int, interval time.Duration, stop <-chan struct{}) error {
	bit, err := stepBit(axis)
	if err != nil {
		return err
	}
	fmt.Printf("Pulsing %s step line: %d pulses at %v\n", axis, count, interval)
	for i := 0; i < count; i++ {
		select {
		case <-stop:
			fmt.Println("\nInterrupted")
			return p.Err()
		default:
		}
		p.WriteSteps(bit)
		time.Sleep(interval / 2)
		p.ClearSteps()
		time.Sleep(interval / 2)
	}
	fmt.Println("Done")
	return p.Err()
}

// testDirections toggles all three direction lines once a second.
func testDirections(p *hw.GPIOPorts, stop <-chan struct{}) error {
	fmt.Println("Toggling direction lines once a second, Ctrl+C to stop")
	bits := uint8(0)
	for {
		select {
		case <-stop:
			fmt.Println("\nDone")
			return p.Err()
		case <-time.After(time.Second):
		}
		bits ^= 1<<hw.XDirectionBit | 1<<hw.YDirectionBit | 1<<hw.ZDirectionBit
		p.WriteDirections(bits)
		fmt.Printf("directions = %03b\n", bits>>hw.XDirectionBit)
	}
}

// testLaser fires one timed pulse on the laser line.
func testLaser(p *hw.GPIOPorts, width time.Duration) error {
	fmt.Printf("Laser on for %v\n", width)
	p.LaserOn()
	time.Sleep(width)
	p.LaserOff()
	fmt.Println("Laser off")
	return p.Err()
}

// testAssist cycles through the assist relays, two seconds each.
func testAssist(p *hw.GPIOPorts, stop <-chan struct{}) error {
	relays := []struct {
		name string
		set  func(bool)
	}{
		{"air", p.SetAirAssist},
		{"aux1", p.SetAux1Assist},
		{"aux2", p.SetAux2Assist},
	}
	for _, r := range relays {
		fmt.Printf("%s assist on\n", r.name)
		r.set(true)
		select {
		case <-stop:
			r.set(false)
			fmt.Println("\nInterrupted")
			return p.Err()
		case <-time.After(2 * time.Second):
		}
		r.set(false)
		fmt.Printf("%s assist off\n", r.name)
	}
	return p.Err()
}

// testSense polls every sensor line and prints a line whenever one changes.
func testSense(p *hw.GPIOPorts, stop <-chan struct{}) error {
	fmt.Println("Watching sensors, Ctrl+C to stop")
	limits := []struct {
		name string
		l    hw.Limit
	}{
		{"x1", hw.LimitX1}, {"x2", hw.LimitX2},
		{"y1", hw.LimitY1}, {"y2", hw.LimitY2},
		{"z1", hw.LimitZ1}, {"z2", hw.LimitZ2},
	}
	var last string
	for {
		select {
		case <-stop:
			fmt.Println("\nDone")
			return p.Err()
		case <-time.After(50 * time.Millisecond):
		}
		line := ""
		for _, lim := range limits {
			if p.LimitHit(lim.l) {
				line += " limit-" + lim.name
			}
		}
		if p.DoorOpen() {
			line += " door-open"
		}
		if p.ChillerOff() {
			line += " chiller-off"
		}
		if line == "" {
			line = " all clear"
		}
		if line != last {
			fmt.Printf("%s:%s\n", time.Now().Format("15:04:05.000"), line)
			last = line
		}
	}
}
