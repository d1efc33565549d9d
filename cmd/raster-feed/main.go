// raster-feed streams raster engraving data to a driveboard over its serial
// job link. It maps 8-bit grayscale input onto the wire's pixel byte range,
// paces the stream so the board's pixel buffer is never flooded, and watches
// the return channel for stop reports.
//
// The wire gives the whole sub-128 byte range to control markers, so each
// grayscale value g is sent as 128+g/2; the board maps that back onto laser
// duty.
//
// Usage:
//
//	raster-feed -device /dev/ttyUSB0 -file scanline.raw [options]
//
// Options:
//
//	-device string  Serial device of the board (required)
//	-baud int       Baud rate (default: 57600)
//	-file string    Raw grayscale input, one byte per pixel ("-" for stdin)
//	-rate int       Pacing in pixel bytes per second (default: 2000)
//	-status         Request a status line instead of streaming
//	-resume         Send a resume marker before streaming
//
// Examples:
//
//	# Ask the board how it is doing
//	raster-feed -device /dev/ttyUSB0 -status
//
//	# Stream a scanline at the default pace
//	raster-feed -device /dev/ttyUSB0 -file scanline.raw
//
//	# Clear a stop latch, then stream
//	raster-feed -device /dev/ttyUSB0 -resume -file scanline.raw
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tarm/serial"
)

// Control markers of the board's job link.
const (
	markerStatus  byte = 0x14
	markerResume  byte = 0x13
	markerStopped byte = 0x01
	markerReady   byte = 0x12
)

const chunkSize = 64

func main() {
	device := flag.String("device", "", "Serial device of the board (required)")
	baud := flag.Int("baud", 57600, "Baud rate")
	file := flag.String("file", "", "Raw grayscale input, one byte per pixel (\"-\" for stdin)")
	rate := flag.Int("rate", 2000, "Pacing in pixel bytes per second")
	status := flag.Bool("status", false, "Request a status line instead of streaming")
	resume := flag.Bool("resume", false, "Send a resume marker before streaming")
	flag.Parse()

	if *device == "" {
		fmt.Fprintf(os.Stderr, "Error: -device is required\n")
		flag.Usage()
		os.Exit(1)
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        *device,
		Baud:        *baud,
		ReadTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", *device, err)
		os.Exit(1)
	}
	defer port.Close()

	if *status {
		if err := requestStatus(port); err != nil {
			fmt.Fprintf(os.Stderr, "Status request failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *resume {
		if _, err := port.Write([]byte{markerResume}); err != nil {
			fmt.Fprintf(os.Stderr, "Error sending resume: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Resume sent")
	}

	if *file == "" {
		if !*resume {
			fmt.Fprintf(os.Stderr, "Error: -file is required unless -status or -resume\n")
			flag.Usage()
			os.Exit(1)
		}
		return
	}

	in, err := openInput(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening input: %v\n", err)
		os.Exit(1)
	}
	defer in.Close()

	n, err := stream(port, in, *rate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Stream aborted after %d pixels: %v\n", n, err)
		os.Exit(1)
	}
	fmt.Printf("Streamed %d pixels\n", n)
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// requestStatus sends a status marker and prints the board's reply line.
func requestStatus(port *serial.Port) error {
	if _, err := port.Write([]byte{markerStatus}); err != nil {
		return err
	}
	r := bufio.NewReader(port)
	deadline := time.Now().Add(3 * time.Second)
	var line []byte
	for time.Now().Before(deadline) {
		b, err := r.ReadByte()
		if err != nil {
			continue // read timeout, keep waiting
		}
		if b == '\n' {
			fmt.Printf("board: %s\n", line)
			return nil
		}
		if b >= 0x20 && b < 0x7f {
			line = append(line, b)
		}
	}
	return fmt.Errorf("no status reply within 3s")
}

// stream paces pixel bytes onto the wire and stops when the board reports a
// latched stop. Returns the number of pixels sent.
func stream(port *serial.Port, in io.Reader, rate int) (int, error) {
	if rate <= 0 {
		rate = 2000
	}
	chunkDelay := time.Duration(chunkSize) * time.Second / time.Duration(rate)

	raw := make([]byte, chunkSize)
	wire := make([]byte, chunkSize)
	feedback := make([]byte, 16)
	sent := 0
	for {
		n, err := io.ReadFull(in, raw)
		if n > 0 {
			for i := 0; i < n; i++ {
				wire[i] = 128 + raw[i]/2
			}
			if _, werr := port.Write(wire[:n]); werr != nil {
				return sent, werr
			}
			sent += n
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}

		// The pacing sleep doubles as the window for board feedback.
		time.Sleep(chunkDelay)
		fn, _ := port.Read(feedback)
		for _, b := range feedback[:fn] {
			switch b {
			case markerStopped:
				return sent, fmt.Errorf("board latched a stop")
			case markerReady:
				// Buffer drained below half, nothing to do at this pace.
			}
		}
	}
}
