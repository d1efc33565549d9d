package serial

import (
	"io"
	"sync"
	"sync/atomic"

	"driveboard-go/pkg/log"
	"driveboard-go/pkg/metrics"
	"driveboard-go/pkg/raster"
)

// Wire framing: bytes in [128,255] are raster pixel data, bytes below 128
// are control markers. The pixel range matches the scheduler's intensity
// mapping, so the pixel stream needs no escaping.
const (
	// Host to board.
	MarkerStatus byte = 0x14 // request a status report
	MarkerResume byte = 0x13 // reopen the gate after a stop

	// Board to host.
	MarkerStopped byte = 0x01 // a stop was latched; stop sending motion data
	MarkerReady   byte = 0x12 // pixel buffer has room again
)

// readyThresholdDivisor: announce readiness once at least 1/2 of the buffer
// is free again after a fill-up.
const readyThresholdDivisor = 2

// Link frames the serial byte stream: it fills the raster pixel buffer from
// the port, answers status requests, applies flow control, and gates all
// incoming pixel data after a stop until the host resumes. It is the
// scheduler's communication boundary (its CommLink).
type Link struct {
	port io.ReadWriter
	buf  *raster.Buffer

	logger  *log.Logger
	metrics *metrics.Board

	// accepting gates pixel intake. Cleared by NotifyStop, set by the
	// host's resume marker.
	accepting atomic.Bool

	// OnStatus supplies the payload for a status request. OnResume runs
	// when the host reopens the gate. Both are called on the read loop
	// goroutine.
	OnStatus func() []byte
	OnResume func()

	writeMu sync.Mutex

	// filled marks that intake hit a full buffer; the next time enough
	// room frees up, the link announces MarkerReady once.
	filled bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewLink wraps a port and a pixel buffer. Call Start to begin reading.
func NewLink(port io.ReadWriter, buf *raster.Buffer, logger *log.Logger, m *metrics.Board) *Link {
	l := &Link{
		port:    port,
		buf:     buf,
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
	if l.logger == nil {
		l.logger = log.GetLogger("link")
	}
	l.accepting.Store(true)
	return l
}

// Start launches the read loop.
func (l *Link) Start() {
	l.wg.Add(1)
	go l.readLoop()
}

// Stop ends the read loop and waits for it.
func (l *Link) Stop() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	l.wg.Wait()
}

// Accepting reports whether pixel data is being taken in.
func (l *Link) Accepting() bool {
	return l.accepting.Load()
}

// Resume reopens the pixel intake gate after a stop.
func (l *Link) Resume() {
	l.accepting.Store(true)
}

func (l *Link) readLoop() {
	defer l.wg.Done()
	chunk := make([]byte, 256)
	for {
		// Input already read is handled before the shutdown signal is
		// checked, so bytes the port delivered before Stop are not dropped.
		n, err := l.port.Read(chunk)
		if n > 0 {
			l.handleBytes(chunk[:n])
		}
		l.maybeAnnounceReady()
		switch err {
		case nil, ErrTimeout:
		case io.EOF, ErrClosed:
			l.logger.Info("serial link closed")
			return
		default:
			l.logger.WithError(err).Error("serial read failed")
			return
		}

		select {
		case <-l.done:
			return
		default:
		}
	}
}

func (l *Link) handleBytes(data []byte) {
	// Pixel runs are written to the buffer in one piece; control markers
	// break the run.
	start := -1
	flushRun := func(end int) {
		if start < 0 {
			return
		}
		l.writePixels(data[start:end])
		start = -1
	}
	for i, b := range data {
		if b >= 128 {
			if start < 0 {
				start = i
			}
			continue
		}
		flushRun(i)
		l.handleMarker(b)
	}
	flushRun(len(data))
}

func (l *Link) writePixels(pixels []byte) {
	if !l.accepting.Load() {
		return
	}
	n := l.buf.Write(pixels)
	if n < len(pixels) {
		l.filled = true
		l.logger.WithField("dropped", len(pixels)-n).Warn("pixel buffer full")
	}
}

func (l *Link) handleMarker(b byte) {
	switch b {
	case MarkerStatus:
		if l.OnStatus != nil {
			l.send(l.OnStatus())
		}
	case MarkerResume:
		l.Resume()
		if l.OnResume != nil {
			l.OnResume()
		}
		l.logger.Info("host resumed the job stream")
	default:
		l.logger.WithField("marker", b).Debug("unknown control marker")
	}
}

// maybeAnnounceReady tells the host, once per fill-up, that the buffer has
// room again.
func (l *Link) maybeAnnounceReady() {
	if !l.filled || !l.accepting.Load() {
		return
	}
	if l.buf.Free() < l.buf.Cap()/readyThresholdDivisor {
		return
	}
	l.filled = false
	l.send([]byte{MarkerReady})
}

func (l *Link) send(data []byte) {
	if len(data) == 0 {
		return
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.port.Write(data); err != nil {
		l.logger.WithError(err).Warn("serial write failed")
	}
}

// ReadRasterByte drains the next pixel byte for the scheduler. Returns the
// midpoint byte when the buffer is starved, which the scheduler maps to zero
// duty.
func (l *Link) ReadRasterByte() byte {
	return l.buf.ReadNext()
}

// ConsumeRasterData finalizes a raster block: pending pixel bytes are
// flushed so a stale tail cannot bleed into the next block.
func (l *Link) ConsumeRasterData() {
	l.buf.Flush()
}

// NotifyStop closes the intake gate, drops buffered pixels and tells the
// host to stop sending motion data. Called by the scheduler when a stop
// latches.
func (l *Link) NotifyStop() {
	l.accepting.Store(false)
	l.buf.Flush()
	l.send([]byte{MarkerStopped})
}
