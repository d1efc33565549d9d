// Package reactor is the timer dispatch loop that clocks the driveboard
// host: the step-event timer, the pulse-reset and laser-off one-shots and the
// periodic status work all run as reactor timers on one dispatch goroutine.
// Times are monotonic seconds; a callback returns its next wake time, so a
// self-reprogramming timer (the step-event source changing its own period on
// every rate adjustment) is just a callback computing eventtime plus the
// current period.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// NOW wakes a timer on the next dispatch pass.
	NOW = 0.0
	// NEVER parks a timer. Returning NEVER from a callback disarms it.
	NEVER = 9999999999999999.0
)

// TimerCallback handles a timer firing. It receives the dispatch time and
// returns the next wake time, or NEVER to disarm.
type TimerCallback func(eventtime float64) float64

// Timer is one registered timer. All fields are guarded by the reactor.
type Timer struct {
	id       uint64
	callback TimerCallback
	waketime float64
	running  bool
	mu       sync.Mutex
}

// Waketime returns the timer's current wake time.
func (t *Timer) Waketime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waketime
}

// Reactor owns the timer list and the dispatch goroutine.
type Reactor struct {
	mu       sync.Mutex
	timers   []*Timer
	nextID   uint64
	nextWake float64

	// Work handed in from other goroutines, run on the dispatch goroutine.
	asyncQueue chan func()

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup

	startTime time.Time
}

// New creates a stopped reactor; Run starts dispatch.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		nextWake:   NEVER,
		asyncQueue: make(chan func(), 256),
		ctx:        ctx,
		cancel:     cancel,
		startTime:  time.Now(),
	}
}

// Monotonic returns the reactor clock in seconds since creation.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

// RegisterTimer adds a timer firing at waketime.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &Timer{
		id:       atomic.AddUint64(&r.nextID, 1),
		callback: callback,
		waketime: waketime,
	}
	r.timers = append(r.timers, t)
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	return t
}

// UnregisterTimer parks and removes a timer.
func (r *Reactor) UnregisterTimer(t *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.mu.Lock()
	t.waketime = NEVER
	t.mu.Unlock()
	for i, x := range r.timers {
		if x.id == t.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer moves a timer's wake time. Ignored while the timer's callback
// is running, because the callback's return value owns the next wake then.
func (r *Reactor) UpdateTimer(t *Timer, waketime float64) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.waketime = waketime
	t.mu.Unlock()

	r.mu.Lock()
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()
	// Kick the dispatch loop so a shortened wake takes effect now.
	select {
	case r.asyncQueue <- func() {}:
	default:
	}
}

// RunAsync queues fn to run on the dispatch goroutine. Drops the call when
// the queue is full; async work here is advisory (status pushes), never
// motion-critical.
func (r *Reactor) RunAsync(fn func()) bool {
	select {
	case r.asyncQueue <- fn:
		return true
	default:
		return false
	}
}

// Pause sleeps the calling goroutine until waketime and returns the current
// reactor time.
func (r *Reactor) Pause(waketime float64) float64 {
	now := r.Monotonic()
	if waketime <= now {
		return now
	}
	if waketime >= NEVER {
		<-r.ctx.Done()
		return r.Monotonic()
	}
	select {
	case <-time.After(time.Duration((waketime - now) * float64(time.Second))):
	case <-r.ctx.Done():
	}
	return r.Monotonic()
}

// Run starts the dispatch goroutine. Idempotent.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatchLoop()
}

// End signals the dispatch loop to stop.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait blocks until the dispatch loop has exited.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	for r.running.Load() {
		r.drainAsync()
		delay := r.checkTimers(r.Monotonic())
		if delay <= 0 {
			continue
		}
		d := time.Duration(delay * float64(time.Second))
		if d > time.Second {
			d = time.Second
		}
		select {
		case <-time.After(d):
		case fn := <-r.asyncQueue:
			fn()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Reactor) drainAsync() {
	for {
		select {
		case fn := <-r.asyncQueue:
			fn()
		default:
			return
		}
	}
}

// checkTimers fires every due timer once and returns the delay until the
// next wake.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	if eventtime < r.nextWake {
		delay := r.nextWake - eventtime
		r.mu.Unlock()
		return delay
	}
	timers := make([]*Timer, len(r.timers))
	copy(timers, r.timers)
	r.nextWake = NEVER
	r.mu.Unlock()

	for _, t := range timers {
		t.mu.Lock()
		if eventtime >= t.waketime {
			t.waketime = NEVER
			t.running = true
			t.mu.Unlock()

			next := t.callback(eventtime)

			t.mu.Lock()
			t.running = false
			if next < t.waketime {
				t.waketime = next
			}
		}
		wake := t.waketime
		t.mu.Unlock()

		r.mu.Lock()
		if wake < r.nextWake {
			r.nextWake = wake
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	delay := r.nextWake - eventtime
	r.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	return delay
}
