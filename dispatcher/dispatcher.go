// Package dispatcher provides a single-goroutine execution context. All state
// transitions of the components that share a Dispatcher run on its loop, so
// those components need no locking of their own. It also offers deferred
// disposal: an object whose callback is still on the stack can schedule its
// own teardown as a zero-delay task instead of tearing down synchronously.
package dispatcher

import (
	"sync"
	"time"

	"github.com/edgegate/reportclient/logger"
)

// Disposable is an object that releases its resources when the dispatcher
// gets around to it.
type Disposable interface {
	Dispose()
}

// Dispatcher is a serial task queue drained by a single goroutine.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}
	log     logger.Logger
}

// New creates a Dispatcher. Call Run (usually on its own goroutine) to start
// draining tasks.
func New(log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NoOp()
	}
	d := &Dispatcher{
		done: make(chan struct{}),
		log:  log,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Post enqueues fn for execution on the dispatcher goroutine. Safe to call
// from any goroutine, including from a task already running on the loop.
// Tasks posted after Stop are dropped.
func (d *Dispatcher) Post(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		d.log.Debug().Msg("dispatcher stopped, dropping task")
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
}

// PostDelayed schedules fn to be posted after delay. The returned function
// cancels the timer; cancellation after the task was posted has no effect.
func (d *Dispatcher) PostDelayed(delay time.Duration, fn func()) func() {
	t := time.AfterFunc(delay, func() {
		d.Post(fn)
	})
	return func() { t.Stop() }
}

// DeferDispose schedules obj.Dispose as a zero-delay task. The object is
// guaranteed not to be disposed while the currently running task, which may
// be one of the object's own callbacks, is still on the stack.
func (d *Dispatcher) DeferDispose(obj Disposable) {
	d.Post(obj.Dispose)
}

// Run drains the task queue until Stop is called. Tasks already queued when
// Stop arrives are still executed.
func (d *Dispatcher) Run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.stopped {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}

// Stop requests shutdown and blocks until the loop has drained its queue and
// exited. Safe to call once Run has been started.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.stopped = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}
