package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"medinotify/internal/observability/metrics"
)

// ErrDispatcherStopped is returned by Enqueue after Shutdown.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Enqueuer defines the contract for handing a pending record to the dispatch side.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, dueAt time.Time) error
}

// Attempter performs one delivery attempt for a record ID. *Worker implements it.
type Attempter interface {
	Attempt(ctx context.Context, id string) (Outcome, error)
}

// DispatcherConfig holds the dispatch loop timing and ordering.
type DispatcherConfig struct {
	Policy QueuePolicy

	// Throttle is the pause after every delivery attempt.
	Throttle time.Duration

	// Recheck is the pause when the next item is not yet due.
	Recheck time.Duration
}

// Dispatcher is the in-process queue and its single dispatch loop.
//
// The loop is idle until Enqueue finds it not running and starts it; it then
// drains the holding queue one item at a time and exits once the queue is
// empty. At most one loop runs at a time. Both pauses are plain timer waits:
// an item becoming due does not cut a wait short.
type Dispatcher struct {
	attempter Attempter
	cfg       DispatcherConfig
	now       func() time.Time

	mu      sync.Mutex
	queue   holdingQueue
	seq     uint64
	running bool
	stopped bool

	stop   chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

var _ Enqueuer = (*Dispatcher)(nil)

// NewDispatcher creates an idle dispatcher.
func NewDispatcher(attempter Attempter, cfg DispatcherConfig) *Dispatcher {
	if cfg.Policy == "" {
		cfg.Policy = PolicyDue
	}
	if cfg.Throttle < 0 {
		cfg.Throttle = 0
	}
	if cfg.Recheck <= 0 {
		cfg.Recheck = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		attempter: attempter,
		cfg:       cfg,
		now:       time.Now,
		queue:     newHoldingQueue(cfg.Policy),
		stop:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Enqueue adds a record to the holding queue and starts the dispatch loop if
// it is not already running. It never waits for delivery.
func (d *Dispatcher) Enqueue(_ context.Context, id string, dueAt time.Time) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrDispatcherStopped
	}
	d.pushLocked(id, dueAt)
	start := !d.running
	if start {
		d.running = true
		d.wg.Add(1)
	}
	depth := d.queue.len()
	d.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	if start {
		go d.run()
	}
	return nil
}

func (d *Dispatcher) pushLocked(id string, dueAt time.Time) {
	d.seq++
	d.queue.push(queueItem{ID: id, DueAt: dueAt, seq: d.seq})
}

// Len returns the number of items waiting in the holding queue.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.len()
}

// Running reports whether a dispatch loop is currently draining.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Shutdown stops accepting work, interrupts pauses, and waits for the loop to
// finish its current attempt. If ctx expires first, the in-flight delivery is
// cancelled. Items still queued stay pending in the delivery log.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.stop)
	}
	remaining := d.queue.len()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}

	if remaining > 0 {
		slog.Warn("dispatcher stopped with queued items", "remaining", remaining)
	}
	return nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		item, res := d.queue.pop(d.now())
		if res == popEmpty {
			d.running = false
			d.mu.Unlock()
			return
		}
		depth := d.queue.len()
		d.mu.Unlock()

		metrics.QueueDepth.Set(float64(depth))

		if res == popNotDue {
			if !d.pause(d.cfg.Recheck) {
				d.exit()
				return
			}
			continue
		}

		d.process(item)

		if !d.pause(d.cfg.Throttle) {
			d.exit()
			return
		}
	}
}

func (d *Dispatcher) exit() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// pause waits for the given duration. It returns false if the dispatcher was
// stopped during the wait.
func (d *Dispatcher) pause(dur time.Duration) bool {
	if dur <= 0 {
		select {
		case <-d.stop:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.stop:
		return false
	}
}

// process runs one attempt. A panic or error is logged and contained so one
// bad message never stops the loop.
func (d *Dispatcher) process(item queueItem) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch attempt panicked", "id", item.ID, "panic", r)
		}
	}()

	outcome, err := d.attempter.Attempt(d.ctx, item.ID)
	if err != nil {
		slog.Error("dispatch attempt failed", "id", item.ID, "error", err)
		return
	}

	if outcome.Status == StatusPending && outcome.RetryIn > 0 {
		d.mu.Lock()
		d.pushLocked(item.ID, d.now().Add(outcome.RetryIn))
		d.mu.Unlock()
	}
}
