package sync

import (
	"context"
	"errors"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"
)

const (
	minWorkers       = 1
	defaultQueueSize = 1024
)

// Processor processes one ledger event. *Orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, id int64) (*Outcome, error)
}

// Dispatcher feeds pending ledger ids to a pool of workers. The queue is
// best effort: an id dropped because the queue is full stays pending in the
// ledger and is picked up by the sweeper. An id is never queued twice while
// it is queued or running.
type Dispatcher struct {
	proc    Processor
	queue   chan int64
	workers int
	logger  *slog.Logger
	nowFunc func() time.Time

	mu       stdsync.Mutex
	inflight map[int64]struct{}
	timers   map[int64]*time.Timer
	stopped  bool

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	wg stdsync.WaitGroup
}

// NewDispatcher creates a dispatcher without starting workers.
func NewDispatcher(proc Processor, workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if workers < minWorkers {
		workers = minWorkers
	}

	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &Dispatcher{
		proc:     proc,
		queue:    make(chan int64, queueSize),
		workers:  workers,
		logger:   logger,
		nowFunc:  time.Now,
		inflight: make(map[int64]struct{}),
		timers:   make(map[int64]*time.Timer),
	}
}

// Start spawns the workers. They exit when ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	for range d.workers {
		d.wg.Add(1)

		go d.worker(ctx)
	}

	d.logger.Info("dispatcher started", slog.Int("workers", d.workers))
}

// Stop cancels pending timers and waits for workers to exit. The caller
// cancels the context passed to Start first.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true

	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// Submit queues id for processing. It never blocks and reports whether the
// id was queued.
func (d *Dispatcher) Submit(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}

	if _, busy := d.inflight[id]; busy {
		return false
	}

	select {
	case d.queue <- id:
		d.inflight[id] = struct{}{}
		return true
	default:
		d.dropped.Add(1)
		d.logger.Debug("dispatcher queue full, leaving event for sweep", slog.Int64("event", id))

		return false
	}
}

// Schedule queues ev now, or at ev.NotBefore when that is in the future.
func (d *Dispatcher) Schedule(ev SyncEvent) {
	delay := ev.NotBefore.Sub(d.nowFunc())
	if delay <= 0 {
		d.Submit(ev.ID)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if _, ok := d.timers[ev.ID]; ok {
		return
	}

	id := ev.ID
	d.timers[id] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, id)
		d.mu.Unlock()

		d.Submit(id)
	})
}

// Stats returns processing counters.
func (d *Dispatcher) Stats() (processed, failed, dropped int64) {
	return d.processed.Load(), d.failed.Load(), d.dropped.Load()
}

// Pending returns the number of ids queued or running.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.inflight)
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.safeProcess(ctx, id)

			d.mu.Lock()
			delete(d.inflight, id)
			d.mu.Unlock()
		}
	}
}

// safeProcess wraps Process with panic recovery so one bad event doesn't
// take the daemon down. A panicking event stays in processing and is
// reclaimed by the sweeper.
func (d *Dispatcher) safeProcess(ctx context.Context, id int64) {
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.logger.Error("dispatcher: panic while processing event",
				slog.Int64("event", id),
				slog.Any("panic", r),
			)
		}
	}()

	out, err := d.proc.Process(ctx, id)

	switch {
	case err == nil:
		d.processed.Add(1)
	case errors.Is(err, ErrInvalidTransition):
		d.logger.Debug("event already taken", slog.Int64("event", id))
	case ctx.Err() != nil:
		return
	default:
		d.failed.Add(1)

		status := ""
		if out != nil {
			status = string(out.Status)
		}

		d.logger.Warn("event processing failed",
			slog.Int64("event", id),
			slog.String("status", status),
			slog.String("error", err.Error()),
		)
	}
}
