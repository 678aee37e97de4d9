// Package dispatch runs all protocol side effects on a single goroutine.
// I/O goroutines enqueue actions; a fixed tick drains the queue in order.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTick is the default drain interval (30 Hz).
const DefaultTick = 33 * time.Millisecond

// Action is a unit of work executed on the dispatcher goroutine.
type Action func()

// Dispatcher is a FIFO of actions executed by exactly one consumer.
type Dispatcher struct {
	mu      sync.Mutex
	queue   []Action
	spare   []Action
	tick    time.Duration
	logger  zerolog.Logger
	running bool
}

// New creates a Dispatcher that drains every tick. A non-positive tick uses DefaultTick.
func New(tick time.Duration) *Dispatcher {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Dispatcher{
		tick:   tick,
		logger: log.With().Str("component", "dispatcher").Logger(),
	}
}

// Enqueue appends an action. Safe for concurrent use.
func (d *Dispatcher) Enqueue(a Action) {
	if a == nil {
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, a)
	d.mu.Unlock()
}

// Len returns the number of queued actions.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Run drains the queue on every tick until ctx is cancelled, then drains
// once more so queued teardown work is not lost.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.logger.Warn().Msg("dispatcher already running")
		return
	}
	d.running = true
	d.mu.Unlock()

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	d.logger.Debug().Dur("tick", d.tick).Msg("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.Drain()
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()
			d.logger.Debug().Msg("dispatcher stopped")
			return
		case <-ticker.C:
			d.Drain()
		}
	}
}

// Drain executes everything queued at the time of the call and returns the
// number of actions run. Actions enqueued while draining wait for the next call.
// Only the dispatcher goroutine (or a test standing in for it) may call Drain.
func (d *Dispatcher) Drain() int {
	d.mu.Lock()
	batch := d.queue
	d.queue = d.spare[:0]
	d.mu.Unlock()

	for i, a := range batch {
		d.run(a)
		batch[i] = nil
	}

	d.mu.Lock()
	d.spare = batch[:0]
	d.mu.Unlock()
	return len(batch)
}

func (d *Dispatcher) run(a Action) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("action panicked")
		}
	}()
	a()
}
