// Package queue implements the in-process, at-least-once message delivery
// shared by the store implementations.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/adfharrison1/go-kvdex/pkg/store"
)

// UndeliveredFunc persists a payload whose delivery was given up.
type UndeliveredFunc func(ctx context.Context, keys [][]byte, payload []byte) error

// Dispatcher fans every enqueued payload out to all registered listeners and
// redelivers to the listeners that failed, with backoff, until MaxAttempts.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[uint64]*listener
	nextID    uint64
	closed    bool

	maxAttempts   int
	newBackOff    func() backoff.BackOff
	onUndelivered UndeliveredFunc
	logger        *slog.Logger

	backgroundWg sync.WaitGroup
	stopChan     chan struct{}
	stopOnce     sync.Once
}

type listener struct {
	ctx     context.Context
	handler store.QueueHandler
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxAttempts sets how many delivery rounds are tried before a payload
// is treated as undelivered.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBackOff sets the redelivery schedule; a fresh BackOff is used per message.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(d *Dispatcher) {
		d.newBackOff = newBackOff
	}
}

// WithUndelivered sets where payloads go when delivery is given up.
func WithUndelivered(fn UndeliveredFunc) Option {
	return func(d *Dispatcher) {
		d.onUndelivered = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(options ...Option) *Dispatcher {
	d := &Dispatcher{
		listeners:   make(map[uint64]*listener),
		maxAttempts: 5,
		newBackOff:  defaultBackOff,
		logger:      slog.Default(),
		stopChan:    make(chan struct{}),
	}
	for _, option := range options {
		option(d)
	}
	return d
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Listen registers handler until ctx is done.
func (d *Dispatcher) Listen(ctx context.Context, handler store.QueueHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return store.ErrClosed
	}

	id := d.nextID
	d.nextID++
	d.listeners[id] = &listener{ctx: ctx, handler: handler}

	context.AfterFunc(ctx, func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	})
	return nil
}

// Enqueue schedules delivery of payload.
func (d *Dispatcher) Enqueue(_ context.Context, payload []byte, opts store.EnqueueOptions) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return store.ErrClosed
	}

	data := append([]byte(nil), payload...)
	d.backgroundWg.Add(1)
	go func() {
		defer d.backgroundWg.Done()
		if opts.Delay > 0 && !d.sleep(opts.Delay) {
			return
		}
		d.deliver(data, opts.KeysIfUndelivered)
	}()
	return nil
}

// deliver runs delivery rounds; each round retries only the listeners that
// have not acknowledged the payload yet.
func (d *Dispatcher) deliver(payload []byte, undeliveredKeys [][]byte) {
	acked := make(map[uint64]bool)
	b := d.newBackOff()

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		failed := 0
		pending := d.snapshot()
		for id, l := range pending {
			if acked[id] {
				continue
			}
			if err := l.handler(l.ctx, payload); err != nil {
				failed++
				d.logger.Debug("queue handler failed", "attempt", attempt, "error", err)
				continue
			}
			acked[id] = true
		}

		if failed == 0 && len(acked) > 0 {
			return
		}
		if attempt == d.maxAttempts {
			break
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		if !d.sleep(wait) {
			return
		}
	}

	d.logger.Warn("queue message undelivered", "attempts", d.maxAttempts, "keys", len(undeliveredKeys))
	if d.onUndelivered == nil || len(undeliveredKeys) == 0 {
		return
	}
	if err := d.onUndelivered(context.Background(), undeliveredKeys, payload); err != nil {
		d.logger.Error("failed to persist undelivered message", "error", err)
	}
}

func (d *Dispatcher) snapshot() map[uint64]*listener {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[uint64]*listener, len(d.listeners))
	for id, l := range d.listeners {
		if l.ctx.Err() == nil {
			out[id] = l
		}
	}
	return out
}

// sleep waits for wait and reports false if the dispatcher was closed first.
func (d *Dispatcher) sleep(wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.stopChan:
		return false
	}
}

// Close stops accepting messages and waits for in-flight deliveries.
// Messages still waiting for a delay or a backoff are dropped.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.stopChan)
		d.backgroundWg.Wait()
	})
}
