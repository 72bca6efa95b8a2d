// Package debounce batches messages that arrive in quick succession for the
// same conversation into a single unit of work.
package debounce

import (
	"sync"
	"time"
)

// Config holds the quiet interval for inbound messages.
type Config struct {
	// Quiet is the base interval a chat must stay silent before its batch
	// is flushed.
	Quiet time.Duration `yaml:"quiet" env:"QUIET"`

	// ByChannel maps channel identifiers to channel-specific intervals.
	ByChannel map[string]time.Duration `yaml:"by_channel"`
}

// Resolve returns the effective interval for a channel: channel override
// first, base interval otherwise. Negative values resolve to zero.
func (c Config) Resolve(channel string) time.Duration {
	if d, ok := c.ByChannel[channel]; ok {
		return max(d, 0)
	}
	return max(c.Quiet, 0)
}

type batch[T any] struct {
	items []T
	timer *time.Timer
	gen   uint64
}

// Debouncer batches items by key and flushes them once the key has been
// quiet for its interval. A new item for a key restarts that key's timer;
// other keys are unaffected.
type Debouncer[T any] struct {
	mu      sync.Mutex
	batches map[string]*batch[T]
	gen     uint64
	stopped bool

	interval func(item T) time.Duration
	buildKey func(item T) string
	onFlush  func(key string, items []T)
}

// Option configures a Debouncer.
type Option[T any] func(*Debouncer[T])

// WithInterval sets a fixed quiet interval.
func WithInterval[T any](d time.Duration) Option[T] {
	return func(db *Debouncer[T]) {
		d = max(d, 0)
		db.interval = func(T) time.Duration { return d }
	}
}

// WithIntervalFunc derives the quiet interval from the item, e.g. per channel.
func WithIntervalFunc[T any](fn func(item T) time.Duration) Option[T] {
	return func(db *Debouncer[T]) {
		db.interval = fn
	}
}

// WithBuildKey sets the function that groups items.
func WithBuildKey[T any](fn func(item T) string) Option[T] {
	return func(db *Debouncer[T]) {
		db.buildKey = fn
	}
}

// WithOnFlush sets the callback invoked with each completed batch. It runs
// on the timer goroutine without any debouncer lock held.
func WithOnFlush[T any](fn func(key string, items []T)) Option[T] {
	return func(db *Debouncer[T]) {
		db.onFlush = fn
	}
}

// New creates a Debouncer with the given options.
func New[T any](opts ...Option[T]) *Debouncer[T] {
	d := &Debouncer[T]{
		batches: make(map[string]*batch[T]),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.interval == nil {
		d.interval = func(T) time.Duration { return 0 }
	}
	if d.buildKey == nil {
		d.buildKey = func(T) string { return "default" }
	}
	if d.onFlush == nil {
		d.onFlush = func(string, []T) {}
	}
	return d
}

// Enqueue appends item to its key's batch and restarts the key's timer.
// With a zero interval the batch is flushed on a fresh goroutine right away.
// Items enqueued after Stop are dropped.
func (d *Debouncer[T]) Enqueue(item T) {
	key := d.buildKey(item)
	wait := d.interval(item)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	b, ok := d.batches[key]
	if !ok {
		b = &batch[T]{}
		d.batches[key] = b
	}
	b.items = append(b.items, item)
	if b.timer != nil {
		b.timer.Stop()
	}
	d.gen++
	gen := d.gen
	b.gen = gen
	b.timer = time.AfterFunc(wait, func() {
		d.fire(key, gen)
	})
}

// fire flushes key only if the batch is still the one the timer was armed
// for. A timer that lost the race with a newer Enqueue is a no-op.
func (d *Debouncer[T]) fire(key string, gen uint64) {
	d.mu.Lock()
	b, ok := d.batches[key]
	if !ok || d.stopped || b.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.batches, key)
	items := b.items
	d.mu.Unlock()

	if len(items) > 0 {
		d.onFlush(key, items)
	}
}

// FlushKey flushes the pending batch for key immediately on the caller's
// goroutine.
func (d *Debouncer[T]) FlushKey(key string) {
	d.mu.Lock()
	b, ok := d.batches[key]
	if !ok || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.batches, key)
	if b.timer != nil {
		b.timer.Stop()
	}
	items := b.items
	d.mu.Unlock()

	if len(items) > 0 {
		d.onFlush(key, items)
	}
}

// Stop cancels every pending timer. Pending batches are abandoned, not
// flushed.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for key, b := range d.batches {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(d.batches, key)
	}
}

// PendingCount returns the number of keys with pending items.
func (d *Debouncer[T]) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

// PendingItems returns the total number of pending items across all keys.
func (d *Debouncer[T]) PendingItems() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, b := range d.batches {
		count += len(b.items)
	}
	return count
}
