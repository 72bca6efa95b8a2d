// Package admission bounds how many units of agent work run at once and
// decides who goes next when a permit frees up.
//
// Two classes compete for the same pool: interactive work (a human is
// waiting on the reply) and subagent work (scheduled or background tasks).
// A freed permit always goes to the longest-waiting interactive request
// before any subagent request is considered. Running work is never
// preempted.
package admission

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// Class identifies the priority tier of a request.
type Class int

const (
	Interactive Class = iota
	Subagent
)

func (c Class) String() string {
	switch c {
	case Interactive:
		return "interactive"
	case Subagent:
		return "subagent"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

type waiter struct {
	class   Class
	ready   chan struct{}
	granted bool
	elem    *list.Element
}

// Limiter is a counting semaphore with two FIFO wait queues.
type Limiter struct {
	mu          sync.Mutex
	max         int
	reserved    int
	inUse       [2]int
	queues      [2]*list.List
	granted     [2]int64
	cancelled   [2]int64
	onStateHook func(Stats)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithReservedInteractive keeps n permits that only interactive work may
// hold. Subagent work is admitted only while fewer than max-n subagent
// permits are in use. n is clamped to [0, max-1].
func WithReservedInteractive(n int) Option {
	return func(l *Limiter) {
		l.reserved = n
	}
}

// WithStateHook registers a callback invoked with a snapshot after every
// state change. It runs with the limiter lock held and must not block.
func WithStateHook(fn func(Stats)) Option {
	return func(l *Limiter) {
		l.onStateHook = fn
	}
}

// New creates a limiter with maxPermits permits. Values below one are
// raised to one.
func New(maxPermits int, opts ...Option) *Limiter {
	if maxPermits <= 0 {
		maxPermits = 1
	}
	l := &Limiter{
		max:    maxPermits,
		queues: [2]*list.List{list.New(), list.New()},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.reserved = min(max(l.reserved, 0), l.max-1)
	return l
}

// Permit is a held slot. Release is idempotent.
type Permit struct {
	limiter *Limiter
	class   Class
	once    sync.Once
}

// Class reports the tier the permit was granted to.
func (p *Permit) Class() Class { return p.class }

// Release returns the permit to the limiter, handing it to the next waiter
// if there is one.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.limiter.release(p.class)
	})
}

// AcquireInteractive waits for a permit on behalf of interactive work.
func (l *Limiter) AcquireInteractive(ctx context.Context) (*Permit, error) {
	return l.Acquire(ctx, Interactive)
}

// AcquireSubagent waits for a permit on behalf of subagent work.
func (l *Limiter) AcquireSubagent(ctx context.Context) (*Permit, error) {
	return l.Acquire(ctx, Subagent)
}

// Acquire blocks until a permit of the given class is granted or ctx is
// done. A cancelled waiter leaves its queue; a permit granted at the same
// moment is passed on rather than leaked.
func (l *Limiter) Acquire(ctx context.Context, class Class) (*Permit, error) {
	if class != Interactive && class != Subagent {
		return nil, fmt.Errorf("admission: unknown class %d", int(class))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.queues[class].Len() == 0 && l.admissibleLocked(class) {
		l.inUse[class]++
		l.granted[class]++
		l.notifyLocked()
		l.mu.Unlock()
		return &Permit{limiter: l, class: class}, nil
	}
	w := &waiter{class: class, ready: make(chan struct{})}
	w.elem = l.queues[class].PushBack(w)
	l.notifyLocked()
	l.mu.Unlock()

	select {
	case <-w.ready:
		return &Permit{limiter: l, class: class}, nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	if w.granted {
		// Granted between ctx.Done and taking the lock: pass it on.
		l.inUse[class]--
		l.dispatchLocked()
	} else {
		l.queues[class].Remove(w.elem)
	}
	l.cancelled[class]++
	l.notifyLocked()
	l.mu.Unlock()
	return nil, ctx.Err()
}

// TryAcquire grants a permit only if one is immediately available and no
// waiter of the same class is queued ahead.
func (l *Limiter) TryAcquire(class Class) (*Permit, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if class != Interactive && class != Subagent {
		return nil, false
	}
	if l.queues[class].Len() > 0 || !l.admissibleLocked(class) {
		return nil, false
	}
	l.inUse[class]++
	l.granted[class]++
	l.notifyLocked()
	return &Permit{limiter: l, class: class}, true
}

func (l *Limiter) release(class Class) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inUse[class] > 0 {
		l.inUse[class]--
	}
	l.dispatchLocked()
	l.notifyLocked()
}

// dispatchLocked hands free permits to waiters, interactive queue first.
func (l *Limiter) dispatchLocked() {
	for _, class := range [...]Class{Interactive, Subagent} {
		q := l.queues[class]
		for q.Len() > 0 && l.admissibleLocked(class) {
			w := q.Remove(q.Front()).(*waiter)
			w.granted = true
			l.inUse[class]++
			l.granted[class]++
			close(w.ready)
		}
	}
}

func (l *Limiter) admissibleLocked(class Class) bool {
	if l.inUse[Interactive]+l.inUse[Subagent] >= l.max {
		return false
	}
	if class == Subagent {
		return l.inUse[Subagent] < l.max-l.reserved
	}
	return true
}

func (l *Limiter) notifyLocked() {
	if l.onStateHook != nil {
		l.onStateHook(l.statsLocked())
	}
}

// Stats is a point-in-time snapshot of the limiter.
type Stats struct {
	Max                  int
	Reserved             int
	Available            int
	InUseInteractive     int
	InUseSubagent        int
	WaitingInteractive   int
	WaitingSubagent      int
	GrantedInteractive   int64
	GrantedSubagent      int64
	CancelledInteractive int64
	CancelledSubagent    int64
}

// Stats returns a snapshot of the limiter's counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statsLocked()
}

func (l *Limiter) statsLocked() Stats {
	return Stats{
		Max:                  l.max,
		Reserved:             l.reserved,
		Available:            l.max - l.inUse[Interactive] - l.inUse[Subagent],
		InUseInteractive:     l.inUse[Interactive],
		InUseSubagent:        l.inUse[Subagent],
		WaitingInteractive:   l.queues[Interactive].Len(),
		WaitingSubagent:      l.queues[Subagent].Len(),
		GrantedInteractive:   l.granted[Interactive],
		GrantedSubagent:      l.granted[Subagent],
		CancelledInteractive: l.cancelled[Interactive],
		CancelledSubagent:    l.cancelled[Subagent],
	}
}
