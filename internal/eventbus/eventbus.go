// Package eventbus provides in-process broadcast of typed values to
// registered handlers.
package eventbus

import "sync"

// Handler receives published values.
type Handler[T any] func(T)

type subscriber[T any] struct {
	id int
	fn Handler[T]
}

// delivery pairs a value with the handlers registered at publish time,
// so a handler never receives a value published before it subscribed.
type delivery[T any] struct {
	v    T
	subs []Handler[T]
}

// Bus fans published values out to handlers in subscribe order. Each
// handler observes values in publish order. Values published while no
// handler is registered are dropped. Handlers may subscribe, cancel,
// and publish from inside a callback without deadlocking.
type Bus[T any] struct {
	mu         sync.Mutex
	subs       []subscriber[T]
	nextID     int
	queue      []delivery[T]
	delivering bool
}

// New returns an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers fn and returns its cancel function. Cancel is
// idempotent.
func (b *Bus[T]) Subscribe(fn Handler[T]) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()
	return func() { b.remove(id) }
}

// Publish delivers v to every handler registered at this instant.
// Delivery runs on the calling goroutine unless another publish is
// already draining, in which case the active drainer picks v up.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	if b.pushLocked(v, nil) {
		b.drain()
	}
}

// Count reports the number of registered handlers.
func (b *Bus[T]) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus[T]) remove(id int) {
	b.mu.Lock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

// pushLocked appends a delivery, releases b.mu, and reports whether the
// caller became the drainer. only overrides the subscriber snapshot for
// targeted deliveries (replay); nil snapshots the current subscribers.
func (b *Bus[T]) pushLocked(v T, only []Handler[T]) bool {
	subs := only
	if subs == nil {
		subs = make([]Handler[T], len(b.subs))
		for i, s := range b.subs {
			subs[i] = s.fn
		}
	}
	b.queue = append(b.queue, delivery[T]{v: v, subs: subs})
	mine := !b.delivering
	if mine {
		b.delivering = true
	}
	b.mu.Unlock()
	return mine
}

// drain pops deliveries until the queue empties. The lock is never held
// while a handler runs.
func (b *Bus[T]) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.delivering = false
			b.mu.Unlock()
			return
		}
		d := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		for _, fn := range d.subs {
			fn(d.v)
		}
	}
}

// Latest is a bus that remembers the most recent value and replays it
// to each new handler before live delivery begins.
type Latest[T any] struct {
	b   Bus[T]
	cur T
}

// NewLatest returns a bus holding initial as its current value.
func NewLatest[T any](initial T) *Latest[T] {
	return &Latest[T]{cur: initial}
}

// Get returns the current value.
func (l *Latest[T]) Get() T {
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	return l.cur
}

// Set stores v as the current value and delivers it to every handler.
func (l *Latest[T]) Set(v T) {
	l.b.mu.Lock()
	l.cur = v
	if l.b.pushLocked(v, nil) {
		l.b.drain()
	}
}

// Subscribe registers fn, delivers the current value to it, then
// forwards every subsequent Set in order. Returns the cancel function.
func (l *Latest[T]) Subscribe(fn Handler[T]) (cancel func()) {
	l.b.mu.Lock()
	id := l.b.nextID
	l.b.nextID++
	l.b.subs = append(l.b.subs, subscriber[T]{id: id, fn: fn})
	if l.b.pushLocked(l.cur, []Handler[T]{fn}) {
		l.b.drain()
	}
	return func() { l.b.remove(id) }
}

// Count reports the number of registered handlers.
func (l *Latest[T]) Count() int {
	return l.b.Count()
}
