// Package queue implements the process-wide notification bus (C1): a
// handle-keyed event bus that lets any goroutine — including one blocked
// in a syscall — wake up whoever is waiting on a handle without holding
// a lock across the wakeup.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ailets/ailets-go/errs"
	"github.com/ailets/ailets-go/handle"
)

// DefaultMaxWaiters and DefaultMaxSubscribers bound, per handle, the
// number of outstanding wait() callers and subscribe() channels. Both
// are enforced at call time: exceeding either fails the call rather
// than blocking it or silently dropping a registration.
const (
	DefaultMaxWaiters     = 256
	DefaultMaxSubscribers = 64
)

// Subscription is a receiver delivering every notify for a handle.
// Payloads that arrive while the channel is full are dropped; Overflow
// reports how many have been dropped so far.
type Subscription struct {
	Handle handle.Handle
	C      <-chan int32

	overflow atomic.Int64
	q        *Queue
	ch       chan int32
	id       uint64
}

// Overflow returns the number of notify payloads dropped because the
// subscriber's channel was full.
func (s *Subscription) Overflow() int64 { return s.overflow.Load() }

// Close unregisters the subscription. Idempotent.
func (s *Subscription) Close() {
	s.q.removeSubscriber(s.Handle, s.id)
}

type waiter struct {
	id uint64
	c  chan int32
}

type entry struct {
	debugHint string
	waiters   []waiter
	subs      []*Subscription
}

// Queue is a handle-keyed notification bus. The zero value is not
// usable; construct with New.
type Queue struct {
	mu             sync.Mutex
	entries        map[handle.Handle]*entry
	alloc          *handle.Allocator
	nextWaiterID   atomic.Uint64
	maxWaiters     int
	maxSubscribers int
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithMaxWaiters overrides DefaultMaxWaiters.
func WithMaxWaiters(n int) Option { return func(q *Queue) { q.maxWaiters = n } }

// WithMaxSubscribers overrides DefaultMaxSubscribers.
func WithMaxSubscribers(n int) Option { return func(q *Queue) { q.maxSubscribers = n } }

// New constructs an empty Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		entries:        make(map[handle.Handle]*entry),
		alloc:          handle.NewAllocator(),
		maxWaiters:     DefaultMaxWaiters,
		maxSubscribers: DefaultMaxSubscribers,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register mints a new handle and makes it a valid notify/wait target.
func (q *Queue) Register(debugHint string) handle.Handle {
	h := q.alloc.Next()
	q.mu.Lock()
	q.entries[h] = &entry{debugHint: debugHint}
	q.mu.Unlock()
	return h
}

// Unregister removes a handle. Further Notify calls on it wake nobody
// and return a HANDLE_UNREGISTERED QueueError; outstanding waiters are not woken (they are expected to have their
// own cancellation via context, per Wait's contract).
func (q *Queue) Unregister(h handle.Handle) {
	q.mu.Lock()
	delete(q.entries, h)
	q.mu.Unlock()
}

// Notify wakes every waiter and subscriber registered on h, delivering
// payload to each. It never blocks: subscriber channels are try-sent,
// waiter channels are buffered (capacity 1) so the send never blocks.
// Notify is safe to call from any goroutine, including one blocked in a
// blocking syscall elsewhere. Returns the number of waiters+subscribers
// notified, or a QueueError if h was never registered or was already
// unregistered.
func (q *Queue) Notify(h handle.Handle, payload int32) (int, error) {
	q.mu.Lock()
	e, ok := q.entries[h]
	if !ok {
		q.mu.Unlock()
		return 0, errs.Queue(errs.CodeHandleUnregistered, "notify on unregistered handle")
	}
	waiters := e.waiters
	e.waiters = nil
	subs := append([]*Subscription(nil), e.subs...)
	q.mu.Unlock()

	for _, w := range waiters {
		w.c <- payload
	}
	for _, s := range subs {
		select {
		case s.ch <- payload:
		default:
			s.overflow.Add(1)
		}
	}
	return len(waiters) + len(subs), nil
}

// Wait suspends until the next Notify on h, or until ctx is done.
// Registration of interest happens under the same lock as the
// not-yet-notified check, so a Notify racing with Wait can never be
// missed: either the waiter is on the list before Notify drains it, or
// Notify has not yet run and will see the waiter.
func (q *Queue) Wait(ctx context.Context, h handle.Handle) (int32, error) {
	t, err := q.Arm(h)
	if err != nil {
		return 0, err
	}
	return t.Wait(ctx)
}

// Ticket is a waiter already registered with the queue via Arm, before
// its holder has released whatever lock guards the state it is about
// to sample. Cancel it if that sample turns out to make waiting
// unnecessary.
type Ticket struct {
	q  *Queue
	h  handle.Handle
	id uint64
	c  chan int32
}

// Arm registers interest in h and returns immediately, without
// blocking. Callers with a check-then-wait sequence should Arm before
// releasing the lock guarding the check, so that registration
// happens-before the sampled state is read: a Notify landing in the
// gap between the check and a bare Wait call can otherwise be missed
// entirely. Once armed, the ticket's channel will hold the next
// Notify's payload even if Wait is called on it much later.
func (q *Queue) Arm(h handle.Handle) (*Ticket, error) {
	q.mu.Lock()
	e, ok := q.entries[h]
	if !ok {
		q.mu.Unlock()
		return nil, errs.Queue(errs.CodeHandleUnregistered, "arm on unregistered handle")
	}
	if len(e.waiters) >= q.maxWaiters {
		q.mu.Unlock()
		return nil, errs.Queue(errs.CodeWaiterCapExceeded, "too many waiters on handle")
	}
	id := q.nextWaiterID.Add(1)
	w := waiter{id: id, c: make(chan int32, 1)}
	e.waiters = append(e.waiters, w)
	q.mu.Unlock()
	return &Ticket{q: q, h: h, id: id, c: w.c}, nil
}

// Wait blocks until this ticket's Notify arrives or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (int32, error) {
	select {
	case payload := <-t.c:
		return payload, nil
	case <-ctx.Done():
		t.q.removeWaiter(t.h, t.id)
		return 0, ctx.Err()
	}
}

// Cancel drops the ticket without waiting on it, for when the caller's
// post-arm state check found what it needed and never wants the
// notification delivered.
func (t *Ticket) Cancel() {
	t.q.removeWaiter(t.h, t.id)
}

// WaitTimeout is Wait wrapped with a timer channel, per the design's
// stance that timeouts are a wrapper concern, not a core primitive.
// ok is false iff d elapsed before a Notify arrived.
func (q *Queue) WaitTimeout(ctx context.Context, h handle.Handle, d time.Duration) (payload int32, ok bool, err error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	payload, err = q.Wait(tctx, h)
	if err != nil {
		if tctx.Err() != nil && ctx.Err() == nil {
			return 0, false, nil
		}
		return 0, false, err
	}
	return payload, true, nil
}

// Subscribe returns a channel receiving every Notify payload for h.
// Overflowing capacity drops the payload rather than blocking Notify.
func (q *Queue) Subscribe(h handle.Handle, capacity int, debugHint string) (*Subscription, error) {
	if capacity <= 0 {
		capacity = 1
	}
	q.mu.Lock()
	e, ok := q.entries[h]
	if !ok {
		q.mu.Unlock()
		return nil, errs.Queue(errs.CodeHandleUnregistered, "subscribe on unregistered handle")
	}
	if len(e.subs) >= q.maxSubscribers {
		q.mu.Unlock()
		return nil, errs.Queue(errs.CodeSubscriptionOverflow, "too many subscribers on handle")
	}
	id := q.nextWaiterID.Add(1)
	ch := make(chan int32, capacity)
	sub := &Subscription{Handle: h, C: ch, q: q, ch: ch, id: id}
	_ = debugHint
	e.subs = append(e.subs, sub)
	q.mu.Unlock()
	return sub, nil
}

func (q *Queue) removeWaiter(h handle.Handle, id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[h]
	if !ok {
		return
	}
	for i, w := range e.waiters {
		if w.id == id {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
}

func (q *Queue) removeSubscriber(h handle.Handle, id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[h]
	if !ok {
		return
	}
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			break
		}
	}
}
