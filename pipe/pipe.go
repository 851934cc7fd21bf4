// Package pipe implements the Broadcast Pipe (C2): a single-writer,
// multi-reader byte stream whose buffer never shrinks while a reader
// could still see it, so a reader that attaches late still observes
// every byte from offset 0.
package pipe

import (
	"context"
	"sync"

	"github.com/ailets/ailets-go/errs"
	"github.com/ailets/ailets-go/handle"
	"github.com/ailets/ailets-go/queue"
)

// Pipe is a byte stream with one writer and any number of readers.
// The zero value is not usable; construct with New.
type Pipe struct {
	q        *queue.Queue
	progress handle.Handle // notified on every write and on close/poison

	mu           sync.Mutex
	cond         *sync.Cond // guards blocking writes under a soft cap
	buffer       []byte
	closed       bool
	poisoned     bool
	softCapBytes int
	readers      []*reader
	nextReaderID int

	onWrite func(n int)          // optional hook, set by the scheduler for metrics/observers
	onClose func(poisoned bool) // optional hook, fired once on the first Close or Poison
}

// SetOnWrite installs a callback run after every successful Write,
// outside the pipe's internal lock. The scheduler uses this to
// transition the writer's node running -> progressed on the first
// byte and to feed pipe-bytes-written metrics, without the pipe
// package knowing anything about the DAG store.
func (p *Pipe) SetOnWrite(fn func(n int)) {
	p.mu.Lock()
	p.onWrite = fn
	p.mu.Unlock()
}

// SetOnClose installs a callback run once, the first time Close or
// Poison is called, outside the pipe's internal lock. poisoned reports
// which one fired. Used by callers (e.g. open_write_pipe's node) that
// need to drive a DAG node's state from its own pipe's lifecycle
// rather than from a scheduler-managed dispatch.
func (p *Pipe) SetOnClose(fn func(poisoned bool)) {
	p.mu.Lock()
	p.onClose = fn
	p.mu.Unlock()
}

// New constructs a Pipe whose progress handle is already registered
// with q. softCapBytes <= 0 means unbounded (the default): Write never
// blocks on a lagging reader.
func New(q *queue.Queue, progress handle.Handle, softCapBytes int) *Pipe {
	p := &Pipe{q: q, progress: progress, softCapBytes: softCapBytes}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// NewLiteral constructs a pipe pre-closed with fixed content, as used
// for put_value entries in the key-stream store: the value is already
// final, so readers never suspend and no notification queue is needed.
func NewLiteral(value []byte) *Pipe {
	p := &Pipe{progress: handle.None}
	p.cond = sync.NewCond(&p.mu)
	p.buffer = append([]byte(nil), value...)
	p.closed = true
	return p
}

// Progress returns the notification handle signaled on every write and
// on close, i.e. the source node's progress signal.
func (p *Pipe) Progress() handle.Handle { return p.progress }

// Write appends bytes to the buffer, then notifies the progress handle.
// Writing after Close is an error, never a silent no-op. If a soft cap
// is configured, Write blocks until the slowest attached reader has
// advanced enough to make room.
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errs.IO(errs.CodeEPIPE, "write after close")
	}
	if p.softCapBytes > 0 {
		for len(p.buffer)-p.minReaderPos() >= p.softCapBytes && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return 0, errs.IO(errs.CodeEPIPE, "write after close")
		}
	}
	p.buffer = append(p.buffer, b...)
	onWrite := p.onWrite
	p.mu.Unlock()

	if _, err := p.q.Notify(p.progress, int32(len(b))); err != nil {
		return len(b), errs.IO(errs.CodeEIO, "notify progress handle").WithCause(err)
	}
	if onWrite != nil {
		onWrite(len(b))
	}
	return len(b), nil
}

func (p *Pipe) minReaderPos() int {
	if len(p.readers) == 0 {
		return len(p.buffer)
	}
	min := -1
	for _, r := range p.readers {
		if min < 0 || r.pos < min {
			min = r.pos
		}
	}
	return min
}

// Close marks the pipe closed after the last write and notifies the
// progress handle once more so blocked readers observe end-of-stream.
func (p *Pipe) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	onClose := p.onClose
	p.mu.Unlock()
	_, _ = p.q.Notify(p.progress, 0)
	if onClose != nil {
		onClose(false)
	}
}

// Poison marks the pipe as fed by a failed actor. Readers observe
// end-of-stream (Read returns 0) plus IsPoisoned() = true; it is up to
// the downstream actor to decide whether to surface a failure.
func (p *Pipe) Poison() {
	p.mu.Lock()
	p.poisoned = true
	wasClosed := p.closed
	p.closed = true
	p.cond.Broadcast()
	onClose := p.onClose
	p.mu.Unlock()
	if !wasClosed {
		_, _ = p.q.Notify(p.progress, 0)
	}
	if !wasClosed && onClose != nil {
		onClose(true)
	}
}

// IsPoisoned reports whether the writer's node failed.
func (p *Pipe) IsPoisoned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.poisoned
}

// Snapshot returns a copy of the buffer written so far. Used by
// alias_fd to freeze a closed pipe's contents into a value node.
func (p *Pipe) Snapshot() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.buffer))
	copy(out, p.buffer)
	return out
}

// Closed reports whether Close or Poison has been called.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Open returns a new reader positioned at offset 0, per the design's
// late-join semantics: every reader, no matter when attached, sees the
// stream from the beginning.
func (p *Pipe) Open() *Reader {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextReaderID
	p.nextReaderID++
	r := &reader{id: id, pos: 0}
	p.readers = append(p.readers, r)
	return &Reader{p: p, r: r}
}

type reader struct {
	id  int
	pos int
}

// Reader is one reader's position into a Pipe.
type Reader struct {
	p *Pipe
	r *reader
}

// Read copies up to len(buf) bytes starting at the reader's position.
// It returns >0 for bytes copied, 0 for end-of-stream (writer closed
// and the reader has caught up to len(buffer)), and otherwise suspends
// on the pipe's progress handle until more bytes arrive or the writer
// closes.
func (r *Reader) Read(ctx context.Context, buf []byte) (int, error) {
	for {
		r.p.mu.Lock()
		avail := len(r.p.buffer) - r.r.pos
		if avail > 0 {
			n := copy(buf, r.p.buffer[r.r.pos:])
			r.r.pos += n
			r.p.cond.Broadcast()
			r.p.mu.Unlock()
			return n, nil
		}
		if r.p.closed {
			r.p.mu.Unlock()
			return 0, nil
		}
		// Arm the ticket before releasing p.mu, so a Write racing with
		// this check cannot complete its append-then-Notify sequence
		// (which needs p.mu itself) in the gap between the check above
		// and the wait below: Write cannot even start until this
		// unlock happens, and by then the ticket is already armed.
		ticket, err := r.p.q.Arm(r.p.progress)
		r.p.mu.Unlock()
		if err != nil {
			return 0, errs.IO(errs.CodeEIO, "arm progress handle").WithCause(err)
		}

		if _, err := ticket.Wait(ctx); err != nil {
			return 0, errs.IO(errs.CodeEIO, "read suspended on progress handle").WithCause(err)
		}
	}
}

// Close detaches the reader. Idempotent.
func (r *Reader) Close() {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	for i, cand := range r.p.readers {
		if cand == r.r {
			r.p.readers = append(r.p.readers[:i], r.p.readers[i+1:]...)
			break
		}
	}
	r.p.cond.Broadcast()
}
