package relay

import (
	"errors"
	"sync"
)

var (
	errOutboxClosed = errors.New("outbox closed")
	errOutboxFull   = errors.New("outbox full")
)

// outbox is a byte-bounded FIFO of encoded messages waiting for the
// connection's writer. Enqueue never blocks, so store callbacks never wait on
// a slow socket.
type outbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	msgs     [][]byte
}

func newOutbox(maxBytes int) *outbox {
	q := &outbox{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends msg if it fits within the byte budget.
func (q *outbox) Enqueue(msg []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errOutboxClosed
	}
	if q.maxBytes > 0 && q.curBytes+len(msg) > q.maxBytes {
		return errOutboxFull
	}
	q.msgs = append(q.msgs, msg)
	q.curBytes += len(msg)
	q.notEmpty.Signal()
	return nil
}

// Dequeue blocks until a message is available. After Close it keeps
// returning queued messages and reports false once the queue is drained.
func (q *outbox) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.msgs) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.msgs) == 0 {
		return nil, false
	}
	msg := q.msgs[0]
	q.msgs[0] = nil
	q.msgs = q.msgs[1:]
	q.curBytes -= len(msg)
	return msg, true
}

// Close stops accepting messages. Already queued messages stay available to
// Dequeue.
func (q *outbox) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// Discard drops every queued message.
func (q *outbox) Discard() {
	q.mu.Lock()
	q.msgs = nil
	q.curBytes = 0
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
