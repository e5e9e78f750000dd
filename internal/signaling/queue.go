package signaling

import "sync"

// sendQueue is a byte-bounded FIFO of encoded envelopes waiting for a
// connection's write pump. Enqueue never blocks; an envelope that does not fit
// is dropped.
type sendQueue struct {
	mu       sync.Mutex
	ready    *sync.Cond
	closed   bool
	maxBytes int
	curBytes int
	pending  [][]byte
}

func newSendQueue(maxBytes int) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes}
	q.ready = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) Enqueue(msg []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.curBytes+len(msg) > q.maxBytes {
		return false
	}
	q.pending = append(q.pending, msg)
	q.curBytes += len(msg)
	q.ready.Signal()
	return true
}

// Dequeue blocks until a message is available. After Close it keeps returning
// already queued messages, then reports false.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.closed {
		q.ready.Wait()
	}
	if len(q.pending) == 0 {
		return nil, false
	}
	msg := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.curBytes -= len(msg)
	return msg, true
}

// Close stops accepting new messages and wakes the consumer.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.ready.Broadcast()
}

// Bytes reports how many bytes are queued.
func (q *sendQueue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.curBytes
}
