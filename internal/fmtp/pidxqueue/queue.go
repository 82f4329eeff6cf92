// Package pidxqueue implements the Product-Index Queue: an unbounded,
// strictly FIFO mutex+condition-variable queue of missed-product indices
// awaiting a retransmission request.
package pidxqueue

import (
	"sync"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
)

// Queue is a bounded-memory-but-unbounded-capacity FIFO of product
// indices, matching the spec's blocking-dequeue contract.
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	entries   []uint32
	cancelled bool
}

// New creates an empty Queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add appends index to the tail of the queue. Duplicates are permitted.
func (q *Queue) Add(index uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, index)
	q.cond.Signal()
}

// RemoveNoWait pops the head without blocking. Returns fmtperr NOENT if
// empty.
func (q *Queue) RemoveNoWait() (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return 0, fmtperr.New(fmtperr.NOENT, "pidxqueue: empty")
	}
	return q.popLocked(), nil
}

// Remove blocks until an entry arrives or the queue is canceled, in which
// case it returns fmtperr CANCELED.
func (q *Queue) Remove() (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) == 0 && !q.cancelled {
		q.cond.Wait()
	}
	if q.cancelled && len(q.entries) == 0 {
		return 0, fmtperr.New(fmtperr.CANCELED, "pidxqueue: canceled")
	}
	return q.popLocked(), nil
}

func (q *Queue) popLocked() uint32 {
	v := q.entries[0]
	q.entries = q.entries[1:]
	return v
}

// Count returns the current number of queued entries.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Cancel releases all blocked waiters with CANCELED. Idempotent.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = true
	q.cond.Broadcast()
}
