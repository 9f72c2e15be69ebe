package client

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// OverflowPolicy decides what happens when a request arrives at a full queue.
type OverflowPolicy string

const (
	// OverflowReject fails the new request with ErrQueueFull.
	OverflowReject OverflowPolicy = "reject"

	// OverflowDropOldest fails the oldest pending request with ErrQueueFull
	// and admits the new one.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// QueueStatus is a snapshot of the request queue.
type QueueStatus struct {
	Queued       int     `json:"queued"`
	Active       int     `json:"active"`
	CacheHitRate float64 `json:"cache_hit_rate"`
}

// queuedRequest is a pending request waiting for a concurrency slot.
type queuedRequest struct {
	ctx      context.Context
	method   string
	url      string
	header   map[string][]string
	body     []byte
	config   RequestConfig
	cacheKey string
	endpoint string
	enqueued time.Time

	done chan result
	once sync.Once
}

type result struct {
	resp *Response
	err  error
}

// settle delivers the outcome. Only the first call has effect.
func (q *queuedRequest) settle(resp *Response, err error) {
	q.once.Do(func() {
		q.done <- result{resp: resp, err: err}
	})
}

// requestQueue is a FIFO of pending requests with an active-request counter.
// A request is removed from the list before the counter is incremented, and
// the counter never exceeds maxActive.
type requestQueue struct {
	mu        sync.Mutex
	pending   *list.List
	active    int
	maxActive int
	maxLength int
	overflow  OverflowPolicy

	// closed is set by drainAll; later pushes fail with ErrClientClosed
	closed bool

	wake chan struct{}
}

func newRequestQueue(maxActive, maxLength int, overflow OverflowPolicy) *requestQueue {
	return &requestQueue{
		pending:   list.New(),
		maxActive: maxActive,
		maxLength: maxLength,
		overflow:  overflow,
		wake:      make(chan struct{}, 1),
	}
}

// push appends a request. When the queue is full the overflow policy applies:
// reject returns ErrQueueFull, drop_oldest returns the evicted head.
// A drained queue rejects everything with ErrClientClosed.
func (q *requestQueue) push(req *queuedRequest) (*queuedRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClientClosed
	}

	var dropped *queuedRequest
	if q.maxLength > 0 && q.pending.Len() >= q.maxLength {
		if q.overflow != OverflowDropOldest {
			return nil, ErrQueueFull
		}
		dropped = q.pending.Remove(q.pending.Front()).(*queuedRequest)
	}

	q.pending.PushBack(req)
	queueDepth.Set(float64(q.pending.Len()))
	q.signal()

	return dropped, nil
}

// next pops the head if a slot is free and marks it active.
func (q *requestQueue) next() *queuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active >= q.maxActive {
		return nil
	}
	front := q.pending.Front()
	if front == nil {
		return nil
	}

	req := q.pending.Remove(front).(*queuedRequest)
	q.active++

	queueDepth.Set(float64(q.pending.Len()))
	activeRequests.Set(float64(q.active))
	return req
}

// release frees a slot and wakes the drain loop.
func (q *requestQueue) release() {
	q.mu.Lock()
	q.active--
	activeRequests.Set(float64(q.active))
	q.signal()
	q.mu.Unlock()
}

// drainAll closes the queue and returns every pending request.
func (q *requestQueue) drainAll() []*queuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	out := make([]*queuedRequest, 0, q.pending.Len())
	for e := q.pending.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*queuedRequest))
	}
	q.pending.Init()
	queueDepth.Set(0)
	return out
}

func (q *requestQueue) status() (queued, active int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len(), q.active
}

// signal performs a non-blocking wake-up of the drain loop.
func (q *requestQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
