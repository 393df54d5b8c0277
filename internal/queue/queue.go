// Package queue orders accepted requests by their Lamport clock and feeds
// them to a single processor goroutine.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"pkt.systems/aggrd/internal/loggingutil"
	"pkt.systems/aggrd/internal/weather"
	"pkt.systems/aggrd/internal/wire"
	"pkt.systems/pslog"
)

// ErrClosed is returned by Push and Take after Close.
var ErrClosed = errors.New("queue: closed")

// Result is what the processor hands back to the waiting connection handler.
type Result struct {
	Status int
	Body   []byte
}

// Request is a unit of work admitted by a connection handler. Requests with
// lower clocks are taken first; equal clocks apply in arrival order.
type Request struct {
	Op      wire.Op
	Station string
	Clock   uint64

	// Observation carries the decoded PUT payload. Zero for GET.
	Observation weather.Observation
	// WasNew records whether the station was absent when the handler
	// sampled the store, which selects 201 over 200 for PUT.
	WasNew bool

	seq  uint64
	done chan Result
	once sync.Once
}

// NewRequest builds a request with its result channel ready.
func NewRequest(op wire.Op, station string, clk uint64) *Request {
	return &Request{Op: op, Station: station, Clock: clk, done: make(chan Result, 1)}
}

// Resolve completes the request exactly once. Later calls are ignored, so a
// handler that gave up waiting never races the processor.
func (r *Request) Resolve(res Result) {
	r.once.Do(func() {
		r.done <- res
	})
}

// Done yields the result once the processor has applied the request.
func (r *Request) Done() <-chan Result {
	return r.done
}

// Queue is a Lamport-ordered min-heap with a blocking Take.
type Queue struct {
	logger pslog.Logger

	mu      sync.Mutex
	items   requestHeap
	nextSeq uint64
	closed  bool

	wake    chan struct{}
	closing chan struct{}
}

// New builds an empty queue.
func New(logger pslog.Logger) *Queue {
	return &Queue{
		logger:  loggingutil.WithSubsystem(loggingutil.EnsureLogger(logger), "queue"),
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
}

// Push admits a request, ordering it behind any pending request with a
// smaller clock.
func (q *Queue) Push(req *Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	req.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.items, req)
	depth := q.items.Len()
	q.mu.Unlock()

	q.signal()
	q.logger.Trace("queue.push", "op", string(req.Op), "station", req.Station, "clock", req.Clock, "depth", depth)
	return nil
}

// Take blocks until the lowest-clock request is available, the context is
// cancelled, or the queue is closed. Close wins over pending items: a
// consumer never receives work admitted before shutdown.
func (q *Queue) Take(ctx context.Context) (*Request, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if q.items.Len() > 0 {
			req := heap.Pop(&q.items).(*Request)
			q.mu.Unlock()
			return req, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.closing:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len reports the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close rejects further pushes and unblocks pending Take calls. Requests
// still queued are dropped unapplied; their callers time out on their own.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	abandoned := q.items.Len()
	q.items = nil
	q.mu.Unlock()

	close(q.closing)
	if abandoned > 0 {
		q.logger.Debug("queue.close.abandoned", "pending", abandoned)
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].Clock != h[j].Clock {
		return h[i].Clock < h[j].Clock
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) {
	*h = append(*h, x.(*Request))
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return req
}
