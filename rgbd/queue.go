package rgbd

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/rgbdinput/rimage"
)

// QueueStats are counters of a FrameQueue.
type QueueStats struct {
	Len     int
	Pushed  uint64
	Pulled  uint64
	Dropped uint64
}

// FrameQueue hands processed frames from the capture loop to a consumer in order. Depth and
// color are kept in two index-aligned sequences that always have the same length. The queue
// holds at most its capacity; what happens when it is full depends on its OverflowPolicy.
type FrameQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	depth    []*rimage.DepthMap
	color    []*rimage.RGB
	capacity int
	policy   OverflowPolicy
	closed   bool
	cause    error

	pushed  uint64
	pulled  uint64
	dropped uint64
}

// NewFrameQueue returns an empty queue. A capacity below 1 is treated as 1.
func NewFrameQueue(capacity int, policy OverflowPolicy) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &FrameQueue{capacity: capacity, policy: policy}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// wake lets every waiter recheck its context.
func (q *FrameQueue) wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Push appends a frame. When the queue is full it either waits for room or drops the oldest
// frame, per policy. It fails once the queue is closed or ctx is done.
func (q *FrameQueue) Push(ctx context.Context, pair *FramePair) error {
	if pair == nil || pair.Depth == nil || pair.Color == nil {
		return errors.New("cannot push an incomplete frame pair")
	}
	stop := context.AfterFunc(ctx, q.wake)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return &StreamClosedError{Cause: q.cause}
		}
		if len(q.depth) < q.capacity {
			break
		}
		if q.policy == OverflowDropOldest {
			q.popFront()
			q.dropped++
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}

	q.depth = append(q.depth, pair.Depth)
	q.color = append(q.color, pair.Color)
	q.pushed++
	q.cond.Broadcast()
	return nil
}

// Pull removes and returns the oldest frame, waiting for one if the queue is empty. Frames
// pushed before Close are still returned; after that Pull returns a StreamClosedError carrying
// the close cause.
func (q *FrameQueue) Pull(ctx context.Context) (*FramePair, error) {
	stop := context.AfterFunc(ctx, q.wake)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.depth) == 0 {
		if q.closed {
			return nil, &StreamClosedError{Cause: q.cause}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}
	pair := q.popFront()
	q.pulled++
	q.cond.Broadcast()
	return pair, nil
}

func (q *FrameQueue) popFront() *FramePair {
	pair := &FramePair{Depth: q.depth[0], Color: q.color[0]}
	q.depth[0], q.color[0] = nil, nil
	q.depth, q.color = q.depth[1:], q.color[1:]
	return pair
}

// Close ends the stream with cause, which may be nil for a normal stop. Waiting pushers fail
// and waiting pullers drain what is left. Only the first cause is kept.
func (q *FrameQueue) Close(cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cause = cause
	q.cond.Broadcast()
}

// Closed reports whether Close was called.
func (q *FrameQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of buffered frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.depth)
}

// Stats returns the queue's counters.
func (q *FrameQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Len: len(q.depth), Pushed: q.pushed, Pulled: q.pulled, Dropped: q.dropped}
}
