package rgbd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.viam.com/test"

	"go.viam.com/rgbdinput/rimage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// numberedPair returns a 1x1 frame whose depth and color both encode n.
func numberedPair(n int) *FramePair {
	depth := rimage.NewEmptyDepthMap(1, 1)
	depth.Set(0, 0, rimage.Depth(n))
	color := rimage.NewRGB(1, 1)
	color.SetRGB255(0, 0, uint8(n), uint8(n>>8), 0)
	return &FramePair{Depth: depth, Color: color}
}

func pairNumber(t *testing.T, pair *FramePair) int {
	t.Helper()
	d := int(pair.Depth.GetDepth(0, 0))
	r, g, _ := pair.Color.RGB255At(0, 0)
	test.That(t, int(r)|int(g)<<8, test.ShouldEqual, d&0xffff)
	return d
}

func checkAligned(t *testing.T, q *FrameQueue) {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	test.That(t, len(q.depth), test.ShouldEqual, len(q.color))
}

func TestFrameQueueFIFO(t *testing.T) {
	q := NewFrameQueue(16, OverflowBlock)
	for i := 0; i < 10; i++ {
		test.That(t, q.Push(context.Background(), numberedPair(i)), test.ShouldBeNil)
		checkAligned(t, q)
	}
	test.That(t, q.Len(), test.ShouldEqual, 10)
	for i := 0; i < 10; i++ {
		pair, err := q.Pull(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pairNumber(t, pair), test.ShouldEqual, i)
		checkAligned(t, q)
	}
	test.That(t, q.Stats(), test.ShouldResemble, QueueStats{Len: 0, Pushed: 10, Pulled: 10})
}

func TestFrameQueueRejectsIncompletePairs(t *testing.T) {
	q := NewFrameQueue(1, OverflowBlock)
	test.That(t, q.Push(context.Background(), nil), test.ShouldBeError)
	test.That(t, q.Push(context.Background(), &FramePair{Depth: rimage.NewEmptyDepthMap(1, 1)}), test.ShouldBeError)
	test.That(t, q.Len(), test.ShouldEqual, 0)
}

func TestFrameQueuePullBlocksUntilPush(t *testing.T) {
	q := NewFrameQueue(4, OverflowBlock)
	pulled := make(chan *FramePair)
	go func() {
		pair, err := q.Pull(context.Background())
		if err != nil {
			close(pulled)
			return
		}
		pulled <- pair
	}()

	select {
	case <-pulled:
		t.Fatal("pull returned from an empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	want := numberedPair(42)
	test.That(t, q.Push(context.Background(), want), test.ShouldBeNil)
	select {
	case got := <-pulled:
		test.That(t, got.Depth, test.ShouldEqual, want.Depth)
		test.That(t, got.Color, test.ShouldEqual, want.Color)
	case <-time.After(5 * time.Second):
		t.Fatal("pull did not wake up after push")
	}
}

func TestFrameQueuePullContext(t *testing.T) {
	q := NewFrameQueue(4, OverflowBlock)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Pull(ctx)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)
}

func TestFrameQueueBlockPolicy(t *testing.T) {
	q := NewFrameQueue(2, OverflowBlock)
	test.That(t, q.Push(context.Background(), numberedPair(0)), test.ShouldBeNil)
	test.That(t, q.Push(context.Background(), numberedPair(1)), test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Push(ctx, numberedPair(2))
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)

	pushed := make(chan error, 1)
	go func() {
		pushed <- q.Push(context.Background(), numberedPair(2))
	}()
	pair, err := q.Pull(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pairNumber(t, pair), test.ShouldEqual, 0)
	test.That(t, <-pushed, test.ShouldBeNil)

	for _, want := range []int{1, 2} {
		pair, err := q.Pull(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pairNumber(t, pair), test.ShouldEqual, want)
	}
	test.That(t, q.Stats().Dropped, test.ShouldEqual, uint64(0))
}

func TestFrameQueueDropOldest(t *testing.T) {
	q := NewFrameQueue(3, OverflowDropOldest)
	for i := 0; i < 5; i++ {
		test.That(t, q.Push(context.Background(), numberedPair(i)), test.ShouldBeNil)
		checkAligned(t, q)
	}
	stats := q.Stats()
	test.That(t, stats.Len, test.ShouldEqual, 3)
	test.That(t, stats.Dropped, test.ShouldEqual, uint64(2))
	for _, want := range []int{2, 3, 4} {
		pair, err := q.Pull(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pairNumber(t, pair), test.ShouldEqual, want)
	}
}

func TestFrameQueueClose(t *testing.T) {
	q := NewFrameQueue(4, OverflowBlock)
	test.That(t, q.Push(context.Background(), numberedPair(7)), test.ShouldBeNil)

	cause := errors.New("usb gone")
	q.Close(cause)
	q.Close(errors.New("ignored"))
	test.That(t, q.Closed(), test.ShouldBeTrue)

	err := q.Push(context.Background(), numberedPair(8))
	test.That(t, errors.Is(err, ErrStreamClosed), test.ShouldBeTrue)

	// buffered frames survive the close
	pair, err := q.Pull(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pairNumber(t, pair), test.ShouldEqual, 7)

	_, err = q.Pull(context.Background())
	test.That(t, errors.Is(err, ErrStreamClosed), test.ShouldBeTrue)
	test.That(t, errors.Is(err, cause), test.ShouldBeTrue)
	var closedErr *StreamClosedError
	test.That(t, errors.As(err, &closedErr), test.ShouldBeTrue)
	test.That(t, closedErr.Cause, test.ShouldEqual, cause)
}

func TestFrameQueueCloseWakesWaiters(t *testing.T) {
	q := NewFrameQueue(1, OverflowBlock)
	test.That(t, q.Push(context.Background(), numberedPair(0)), test.ShouldBeNil)

	var wg sync.WaitGroup
	var pushErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		pushErr = q.Push(context.Background(), numberedPair(1))
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close(nil)
	wg.Wait()
	test.That(t, errors.Is(pushErr, ErrStreamClosed), test.ShouldBeTrue)

	empty := NewFrameQueue(1, OverflowBlock)
	var pullErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, pullErr = empty.Pull(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	empty.Close(nil)
	wg.Wait()
	test.That(t, errors.Is(pullErr, ErrStreamClosed), test.ShouldBeTrue)
}

func TestFrameQueueStress(t *testing.T) {
	const n = 10000
	for _, policy := range []OverflowPolicy{OverflowBlock, OverflowDropOldest} {
		t.Run(string(policy), func(t *testing.T) {
			q := NewFrameQueue(8, policy)
			producerErr := make(chan error, 1)
			go func() {
				for i := 0; i < n; i++ {
					if err := q.Push(context.Background(), numberedPair(i)); err != nil {
						producerErr <- err
						return
					}
				}
				q.Close(nil)
				producerErr <- nil
			}()

			last := -1
			count := 0
			for {
				pair, err := q.Pull(context.Background())
				if errors.Is(err, ErrStreamClosed) {
					break
				}
				test.That(t, err, test.ShouldBeNil)
				got := pairNumber(t, pair)
				test.That(t, got, test.ShouldBeGreaterThan, last)
				if policy == OverflowBlock {
					test.That(t, got, test.ShouldEqual, last+1)
				}
				last = got
				count++
			}
			test.That(t, <-producerErr, test.ShouldBeNil)
			checkAligned(t, q)

			stats := q.Stats()
			test.That(t, stats.Pushed, test.ShouldEqual, uint64(n))
			test.That(t, uint64(count)+stats.Dropped, test.ShouldEqual, uint64(n))
			test.That(t, last, test.ShouldEqual, n-1)
			if policy == OverflowBlock {
				test.That(t, count, test.ShouldEqual, n)
			}
		})
	}
}
