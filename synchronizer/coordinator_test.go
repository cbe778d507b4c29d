package synchronizer

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/pcfusion/logging"
	"go.viam.com/pcfusion/pointcloud"
)

var epoch = time.Unix(1700000000, 0)

func recordAt(ms int) *pointcloud.Record {
	return pointcloud.NewXYZRecord(pointcloud.Header{Stamp: epoch.Add(time.Duration(ms) * time.Millisecond)}, nil)
}

type collector struct {
	mu     sync.Mutex
	tuples [][]*pointcloud.Record
	drops  []string
}

func (c *collector) handle(tuple []*pointcloud.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tuples = append(c.tuples, tuple)
}

func (c *collector) drop(channel int, rec *pointcloud.Record, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drops = append(c.drops, reason)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tuples)
}

func newTestCoordinator(t *testing.T, n int, policy Policy) (*Coordinator, *collector) {
	t.Helper()
	col := &collector{}
	c, err := NewCoordinator(n, policy, col.handle,
		WithDropHandler(col.drop), WithLogger(logging.NewTestLogger(t)))
	test.That(t, err, test.ShouldBeNil)
	return c, col
}

func TestNewCoordinatorValidation(t *testing.T) {
	handler := func([]*pointcloud.Record) {}
	for _, n := range []int{0, 1, 5} {
		_, err := NewCoordinator(n, ExactPolicy{QueueSize: 5}, handler)
		test.That(t, err, test.ShouldNotBeNil)
	}
	_, err := NewCoordinator(2, ExactPolicy{}, handler)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "queue size")
	_, err = NewCoordinator(2, ApproximatePolicy{QueueSize: 5, MaxInterval: -time.Second}, handler)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewCoordinator(2, nil, handler)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewCoordinator(2, ExactPolicy{QueueSize: 5}, nil)
	test.That(t, err, test.ShouldNotBeNil)

	c, err := NewCoordinator(4, ApproximatePolicy{QueueSize: 5}, handler)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Channels(), test.ShouldEqual, 4)
	test.That(t, c.Policy().String(), test.ShouldEqual, "approximate")
	test.That(t, c.Add(4, recordAt(0)), test.ShouldNotBeNil)
	test.That(t, c.Add(0, nil), test.ShouldNotBeNil)
}

func TestExactSync(t *testing.T) {
	t.Run("identical stamps", func(t *testing.T) {
		c, col := newTestCoordinator(t, 2, ExactPolicy{QueueSize: 5})
		a, b := recordAt(100), recordAt(100)
		test.That(t, c.Add(0, a), test.ShouldBeNil)
		test.That(t, col.count(), test.ShouldEqual, 0)
		test.That(t, c.Add(1, b), test.ShouldBeNil)
		test.That(t, col.tuples, test.ShouldHaveLength, 1)
		test.That(t, col.tuples[0][0], test.ShouldEqual, a)
		test.That(t, col.tuples[0][1], test.ShouldEqual, b)
	})

	t.Run("one millisecond apart", func(t *testing.T) {
		c, col := newTestCoordinator(t, 2, ExactPolicy{QueueSize: 5})
		test.That(t, c.Add(0, recordAt(100)), test.ShouldBeNil)
		test.That(t, c.Add(1, recordAt(101)), test.ShouldBeNil)
		test.That(t, col.count(), test.ShouldEqual, 0)
	})

	t.Run("older stamps are discarded", func(t *testing.T) {
		c, col := newTestCoordinator(t, 3, ExactPolicy{QueueSize: 5})
		test.That(t, c.Add(0, recordAt(100)), test.ShouldBeNil)
		test.That(t, c.Add(0, recordAt(101)), test.ShouldBeNil)
		test.That(t, c.Add(1, recordAt(101)), test.ShouldBeNil)
		test.That(t, c.Add(2, recordAt(100)), test.ShouldBeNil)
		test.That(t, c.Add(2, recordAt(101)), test.ShouldBeNil)
		test.That(t, col.count(), test.ShouldEqual, 1)
		test.That(t, col.tuples[0][0].Stamp, test.ShouldEqual, epoch.Add(101*time.Millisecond))
		test.That(t, col.drops, test.ShouldResemble, []string{reasonSuperseded, reasonSuperseded})

		// 100 is gone from every queue
		test.That(t, c.Add(1, recordAt(100)), test.ShouldBeNil)
		test.That(t, col.count(), test.ShouldEqual, 1)
	})

	t.Run("out of order stamps", func(t *testing.T) {
		c, col := newTestCoordinator(t, 2, ExactPolicy{QueueSize: 5})
		test.That(t, c.Add(0, recordAt(101)), test.ShouldBeNil)
		test.That(t, c.Add(0, recordAt(100)), test.ShouldBeNil)
		test.That(t, c.Add(1, recordAt(100)), test.ShouldBeNil)
		test.That(t, c.Add(1, recordAt(101)), test.ShouldBeNil)
		test.That(t, col.count(), test.ShouldEqual, 2)
		test.That(t, col.drops, test.ShouldBeEmpty)
	})

	t.Run("queue size", func(t *testing.T) {
		c, col := newTestCoordinator(t, 2, ExactPolicy{QueueSize: 2})
		for _, ms := range []int{1, 2, 3} {
			test.That(t, c.Add(0, recordAt(ms)), test.ShouldBeNil)
		}
		test.That(t, col.drops, test.ShouldResemble, []string{reasonQueueFull})
		test.That(t, c.Add(1, recordAt(1)), test.ShouldBeNil)
		test.That(t, col.count(), test.ShouldEqual, 0)
		test.That(t, c.Add(1, recordAt(2)), test.ShouldBeNil)
		test.That(t, col.count(), test.ShouldEqual, 1)
	})

	t.Run("duplicate stamp", func(t *testing.T) {
		c, col := newTestCoordinator(t, 2, ExactPolicy{QueueSize: 2})
		first, second := recordAt(5), recordAt(5)
		test.That(t, c.Add(0, first), test.ShouldBeNil)
		test.That(t, c.Add(0, second), test.ShouldBeNil)
		test.That(t, c.Add(1, recordAt(5)), test.ShouldBeNil)
		test.That(t, col.drops, test.ShouldResemble, []string{reasonDuplicate})
		test.That(t, col.tuples[0][0], test.ShouldEqual, second)
	})
}

func TestApproximateSync(t *testing.T) {
	const w = 10

	t.Run("spread equal to the window", func(t *testing.T) {
		c, col := newTestCoordinator(t, 2, ApproximatePolicy{QueueSize: 5, MaxInterval: w * time.Millisecond})
		test.That(t, c.Add(0, recordAt(100)), test.ShouldBeNil)
		test.That(t, c.Add(1, recordAt(100+w)), test.ShouldBeNil)
		test.That(t, col.count(), test.ShouldEqual, 1)
	})

	t.Run("spread past the window", func(t *testing.T) {
		c, col := newTestCoordinator(t, 2, ApproximatePolicy{QueueSize: 5, MaxInterval: w * time.Millisecond})
		test.That(t, c.Add(0, recordAt(100)), test.ShouldBeNil)
		test.That(t, c.Add(1, recordAt(100+w+1)), test.ShouldBeNil)
		test.That(t, col.count(), test.ShouldEqual, 0)
		test.That(t, col.drops, test.ShouldResemble, []string{reasonAgedOut})

		// the later record still pairs with a newer one
		test.That(t, c.Add(0, recordAt(100+w+3)), test.ShouldBeNil)
		test.That(t, col.count(), test.ShouldEqual, 1)
	})

	t.Run("smallest spread wins", func(t *testing.T) {
		c, col := newTestCoordinator(t, 2, ApproximatePolicy{QueueSize: 5})
		test.That(t, c.Add(0, recordAt(100)), test.ShouldBeNil)
		test.That(t, c.Add(0, recordAt(110)), test.ShouldBeNil)
		test.That(t, c.Add(1, recordAt(108)), test.ShouldBeNil)
		test.That(t, col.count(), test.ShouldEqual, 1)
		test.That(t, col.tuples[0][0].Stamp, test.ShouldEqual, epoch.Add(110*time.Millisecond))
		test.That(t, col.tuples[0][1].Stamp, test.ShouldEqual, epoch.Add(108*time.Millisecond))
		test.That(t, col.drops, test.ShouldResemble, []string{reasonSuperseded})
	})

	t.Run("four channels", func(t *testing.T) {
		c, col := newTestCoordinator(t, 4, ApproximatePolicy{QueueSize: 5, MaxInterval: 5 * time.Millisecond})
		for i, ms := range []int{200, 203, 201, 204} {
			test.That(t, c.Add(i, recordAt(ms)), test.ShouldBeNil)
		}
		test.That(t, col.count(), test.ShouldEqual, 1)
		test.That(t, col.tuples[0], test.ShouldHaveLength, 4)
		test.That(t, col.tuples[0][3].Stamp, test.ShouldEqual, epoch.Add(204*time.Millisecond))
	})

	t.Run("queue size", func(t *testing.T) {
		c, col := newTestCoordinator(t, 2, ApproximatePolicy{QueueSize: 1})
		test.That(t, c.Add(0, recordAt(1)), test.ShouldBeNil)
		test.That(t, c.Add(0, recordAt(2)), test.ShouldBeNil)
		test.That(t, col.drops, test.ShouldResemble, []string{reasonQueueFull})
		test.That(t, c.Add(1, recordAt(3)), test.ShouldBeNil)
		test.That(t, col.tuples[0][0].Stamp, test.ShouldEqual, epoch.Add(2*time.Millisecond))
	})
}

func TestCoordinatorSerializesHandler(t *testing.T) {
	var inFlight, maxInFlight, handled atomic.Int32
	handler := func(tuple []*pointcloud.Record) {
		cur := inFlight.Inc()
		if cur > maxInFlight.Load() {
			maxInFlight.Store(cur)
		}
		time.Sleep(time.Millisecond)
		inFlight.Dec()
		handled.Inc()
	}
	c, err := NewCoordinator(2, ExactPolicy{QueueSize: 100}, handler)
	test.That(t, err, test.ShouldBeNil)

	const tuples = 50
	var wg sync.WaitGroup
	for ch := 0; ch < 2; ch++ {
		wg.Add(1)
		go func(ch int) {
			defer wg.Done()
			for i := 0; i < tuples; i++ {
				test.That(t, c.Add(ch, recordAt(i)), test.ShouldBeNil)
			}
		}(ch)
	}
	wg.Wait()
	test.That(t, maxInFlight.Load(), test.ShouldEqual, 1)
	test.That(t, handled.Load(), test.ShouldBeGreaterThan, 0)
	test.That(t, handled.Load(), test.ShouldBeLessThanOrEqualTo, tuples)
}

func TestCoordinatorClose(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	c, err := NewCoordinator(2, ExactPolicy{QueueSize: 5}, func([]*pointcloud.Record) {
		close(started)
		<-release
	})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, c.Add(0, recordAt(1)), test.ShouldBeNil)
	go func() {
		c.Add(1, recordAt(1))
	}()
	<-started

	var closed atomic.Bool
	go func() {
		c.Close()
		closed.Store(true)
	}()
	time.Sleep(20 * time.Millisecond)
	test.That(t, closed.Load(), test.ShouldBeFalse)

	close(release)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, closed.Load(), test.ShouldBeTrue)
	})
	test.That(t, errors.Is(c.Add(0, recordAt(2)), ErrClosed), test.ShouldBeTrue)
}
