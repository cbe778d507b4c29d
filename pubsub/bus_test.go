package pubsub

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/pcfusion/pointcloud"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a, err := bus.Subscribe("combined_cloud", 1)
	test.That(t, err, test.ShouldBeNil)
	b, err := bus.Subscribe("combined_cloud", 1)
	test.That(t, err, test.ShouldBeNil)
	other, err := bus.Subscribe("cloud1", 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a.ID().String(), test.ShouldNotEqual, b.ID().String())
	test.That(t, a.Topic(), test.ShouldEqual, "combined_cloud")

	test.That(t, bus.NumSubscribers("combined_cloud"), test.ShouldEqual, 2)
	test.That(t, bus.NumSubscribers("cloud2"), test.ShouldEqual, 0)

	rec := pointcloud.NewXYZRecord(pointcloud.Header{FrameID: "F"}, nil)
	n, err := bus.Publish("combined_cloud", rec)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 2)
	test.That(t, <-a.C(), test.ShouldEqual, rec)
	test.That(t, <-b.C(), test.ShouldEqual, rec)
	test.That(t, len(other.C()), test.ShouldEqual, 0)
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub, err := bus.Subscribe("cloud1", 1)
	test.That(t, err, test.ShouldBeNil)

	first := pointcloud.NewXYZRecord(pointcloud.Header{FrameID: "first"}, nil)
	second := pointcloud.NewXYZRecord(pointcloud.Header{FrameID: "second"}, nil)
	n, err := bus.Publish("cloud1", first)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 1)
	n, err = bus.Publish("cloud1", second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 0)

	// the newest record is the one dropped
	test.That(t, <-sub.C(), test.ShouldEqual, first)

	stats := bus.Stats()
	test.That(t, stats.Published, test.ShouldEqual, 2)
	test.That(t, stats.Sent, test.ShouldEqual, 1)
	test.That(t, stats.Dropped, test.ShouldEqual, 1)
	test.That(t, stats.Subscriptions[sub.ID()].Topic, test.ShouldEqual, "cloud1")
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	sub, err := bus.Subscribe("cloud1", 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cap(sub.ch), test.ShouldEqual, DefaultBuffer)

	test.That(t, sub.Close(), test.ShouldBeNil)
	_, ok := <-sub.C()
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, errors.Is(sub.Close(), ErrSubscriptionClosed), test.ShouldBeTrue)
	test.That(t, bus.NumSubscribers("cloud1"), test.ShouldEqual, 0)

	_, err = bus.Subscribe("", 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	sub, err := bus.Subscribe("cloud1", 1)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, bus.Close(), test.ShouldBeNil)
	_, ok := <-sub.C()
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, errors.Is(bus.Close(), ErrBusClosed), test.ShouldBeTrue)
	test.That(t, errors.Is(sub.Close(), ErrBusClosed), test.ShouldBeTrue)
	_, err = bus.Subscribe("cloud1", 1)
	test.That(t, errors.Is(err, ErrBusClosed), test.ShouldBeTrue)
	_, err = bus.Publish("cloud1", nil)
	test.That(t, errors.Is(err, ErrBusClosed), test.ShouldBeTrue)
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub, err := bus.Subscribe("cloud1", 1000)
	test.That(t, err, test.ShouldBeNil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish("cloud1", pointcloud.NewXYZRecord(pointcloud.Header{}, nil))
			}
		}()
	}
	wg.Wait()
	test.That(t, len(sub.C()), test.ShouldEqual, 500)
	test.That(t, bus.Stats().Sent, test.ShouldEqual, 500)
}
