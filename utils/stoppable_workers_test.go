package utils

import (
	"context"
	"testing"

	"go.uber.org/atomic"
	"go.viam.com/test"
)

func TestStoppableWorkers(t *testing.T) {
	var running, finished atomic.Int32
	started := make(chan struct{}, 3)
	worker := func(ctx context.Context) {
		running.Inc()
		started <- struct{}{}
		<-ctx.Done()
		finished.Inc()
	}

	sw := NewStoppableWorkers(worker, worker)
	test.That(t, sw.AddWorkers(worker), test.ShouldBeTrue)
	for i := 0; i < 3; i++ {
		<-started
	}
	test.That(t, running.Load(), test.ShouldEqual, 3)

	sw.Stop()
	test.That(t, finished.Load(), test.ShouldEqual, 3)
	test.That(t, sw.Context().Err(), test.ShouldNotBeNil)

	test.That(t, sw.AddWorkers(worker), test.ShouldBeFalse)
	test.That(t, running.Load(), test.ShouldEqual, 3)
}

func TestStoppableWorkersParentContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sw := NewStoppableWorkersWithContext(parent, func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	cancel()
	<-done
	sw.Stop()
}

func TestStoppableWorkersPanic(t *testing.T) {
	sw := NewStoppableWorkers(func(context.Context) {
		panic("boom")
	})
	sw.Stop()
}
