package aggregator

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/pcfusion/logging"
	"go.viam.com/pcfusion/synchronizer"
)

func TestWatchdogWarnsWithoutTuples(t *testing.T) {
	logger, observed := logging.NewObservedTestLogger(t)
	mock := clock.NewMock()
	topics := []string{"cloud1", "cloud2"}
	w := NewWatchdog(5*time.Second, topics, synchronizer.ExactPolicy{QueueSize: 5}, mock, logger, nil)
	w.Start()
	defer w.Stop()

	mock.Add(5 * time.Second)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, observed.FilterMessage("no synchronized records received").Len(), test.ShouldEqual, 1)
	})

	entry := observed.FilterMessage("no synchronized records received").All()[0]
	fields := entry.ContextMap()
	test.That(t, fields["policy"], test.ShouldEqual, "exact")
	test.That(t, fields["hint"], test.ShouldContainSubstring, "approx_sync")
	test.That(t, fields["topics"], test.ShouldResemble, []interface{}{"cloud1", "cloud2"})
}

func TestWatchdogQuietWhileProducing(t *testing.T) {
	logger, observed := logging.NewObservedTestLogger(t)
	w := NewWatchdog(time.Second, []string{"a", "b"},
		synchronizer.ApproximatePolicy{QueueSize: 5}, clock.NewMock(), logger, nil)

	w.Notify()
	test.That(t, w.check(t.Context()), test.ShouldBeTrue)
	test.That(t, w.check(t.Context()), test.ShouldBeFalse)
	w.Notify()
	test.That(t, w.check(t.Context()), test.ShouldBeTrue)

	warnings := observed.FilterMessage("no synchronized records received").All()
	test.That(t, warnings, test.ShouldHaveLength, 1)
	_, hasHint := warnings[0].ContextMap()["hint"]
	test.That(t, hasHint, test.ShouldBeFalse)
	test.That(t, warnings[0].ContextMap()["policy"], test.ShouldEqual, "approximate")
}

func TestWatchdogDisabled(t *testing.T) {
	logger := logging.NewTestLogger(t)
	w := NewWatchdog(0, nil, synchronizer.ExactPolicy{QueueSize: 1}, clock.NewMock(), logger, nil)
	w.Start()
	test.That(t, w.workers, test.ShouldBeNil)
	w.Stop()
}
