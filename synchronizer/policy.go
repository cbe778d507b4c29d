package synchronizer

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/pcfusion/pointcloud"
)

// Policy decides when buffered records form a tuple.
type Policy interface {
	fmt.Stringer
	// Validate returns an error if the policy parameters are unusable.
	Validate() error
	newMatcher(n int) matcher
}

// drop is a record removed from a queue without being part of a tuple.
type drop struct {
	channel int
	record  *pointcloud.Record
	reason  string
}

// matcher is the per-policy queue state. It is only accessed under the coordinator lock.
type matcher interface {
	add(channel int, rec *pointcloud.Record) ([]*pointcloud.Record, []drop)
}

const (
	reasonQueueFull  = "queue full"
	reasonSuperseded = "older than an emitted tuple"
	reasonDuplicate  = "replaced by a record with the same stamp"
	reasonAgedOut    = "no partner within the max interval"
)

// ExactPolicy only groups records whose stamps are identical.
type ExactPolicy struct {
	// QueueSize is the number of distinct stamps buffered per channel.
	QueueSize int
}

func (p ExactPolicy) String() string {
	return "exact"
}

// Validate returns an error if the queue size is not positive.
func (p ExactPolicy) Validate() error {
	if p.QueueSize < 1 {
		return errors.Errorf("queue size must be at least 1, got %d", p.QueueSize)
	}
	return nil
}

func (p ExactPolicy) newMatcher(n int) matcher {
	m := &exactMatcher{queueSize: p.QueueSize, queues: make([]map[int64]*pointcloud.Record, n)}
	for i := range m.queues {
		m.queues[i] = map[int64]*pointcloud.Record{}
	}
	return m
}

type exactMatcher struct {
	queueSize int
	queues    []map[int64]*pointcloud.Record
}

func (m *exactMatcher) add(channel int, rec *pointcloud.Record) ([]*pointcloud.Record, []drop) {
	var drops []drop
	key := rec.Stamp.UnixNano()
	q := m.queues[channel]
	if old, ok := q[key]; ok {
		drops = append(drops, drop{channel, old, reasonDuplicate})
	}
	q[key] = rec
	if len(q) > m.queueSize {
		oldest := oldestKey(q)
		drops = append(drops, drop{channel, q[oldest], reasonQueueFull})
		delete(q, oldest)
	}

	tuple := make([]*pointcloud.Record, len(m.queues))
	for i, other := range m.queues {
		r, ok := other[key]
		if !ok {
			return nil, drops
		}
		tuple[i] = r
	}
	for i, other := range m.queues {
		for k, r := range other {
			switch {
			case k == key:
				delete(other, k)
			case k < key:
				drops = append(drops, drop{i, r, reasonSuperseded})
				delete(other, k)
			}
		}
	}
	return tuple, drops
}

func oldestKey(q map[int64]*pointcloud.Record) int64 {
	first := true
	var oldest int64
	for k := range q {
		if first || k < oldest {
			oldest, first = k, false
		}
	}
	return oldest
}

// ApproximatePolicy groups one record per channel whose stamps lie within MaxInterval of each
// other, preferring the tuple with the smallest spread.
//
// A tuple is emitted as soon as every channel holds a record that fits, choosing among the
// records buffered at that moment; a closer partner arriving later is not waited for. With an
// unbounded MaxInterval any records pair up, however far apart their stamps are.
type ApproximatePolicy struct {
	// QueueSize is the number of records buffered per channel.
	QueueSize int
	// MaxInterval bounds the spread of a tuple. Zero means unbounded.
	MaxInterval time.Duration
}

func (p ApproximatePolicy) String() string {
	if p.MaxInterval == 0 {
		return "approximate"
	}
	return fmt.Sprintf("approximate (max interval %v)", p.MaxInterval)
}

// Validate returns an error if the queue size is not positive or the interval is negative.
func (p ApproximatePolicy) Validate() error {
	if p.QueueSize < 1 {
		return errors.Errorf("queue size must be at least 1, got %d", p.QueueSize)
	}
	if p.MaxInterval < 0 {
		return errors.Errorf("max interval must not be negative, got %v", p.MaxInterval)
	}
	return nil
}

func (p ApproximatePolicy) newMatcher(n int) matcher {
	return &approximateMatcher{
		queueSize:   p.QueueSize,
		maxInterval: p.MaxInterval,
		queues:      make([][]*pointcloud.Record, n),
	}
}

// approximateMatcher keeps each queue sorted by stamp, oldest first.
type approximateMatcher struct {
	queueSize   int
	maxInterval time.Duration
	queues      [][]*pointcloud.Record
}

func (m *approximateMatcher) add(channel int, rec *pointcloud.Record) ([]*pointcloud.Record, []drop) {
	var drops []drop
	q := m.queues[channel]
	idx := sort.Search(len(q), func(i int) bool { return q[i].Stamp.After(rec.Stamp) })
	q = append(q, nil)
	copy(q[idx+1:], q[idx:])
	q[idx] = rec
	if len(q) > m.queueSize {
		drops = append(drops, drop{channel, q[0], reasonQueueFull})
		q = q[1:]
	}
	m.queues[channel] = q

	drops = append(drops, m.ageOut()...)

	chosen := m.bestTuple()
	if chosen == nil {
		return nil, drops
	}
	tuple := make([]*pointcloud.Record, len(m.queues))
	for i, at := range chosen {
		tuple[i] = m.queues[i][at]
		for _, r := range m.queues[i][:at] {
			drops = append(drops, drop{i, r, reasonSuperseded})
		}
		m.queues[i] = m.queues[i][at+1:]
	}
	return tuple, drops
}

func within(a, b time.Time, d time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= d
}

// ageOut removes records that can no longer be part of a tuple: some other channel has already
// moved past stamp+MaxInterval without holding a record within MaxInterval of it.
func (m *approximateMatcher) ageOut() []drop {
	if m.maxInterval == 0 {
		return nil
	}
	var drops []drop
	stale := func(channel int, r *pointcloud.Record) bool {
		for other, oq := range m.queues {
			if other == channel || len(oq) == 0 {
				continue
			}
			if !oq[len(oq)-1].Stamp.After(r.Stamp.Add(m.maxInterval)) {
				continue
			}
			partner := false
			for _, o := range oq {
				if within(o.Stamp, r.Stamp, m.maxInterval) {
					partner = true
					break
				}
			}
			if !partner {
				return true
			}
		}
		return false
	}

	for channel, q := range m.queues {
		kept := make([]*pointcloud.Record, 0, len(q))
		for _, r := range q {
			if stale(channel, r) {
				drops = append(drops, drop{channel, r, reasonAgedOut})
				continue
			}
			kept = append(kept, r)
		}
		m.queues[channel] = kept
	}
	return drops
}

// bestTuple returns the queue index chosen on each channel for the tuple with the smallest
// spread, or nil if no tuple is within MaxInterval. For a given newest member (the pivot)
// the best choice on every other channel is its latest record not newer than the pivot.
func (m *approximateMatcher) bestTuple() []int {
	for _, q := range m.queues {
		if len(q) == 0 {
			return nil
		}
	}

	var best []int
	var bestSpread time.Duration
	for pivotChannel, pq := range m.queues {
		for pivotIdx, pivot := range pq {
			choice := make([]int, len(m.queues))
			oldest := pivot.Stamp
			ok := true
			for i, q := range m.queues {
				if i == pivotChannel {
					choice[i] = pivotIdx
					continue
				}
				at := sort.Search(len(q), func(j int) bool { return q[j].Stamp.After(pivot.Stamp) }) - 1
				if at < 0 {
					ok = false
					break
				}
				choice[i] = at
				if q[at].Stamp.Before(oldest) {
					oldest = q[at].Stamp
				}
			}
			if !ok {
				continue
			}
			spread := pivot.Stamp.Sub(oldest)
			if m.maxInterval != 0 && spread > m.maxInterval {
				continue
			}
			if best == nil || spread < bestSpread {
				best, bestSpread = choice, spread
			}
		}
	}
	return best
}
