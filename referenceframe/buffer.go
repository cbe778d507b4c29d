package referenceframe

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/pcfusion/spatialmath"
)

// DefaultHistory is how much time-stamped data a Buffer keeps per frame.
const DefaultHistory = 10 * time.Second

type sample struct {
	stamp     time.Time
	transform spatialmath.Transform
}

// edge holds parent<-child for a single child frame.
type edge struct {
	parent  string
	static  bool
	samples []sample
}

func (e *edge) at(t time.Time) (spatialmath.Transform, error) {
	if e.static {
		return e.samples[0].transform, nil
	}
	if len(e.samples) == 0 {
		return spatialmath.Transform{}, errNoData
	}
	first, last := e.samples[0], e.samples[len(e.samples)-1]
	if t.IsZero() {
		return last.transform, nil
	}
	if t.Before(first.stamp) {
		return spatialmath.Transform{}, errors.Wrapf(errExtrapolation,
			"requested %v but the earliest data is at %v", t, first.stamp)
	}
	if t.After(last.stamp) {
		return spatialmath.Transform{}, errors.Wrapf(errExtrapolation,
			"requested %v but the latest data is at %v", t, last.stamp)
	}
	idx := sort.Search(len(e.samples), func(i int) bool { return !e.samples[i].stamp.Before(t) })
	next := e.samples[idx]
	if next.stamp.Equal(t) {
		return next.transform, nil
	}
	prev := e.samples[idx-1]
	by := float64(t.Sub(prev.stamp)) / float64(next.stamp.Sub(prev.stamp))
	return spatialmath.Interpolate(prev.transform, next.transform, by), nil
}

// Buffer is a PoseProvider built from a tree of frames. Each frame has exactly one parent;
// the edge to it is either static or a history of time-stamped samples that lookups
// interpolate between.
type Buffer struct {
	mu      sync.Mutex
	edges   map[string]*edge
	updated chan struct{}
	history time.Duration
}

// NewBuffer returns an empty buffer keeping history worth of samples per frame. A
// non-positive history means DefaultHistory.
func NewBuffer(history time.Duration) *Buffer {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Buffer{
		edges:   map[string]*edge{},
		updated: make(chan struct{}),
		history: history,
	}
}

// SetStatic sets parent<-child to a transform valid at all times.
func (b *Buffer) SetStatic(child, parent string, t spatialmath.Transform) error {
	return b.set(child, parent, time.Time{}, t, true)
}

// Set records parent<-child at the given time.
func (b *Buffer) Set(child, parent string, stamp time.Time, t spatialmath.Transform) error {
	if stamp.IsZero() {
		return errors.New("time-stamped transforms need a non-zero stamp")
	}
	return b.set(child, parent, stamp, t, false)
}

func (b *Buffer) set(child, parent string, stamp time.Time, t spatialmath.Transform, static bool) error {
	if child == "" || parent == "" {
		return errors.New("frame names must not be empty")
	}
	if child == parent {
		return errors.Errorf("frame %q cannot be its own parent", child)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for f := parent; ; {
		if f == child {
			return errors.Errorf("making %q the parent of %q would create a cycle", parent, child)
		}
		e, ok := b.edges[f]
		if !ok {
			break
		}
		f = e.parent
	}

	e, ok := b.edges[child]
	if !ok || e.parent != parent || e.static != static {
		e = &edge{parent: parent, static: static}
		b.edges[child] = e
	}

	if static {
		e.samples = []sample{{transform: t}}
	} else {
		idx := sort.Search(len(e.samples), func(i int) bool { return !e.samples[i].stamp.Before(stamp) })
		switch {
		case idx < len(e.samples) && e.samples[idx].stamp.Equal(stamp):
			e.samples[idx].transform = t
		default:
			e.samples = append(e.samples, sample{})
			copy(e.samples[idx+1:], e.samples[idx:])
			e.samples[idx] = sample{stamp: stamp, transform: t}
		}
		cutoff := e.samples[len(e.samples)-1].stamp.Add(-b.history)
		keep := sort.Search(len(e.samples), func(i int) bool { return !e.samples[i].stamp.Before(cutoff) })
		e.samples = e.samples[keep:]
	}

	close(b.updated)
	b.updated = make(chan struct{})
	return nil
}

// FrameNames returns every frame the buffer knows about, sorted.
func (b *Buffer) FrameNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := lo.Keys(b.edges)
	for _, e := range b.edges {
		names = append(names, e.parent)
	}
	names = lo.Uniq(names)
	sort.Strings(names)
	return names
}

// Lookup returns target<-source at the given time, waiting up to timeout for the data.
func (b *Buffer) Lookup(
	ctx context.Context,
	target, source string,
	at time.Time,
	timeout time.Duration,
) (spatialmath.Transform, error) {
	return b.wait(ctx, timeout, func() (spatialmath.Transform, error) {
		return b.lookupLocked(target, source, at)
	})
}

// LookupFixed returns (fixed<-target @targetTime)^-1 * (fixed<-source @sourceTime).
func (b *Buffer) LookupFixed(
	ctx context.Context,
	target string,
	targetTime time.Time,
	source string,
	sourceTime time.Time,
	fixed string,
	timeout time.Duration,
) (spatialmath.Transform, error) {
	return b.wait(ctx, timeout, func() (spatialmath.Transform, error) {
		fixedFromSource, err := b.lookupLocked(fixed, source, sourceTime)
		if err != nil {
			return spatialmath.Transform{}, err
		}
		targetFromFixed, err := b.lookupLocked(target, fixed, targetTime)
		if err != nil {
			return spatialmath.Transform{}, err
		}
		return spatialmath.Compose(targetFromFixed, fixedFromSource), nil
	})
}

// wait retries lookup every time the buffer changes until it succeeds, the timeout expires or
// ctx is done.
func (b *Buffer) wait(
	ctx context.Context,
	timeout time.Duration,
	lookup func() (spatialmath.Transform, error),
) (spatialmath.Transform, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		b.mu.Lock()
		t, err := lookup()
		updated := b.updated
		b.mu.Unlock()
		if err == nil {
			return t, nil
		}
		if deadline == nil {
			return spatialmath.Transform{}, errors.Wrap(ErrLookupTimeout, err.Error())
		}

		select {
		case <-ctx.Done():
			return spatialmath.Transform{}, errors.Wrap(ctx.Err(), err.Error())
		case <-deadline:
			return spatialmath.Transform{}, errors.Wrap(ErrLookupTimeout, err.Error())
		case <-updated:
		}
	}
}

// pathToRoot returns the frame followed by its ancestors.
func (b *Buffer) pathToRoot(frame string) ([]string, error) {
	path := []string{frame}
	e, ok := b.edges[frame]
	if !ok {
		isParent := lo.SomeBy(lo.Values(b.edges), func(e *edge) bool { return e.parent == frame })
		if !isParent {
			return nil, NewFrameMissingError(frame)
		}
		return path, nil
	}
	for ok {
		path = append(path, e.parent)
		e, ok = b.edges[e.parent]
	}
	return path, nil
}

// fromFrame composes the edges from frame up to ancestor, giving ancestor<-frame.
func (b *Buffer) fromFrame(path []string, ancestor string, at time.Time) (spatialmath.Transform, error) {
	t := spatialmath.NewIdentityTransform()
	for _, f := range path {
		if f == ancestor {
			break
		}
		step, err := b.edges[f].at(at)
		if err != nil {
			return spatialmath.Transform{}, errors.Wrapf(err, "%s -> %s", f, b.edges[f].parent)
		}
		t = spatialmath.Compose(step, t)
	}
	return t, nil
}

func (b *Buffer) lookupLocked(target, source string, at time.Time) (spatialmath.Transform, error) {
	if target == source {
		return spatialmath.NewIdentityTransform(), nil
	}
	targetPath, err := b.pathToRoot(target)
	if err != nil {
		return spatialmath.Transform{}, err
	}
	sourcePath, err := b.pathToRoot(source)
	if err != nil {
		return spatialmath.Transform{}, err
	}
	ancestor, ok := lo.Find(sourcePath, func(f string) bool { return lo.Contains(targetPath, f) })
	if !ok {
		return spatialmath.Transform{}, NewFramesNotConnectedError(target, source)
	}

	ancestorFromSource, err := b.fromFrame(sourcePath, ancestor, at)
	if err != nil {
		return spatialmath.Transform{}, err
	}
	ancestorFromTarget, err := b.fromFrame(targetPath, ancestor, at)
	if err != nil {
		return spatialmath.Transform{}, err
	}
	return spatialmath.Compose(ancestorFromTarget.Inverse(), ancestorFromSource), nil
}
