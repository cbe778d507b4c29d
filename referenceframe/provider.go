// Package referenceframe resolves rigid transforms between named frames over time.
package referenceframe

import (
	"context"
	"time"

	"go.viam.com/pcfusion/spatialmath"
)

// PoseProvider answers transform queries between named frames. Transforms returned map
// coordinates expressed in the source frame into the target frame.
type PoseProvider interface {
	// Lookup returns target<-source at the given time. A zero time asks for the latest data.
	// It waits up to timeout for the data to become available.
	Lookup(ctx context.Context, target, source string, at time.Time, timeout time.Duration) (spatialmath.Transform, error)

	// LookupFixed returns the transform taking points expressed in source at sourceTime to
	// target at targetTime, going through fixed, which is assumed not to move between the two times.
	LookupFixed(
		ctx context.Context,
		target string,
		targetTime time.Time,
		source string,
		sourceTime time.Time,
		fixed string,
		timeout time.Duration,
	) (spatialmath.Transform, error)
}
