package aggregator

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/pcfusion/referenceframe"
	"go.viam.com/pcfusion/spatialmath"
)

// Compensate returns the displacement of targetFrame between stampSource and stampTarget,
// measured against fixedFrame: (fixed<-target @stampTarget)^-1 * (fixed<-target @stampSource).
// Applied to points captured at stampSource it expresses them in targetFrame as it was at
// stampTarget.
func Compensate(
	ctx context.Context,
	provider referenceframe.PoseProvider,
	targetFrame, fixedFrame string,
	stampSource, stampTarget time.Time,
	timeout time.Duration,
) (*spatialmath.Transform, error) {
	tf, err := provider.LookupFixed(ctx, targetFrame, stampTarget, targetFrame, stampSource, fixedFrame, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot compensate motion of %q from %v to %v through %q",
			targetFrame, stampSource, stampTarget, fixedFrame)
	}
	return &tf, nil
}
