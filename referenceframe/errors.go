package referenceframe

import (
	"github.com/pkg/errors"
)

// ErrLookupTimeout is returned when a transform could not be resolved before the lookup timeout expired.
var ErrLookupTimeout = errors.New("transform lookup timed out")

var (
	errNoData        = errors.New("no transform data")
	errExtrapolation = errors.New("lookup would require extrapolation")
)

// NewFrameMissingError returns an error indicating that the given frame is not known.
func NewFrameMissingError(name string) error {
	return errors.Errorf("frame with name %q not in buffer", name)
}

// NewFramesNotConnectedError returns an error indicating that no chain of frames links the two.
func NewFramesNotConnectedError(target, source string) error {
	return errors.Errorf("frames %q and %q are not connected", target, source)
}
