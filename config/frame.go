package config

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/pcfusion/spatialmath"
)

// Translation is the translation between two frames.
type Translation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Orientation is a rotation of TH degrees around the axis (X, Y, Z).
type Orientation struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
	TH float64 `json:"th"`
}

// FrameConfig places a static frame relative to its parent.
type FrameConfig struct {
	Name        string      `json:"name"`
	Parent      string      `json:"parent"`
	Translation Translation `json:"translation"`
	Orientation Orientation `json:"orientation"`
}

// Validate ensures the frame is fully specified.
func (fc *FrameConfig) Validate(path string) error {
	if fc.Name == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if fc.Parent == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "parent")
	}
	if fc.Name == fc.Parent {
		return utils.NewConfigValidationError(path, errors.Errorf("frame %q cannot be its own parent", fc.Name))
	}
	o := fc.Orientation
	if o.TH != 0 && o.X == 0 && o.Y == 0 && o.Z == 0 {
		return utils.NewConfigValidationError(path, errors.New("orientation has an angle but no axis"))
	}
	return nil
}

// Transform returns parent<-frame.
func (fc *FrameConfig) Transform() spatialmath.Transform {
	o := fc.Orientation
	return spatialmath.NewTransformFromAxisAngle(
		r3.Vector{X: fc.Translation.X, Y: fc.Translation.Y, Z: fc.Translation.Z},
		spatialmath.NewR4AADegrees(o.TH, o.X, o.Y, o.Z),
	)
}
