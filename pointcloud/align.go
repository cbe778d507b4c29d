package pointcloud

import (
	"math"

	"go.viam.com/pcfusion/spatialmath"
)

const (
	// distanceField holds the sensor range of max-range points, whose coordinates are non-finite.
	distanceField = "distance"
	// viewpointField is the first of three consecutive float32 values holding the sensor viewpoint.
	viewpointField = "vp_x"
)

// viewpointOffset returns the offset of the viewpoint triple: either a vp_x field with a count
// of at least 3, or float32 vp_x, vp_y and vp_z fields packed back to back.
func viewpointOffset(rec *Record) (uint32, bool) {
	vp, ok := rec.Fields.Field(viewpointField)
	if !ok || vp.Datatype != Float32 || vp.Offset+3*Float32.Size() > rec.PointStep {
		return 0, false
	}
	if vp.Count >= 3 {
		return vp.Offset, true
	}
	for i, name := range []string{"vp_y", "vp_z"} {
		f, ok := rec.Fields.Field(name)
		if !ok || f.Datatype != Float32 || f.Offset != vp.Offset+uint32(i+1)*Float32.Size() {
			return 0, false
		}
	}
	return vp.Offset, true
}

// Align returns a copy of rec with its coordinates and viewpoints mapped through t. The input
// record is not modified. Non-coordinate fields are copied byte for byte.
//
// Points with non-finite coordinates are left untouched unless the record has a finite
// distance value for them. Such max-range points are transformed as (distance, y, z); the
// resulting x is stored back in the distance field and x stays NaN so the point keeps its
// max-range meaning in the new frame.
func Align(rec *Record, t spatialmath.Transform) (*Record, error) {
	if _, _, _, err := rec.xyzOffsets(); err != nil {
		return nil, err
	}
	out := rec.Clone()
	if err := AlignInPlace(out, t); err != nil {
		return nil, err
	}
	return out, nil
}

// AlignInPlace is like Align but overwrites the coordinates of rec.
func AlignInPlace(rec *Record, t spatialmath.Transform) error {
	xOff, yOff, zOff, err := rec.xyzOffsets()
	if err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return NewSchemaError("%v", err)
	}

	m := t.Homogeneous()
	apply := func(x, y, z float64) (float32, float32, float32) {
		return float32(m[0]*x + m[1]*y + m[2]*z + m[3]),
			float32(m[4]*x + m[5]*y + m[6]*z + m[7]),
			float32(m[8]*x + m[9]*y + m[10]*z + m[11])
	}

	distOff, hasDistance := uint32(0), false
	if f, ok := rec.Fields.Field(distanceField); ok && f.Datatype == Float32 {
		distOff, hasDistance = f.Offset, true
	}

	for i := 0; i < rec.NumPoints(); i++ {
		x, y, z := rec.Float32At(i, xOff), rec.Float32At(i, yOff), rec.Float32At(i, zOff)

		if isFinite(x) && isFinite(y) && isFinite(z) {
			ox, oy, oz := apply(float64(x), float64(y), float64(z))
			rec.SetFloat32At(i, xOff, ox)
			rec.SetFloat32At(i, yOff, oy)
			rec.SetFloat32At(i, zOff, oz)
			continue
		}

		if !hasDistance {
			continue
		}
		dist := rec.Float32At(i, distOff)
		if !isFinite(dist) {
			// Invalid point, there is no ray to transform.
			continue
		}

		ox, oy, oz := apply(float64(dist), float64(y), float64(z))
		rec.SetFloat32At(i, distOff, ox)
		rec.SetFloat32At(i, xOff, float32(math.NaN()))
		rec.SetFloat32At(i, yOff, oy)
		rec.SetFloat32At(i, zOff, oz)
	}

	vpOff, ok := viewpointOffset(rec)
	if !ok {
		return nil
	}
	for i := 0; i < rec.NumPoints(); i++ {
		vx := rec.Float32At(i, vpOff)
		vy := rec.Float32At(i, vpOff+4)
		vz := rec.Float32At(i, vpOff+8)
		ox, oy, oz := apply(float64(vx), float64(vy), float64(vz))
		rec.SetFloat32At(i, vpOff, ox)
		rec.SetFloat32At(i, vpOff+4, oy)
		rec.SetFloat32At(i, vpOff+8, oz)
	}
	return nil
}
