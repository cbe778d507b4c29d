package pointcloud

import (
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/pcfusion/spatialmath"
)

func TestAlignFinitePoints(t *testing.T) {
	rec := NewXYZRecord(Header{Stamp: time.Unix(100, 0), FrameID: "lidar"}, []r3.Vector{{1, 2, 3}, {0, 0, 0}})
	tf := spatialmath.NewTransformFromAxisAngle(r3.Vector{X: 1}, spatialmath.NewR4AADegrees(90, 0, 0, 1))

	out, err := Align(rec, tf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Header, test.ShouldResemble, rec.Header)
	test.That(t, out.IsDense, test.ShouldBeTrue)

	vecs, err := out.Vectors()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vecs, test.ShouldHaveLength, 2)
	test.That(t, vecs[0].X, test.ShouldAlmostEqual, -1, 1e-5)
	test.That(t, vecs[0].Y, test.ShouldAlmostEqual, 1, 1e-5)
	test.That(t, vecs[0].Z, test.ShouldAlmostEqual, 3, 1e-5)
	test.That(t, vecs[1].X, test.ShouldAlmostEqual, 1, 1e-5)
	test.That(t, vecs[1].Y, test.ShouldAlmostEqual, 0, 1e-5)
	test.That(t, vecs[1].Z, test.ShouldAlmostEqual, 0, 1e-5)

	// input is untouched
	orig, err := rec.Vectors()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, orig[0], test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 3})
}

func TestAlignRoundTrip(t *testing.T) {
	rec := NewRecordBuilder("x", "y", "z", "intensity").
		AddPoint(1, 2, 3, 10).
		AddPoint(-4.5, 0.25, 7, 20).
		AddPoint(0, -1, 0, 30).
		Build(Header{FrameID: "a"})
	tf := spatialmath.NewTransformFromAxisAngle(r3.Vector{X: 0.5, Y: -2, Z: 10}, spatialmath.NewR4AADegrees(33, 1, 1, 0))

	there, err := Align(rec, tf)
	test.That(t, err, test.ShouldBeNil)
	back, err := Align(there, tf.Inverse())
	test.That(t, err, test.ShouldBeNil)

	want, err := rec.Vectors()
	test.That(t, err, test.ShouldBeNil)
	got, err := back.Vectors()
	test.That(t, err, test.ShouldBeNil)
	for i := range want {
		test.That(t, got[i].Sub(want[i]).Norm(), test.ShouldBeLessThan, 1e-4)
	}

	intensity, ok := rec.Fields.Field("intensity")
	test.That(t, ok, test.ShouldBeTrue)
	for i := 0; i < rec.NumPoints(); i++ {
		test.That(t, there.Float32At(i, intensity.Offset), test.ShouldEqual, rec.Float32At(i, intensity.Offset))
	}
}

func TestAlignMaxRangePoints(t *testing.T) {
	nan := float32(math.NaN())
	rec := NewRecordBuilder("x", "y", "z", "distance").
		AddPoint(nan, 0, 0, 5).
		AddPoint(nan, nan, nan, nan).
		Build(Header{})
	test.That(t, rec.IsDense, test.ShouldBeFalse)

	out, err := Align(rec, spatialmath.NewTransformFromTranslation(r3.Vector{X: 1, Y: 2, Z: 3}))
	test.That(t, err, test.ShouldBeNil)

	x, _ := out.Fields.Field("x")
	y, _ := out.Fields.Field("y")
	z, _ := out.Fields.Field("z")
	dist, _ := out.Fields.Field("distance")

	test.That(t, math.IsNaN(float64(out.Float32At(0, x.Offset))), test.ShouldBeTrue)
	test.That(t, out.Float32At(0, y.Offset), test.ShouldAlmostEqual, 2, 1e-6)
	test.That(t, out.Float32At(0, z.Offset), test.ShouldAlmostEqual, 3, 1e-6)
	test.That(t, out.Float32At(0, dist.Offset), test.ShouldAlmostEqual, 6, 1e-6)

	// no finite distance, nothing to transform
	test.That(t, out.Data[out.PointStep:], test.ShouldResemble, rec.Data[rec.PointStep:])
}

func TestAlignMaxRangePointsRotated(t *testing.T) {
	nan := float32(math.NaN())
	rec := NewRecordBuilder("x", "y", "z", "distance").AddPoint(nan, 1, 2, 5).Build(Header{})

	// (5, 1, 2) rotated 90 degrees about z is (-1, 5, 2), then shifted by x=1
	tf := spatialmath.NewTransformFromAxisAngle(r3.Vector{X: 1}, spatialmath.NewR4AADegrees(90, 0, 0, 1))
	out, err := Align(rec, tf)
	test.That(t, err, test.ShouldBeNil)

	x, _ := out.Fields.Field("x")
	y, _ := out.Fields.Field("y")
	z, _ := out.Fields.Field("z")
	dist, _ := out.Fields.Field("distance")
	test.That(t, math.IsNaN(float64(out.Float32At(0, x.Offset))), test.ShouldBeTrue)
	test.That(t, out.Float32At(0, dist.Offset), test.ShouldAlmostEqual, 0, 1e-5)
	test.That(t, out.Float32At(0, y.Offset), test.ShouldAlmostEqual, 5, 1e-5)
	test.That(t, out.Float32At(0, z.Offset), test.ShouldAlmostEqual, 2, 1e-5)
}

func TestAlignNonFiniteWithoutDistance(t *testing.T) {
	inf := float32(math.Inf(1))
	rec := NewRecordBuilder("x", "y", "z").AddPoint(inf, 1, 1).Build(Header{})
	out, err := Align(rec, spatialmath.NewTransformFromTranslation(r3.Vector{X: 1}))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Data, test.ShouldResemble, rec.Data)
}

func TestAlignViewpoint(t *testing.T) {
	rec := NewRecordBuilder("x", "y", "z", "vp_x", "vp_y", "vp_z").
		AddPoint(1, 1, 1, 0, 0, 0).
		Build(Header{})
	out, err := Align(rec, spatialmath.NewTransformFromTranslation(r3.Vector{X: 1, Y: 2, Z: 3}))
	test.That(t, err, test.ShouldBeNil)

	vp, _ := out.Fields.Field("vp_x")
	test.That(t, out.Float32At(0, vp.Offset), test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, out.Float32At(0, vp.Offset+4), test.ShouldAlmostEqual, 2, 1e-6)
	test.That(t, out.Float32At(0, vp.Offset+8), test.ShouldAlmostEqual, 3, 1e-6)
}

func TestAlignViewpointLayout(t *testing.T) {
	tf := spatialmath.NewTransformFromTranslation(r3.Vector{X: 1, Y: 2, Z: 3})

	t.Run("vp_x followed by other fields", func(t *testing.T) {
		rec := NewRecordBuilder("x", "y", "z", "vp_x", "ring", "vp_z").
			AddPoint(1, 1, 1, 0, 0, 0).
			Build(Header{})
		ring := rec.Fields.Index("ring")
		rec.Fields[ring].Datatype = Uint32
		out, err := Align(rec, tf)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out.Data[12:], test.ShouldResemble, rec.Data[12:])
	})

	t.Run("vp_x with a count of 3", func(t *testing.T) {
		rec := NewRecordBuilder("x", "y", "z", "vp_x", "pad1", "pad2").
			AddPoint(1, 1, 1, 0, 0, 0).
			Build(Header{})
		rec.Fields = rec.Fields[:4]
		rec.Fields[3].Count = 3
		out, err := Align(rec, tf)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out.Float32At(0, 12), test.ShouldAlmostEqual, 1, 1e-6)
		test.That(t, out.Float32At(0, 16), test.ShouldAlmostEqual, 2, 1e-6)
		test.That(t, out.Float32At(0, 20), test.ShouldAlmostEqual, 3, 1e-6)
	})
}

func TestAlignBigEndian(t *testing.T) {
	rec := NewRecordBuilder("x", "y", "z").BigEndian().AddPoint(1, 2, 3).Build(Header{})
	out, err := Align(rec, spatialmath.NewTransformFromTranslation(r3.Vector{Z: 1}))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.IsBigEndian, test.ShouldBeTrue)
	vecs, err := out.Vectors()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vecs[0], test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 4})
}

func TestAlignSchemaErrors(t *testing.T) {
	var schemaErr *SchemaError

	noZ := NewRecordBuilder("x", "y").AddPoint(1, 2).Build(Header{})
	_, err := Align(noZ, spatialmath.NewIdentityTransform())
	test.That(t, errors.As(err, &schemaErr), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, `"z"`)

	doubles := &Record{
		Height: 1, Width: 1, PointStep: 24, RowStep: 24,
		Fields: Schema{
			{Name: "x", Offset: 0, Datatype: Float64, Count: 1},
			{Name: "y", Offset: 8, Datatype: Float64, Count: 1},
			{Name: "z", Offset: 16, Datatype: Float64, Count: 1},
		},
		Data: make([]byte, 24),
	}
	_, err = Align(doubles, spatialmath.NewIdentityTransform())
	test.That(t, errors.As(err, &schemaErr), test.ShouldBeTrue)

	truncated := NewXYZRecord(Header{}, []r3.Vector{{1, 2, 3}})
	truncated.Data = truncated.Data[:4]
	err = AlignInPlace(truncated, spatialmath.NewIdentityTransform())
	test.That(t, errors.As(err, &schemaErr), test.ShouldBeTrue)
}
