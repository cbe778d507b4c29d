// Package pointcloud defines the point record exchanged between sensors and the aggregator,
// along with the operations that re-express a record in another frame and merge several
// records into one.
//
// A record is a dense buffer of fixed-stride points whose layout is described by a Schema.
// Operations never mutate their inputs unless documented as in-place.
package pointcloud

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Header carries the capture time and reference frame of a record.
type Header struct {
	Stamp   time.Time
	FrameID string
}

// Record is a buffer of structured points sharing a single schema.
type Record struct {
	Header

	// Height is the number of rows; 1 for unorganized clouds.
	Height uint32
	// Width is the number of points per row.
	Width uint32

	Fields      Schema
	IsBigEndian bool
	PointStep   uint32
	RowStep     uint32
	Data        []byte

	// IsDense is true when the record contains no invalid points.
	IsDense bool
}

// NumPoints returns the number of points in the record.
func (r *Record) NumPoints() int {
	return int(r.Width) * int(r.Height)
}

// Validate checks that the buffer size and the field layout agree with the declared extents.
func (r *Record) Validate() error {
	if r.PointStep == 0 && r.NumPoints() > 0 {
		return errors.New("point step is zero")
	}
	if end := r.Fields.End(); end > r.PointStep {
		return errors.Errorf("fields span %d bytes but point step is %d", end, r.PointStep)
	}
	for _, f := range r.Fields {
		if f.Datatype.Size() == 0 {
			return errors.Errorf("field %q has unknown datatype %d", f.Name, f.Datatype)
		}
	}
	if want := r.NumPoints() * int(r.PointStep); len(r.Data) != want {
		return errors.Errorf("data length %d does not match %dx%d points of %d bytes", len(r.Data), r.Width, r.Height, r.PointStep)
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	out.Fields = r.Fields.Clone()
	out.Data = make([]byte, len(r.Data))
	copy(out.Data, r.Data)
	return &out
}

func (r *Record) byteOrder() binary.ByteOrder {
	if r.IsBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Float32At reads the float32 stored at the given byte offset of point i.
func (r *Record) Float32At(i int, offset uint32) float32 {
	start := i*int(r.PointStep) + int(offset)
	return math.Float32frombits(r.byteOrder().Uint32(r.Data[start : start+4]))
}

// SetFloat32At writes v at the given byte offset of point i.
func (r *Record) SetFloat32At(i int, offset uint32, v float32) {
	start := i*int(r.PointStep) + int(offset)
	r.byteOrder().PutUint32(r.Data[start:start+4], math.Float32bits(v))
}

// xyzOffsets returns the offsets of the x, y and z fields, which must all be float32.
func (r *Record) xyzOffsets() (x, y, z uint32, err error) {
	var offsets [3]uint32
	for i, name := range []string{"x", "y", "z"} {
		f, ok := r.Fields.Field(name)
		if !ok {
			return 0, 0, 0, NewSchemaError("record has no %q field", name)
		}
		if f.Datatype != Float32 {
			return 0, 0, 0, NewSchemaError("field %q is %v, only float32 coordinates are supported", name, f.Datatype)
		}
		offsets[i] = f.Offset
	}
	return offsets[0], offsets[1], offsets[2], nil
}

// CheckCoordinates returns a SchemaError unless rec has float32 x, y and z fields.
func CheckCoordinates(rec *Record) error {
	_, _, _, err := rec.xyzOffsets()
	return err
}

// Vectors returns the x, y and z coordinates of every point.
func (r *Record) Vectors() ([]r3.Vector, error) {
	xOff, yOff, zOff, err := r.xyzOffsets()
	if err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	out := make([]r3.Vector, 0, r.NumPoints())
	for i := 0; i < r.NumPoints(); i++ {
		out = append(out, r3.Vector{
			X: float64(r.Float32At(i, xOff)),
			Y: float64(r.Float32At(i, yOff)),
			Z: float64(r.Float32At(i, zOff)),
		})
	}
	return out, nil
}

// isFinite reports whether v is neither NaN nor infinite.
func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
