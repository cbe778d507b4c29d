package pointcloud

import (
	"math"

	"github.com/edaniels/lidario"
	"go.uber.org/multierr"
)

const intensityField = "intensity"

// WriteToLASFile writes the finite points of the record out to a LAS file. An intensity field,
// when present, is carried over; float intensities are clamped into the uint16 range.
func WriteToLASFile(rec *Record, fn string) (err error) {
	vectors, err := rec.Vectors()
	if err != nil {
		return err
	}
	intensity, hasIntensity := rec.Fields.Field(intensityField)

	lf, err := lidario.NewLasFile(fn, "w")
	if err != nil {
		return
	}
	defer func() {
		cerr := lf.Close()
		err = multierr.Combine(err, cerr)
	}()

	if err = lf.AddHeader(lidario.LasHeader{PointFormatID: 0}); err != nil {
		return
	}

	for i, pos := range vectors {
		if math.IsNaN(pos.X) || math.IsNaN(pos.Y) || math.IsNaN(pos.Z) ||
			math.IsInf(pos.X, 0) || math.IsInf(pos.Y, 0) || math.IsInf(pos.Z, 0) {
			continue
		}
		pr0 := &lidario.PointRecord0{
			X: pos.X,
			Y: pos.Y,
			Z: pos.Z,
			BitField: lidario.PointBitField{
				Value: (1) | (1 << 3) | (0 << 6) | (0 << 7),
			},
			ClassBitField: lidario.ClassificationBitField{
				Value: 0,
			},
			PointSourceID: 1,
		}
		if hasIntensity {
			pr0.Intensity = rec.intensityAt(i, intensity)
		}
		if err = lf.AddLasPoint(pr0); err != nil {
			return
		}
	}
	return nil
}

func (r *Record) intensityAt(i int, f Field) uint16 {
	start := i*int(r.PointStep) + int(f.Offset)
	buf := r.Data[start:]
	order := r.byteOrder()
	var v float64
	switch f.Datatype {
	case Uint8:
		return uint16(buf[0])
	case Uint16:
		return order.Uint16(buf)
	case Float32:
		v = float64(math.Float32frombits(order.Uint32(buf)))
	case Float64:
		v = math.Float64frombits(order.Uint64(buf))
	case Int8:
		v = float64(int8(buf[0]))
	case Int16:
		v = float64(int16(order.Uint16(buf)))
	case Int32:
		v = float64(int32(order.Uint32(buf)))
	case Uint32:
		v = float64(order.Uint32(buf))
	}
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(v)
	}
}

