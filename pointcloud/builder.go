package pointcloud

import (
	"github.com/golang/geo/r3"
)

// RecordBuilder assembles an unorganized record whose fields are all float32 and laid out
// back to back in the order given.
type RecordBuilder struct {
	fields    Schema
	step      uint32
	data      []byte
	points    uint32
	dense     bool
	bigEndian bool
}

// NewRecordBuilder returns a builder for the named float32 fields.
func NewRecordBuilder(names ...string) *RecordBuilder {
	b := &RecordBuilder{dense: true}
	for _, name := range names {
		b.fields = append(b.fields, Field{Name: name, Offset: b.step, Datatype: Float32, Count: 1})
		b.step += Float32.Size()
	}
	return b
}

// WithPadding adds unused bytes at the end of each point.
func (b *RecordBuilder) WithPadding(n uint32) *RecordBuilder {
	b.step += n
	return b
}

// BigEndian makes the builder encode values big endian.
func (b *RecordBuilder) BigEndian() *RecordBuilder {
	b.bigEndian = true
	return b
}

// AddPoint appends a point; values are given in field order and missing values are zero.
func (b *RecordBuilder) AddPoint(values ...float32) *RecordBuilder {
	rec := &Record{PointStep: b.step, IsBigEndian: b.bigEndian}
	rec.Data = make([]byte, b.step)
	for i, f := range b.fields {
		if i < len(values) {
			rec.SetFloat32At(0, f.Offset, values[i])
			if !isFinite(values[i]) {
				b.dense = false
			}
		}
	}
	b.data = append(b.data, rec.Data...)
	b.points++
	return b
}

// Build returns the record with the given header.
func (b *RecordBuilder) Build(header Header) *Record {
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return &Record{
		Header:      header,
		Height:      1,
		Width:       b.points,
		Fields:      b.fields.Clone(),
		IsBigEndian: b.bigEndian,
		PointStep:   b.step,
		RowStep:     b.step * b.points,
		Data:        data,
		IsDense:     b.dense,
	}
}

// NewXYZRecord returns an unorganized record holding only x, y and z.
func NewXYZRecord(header Header, points []r3.Vector) *Record {
	b := NewRecordBuilder("x", "y", "z")
	for _, p := range points {
		b.AddPoint(float32(p.X), float32(p.Y), float32(p.Z))
	}
	return b.Build(header)
}
