package pointcloud

import (
	"fmt"
)

// Datatype is the primitive type of a point field. The numbering matches the point field
// datatypes used on the wire by sensor drivers.
type Datatype uint8

// Supported datatypes.
const (
	Int8    Datatype = 1
	Uint8   Datatype = 2
	Int16   Datatype = 3
	Uint16  Datatype = 4
	Int32   Datatype = 5
	Uint32  Datatype = 6
	Float32 Datatype = 7
	Float64 Datatype = 8
)

// Size returns the byte size of a single element of the datatype, or 0 if unknown.
func (d Datatype) Size() uint32 {
	switch d {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

func (d Datatype) String() string {
	switch d {
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("datatype(%d)", uint8(d))
	}
}

// Field describes one named value inside a point.
type Field struct {
	Name     string
	Offset   uint32
	Datatype Datatype
	Count    uint32
}

// End returns the byte offset just past the field within a point.
func (f Field) End() uint32 {
	count := f.Count
	if count == 0 {
		count = 1
	}
	return f.Offset + f.Datatype.Size()*count
}

// Schema is the ordered list of fields making up a point.
type Schema []Field

// Index returns the position of the field with the given name, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Field returns the field with the given name, if present.
func (s Schema) Field(name string) (Field, bool) {
	idx := s.Index(name)
	if idx == -1 {
		return Field{}, false
	}
	return s[idx], true
}

// End returns the number of bytes actually covered by fields; anything past it in a point is padding.
func (s Schema) End() uint32 {
	var end uint32
	for _, f := range s {
		if e := f.End(); e > end {
			end = e
		}
	}
	return end
}

// Names returns the field names in order.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s))
	for _, f := range s {
		names = append(names, f.Name)
	}
	return names
}

// Clone returns a copy of the schema.
func (s Schema) Clone() Schema {
	if s == nil {
		return nil
	}
	out := make(Schema, len(s))
	copy(out, s)
	return out
}

// SchemaCompatible returns nil when records laid out with schema b can be appended to records
// laid out with schema a; otherwise it describes the first difference.
func SchemaCompatible(a, b Schema) error {
	if len(a) != len(b) {
		return fmt.Errorf("field count %d != %d", len(a), len(b))
	}
	for i := range a {
		fa, fb := a[i], b[i]
		switch {
		case fa.Name != fb.Name:
			return fmt.Errorf("field %d name %q != %q", i, fa.Name, fb.Name)
		case fa.Datatype != fb.Datatype:
			return fmt.Errorf("field %q datatype %v != %v", fa.Name, fa.Datatype, fb.Datatype)
		case fa.Offset != fb.Offset:
			return fmt.Errorf("field %q offset %d != %d", fa.Name, fa.Offset, fb.Offset)
		case fa.Count != fb.Count:
			return fmt.Errorf("field %q count %d != %d", fa.Name, fa.Count, fb.Count)
		}
	}
	return nil
}
