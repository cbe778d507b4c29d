package pointcloud

import (
	"github.com/pkg/errors"
)

// Concatenate merges records, which must already be expressed in the same frame, into a new
// unorganized record. Points are appended in input order. The header comes from the first
// record and the result is dense only if every input is dense.
//
// Every record must share the first record's schema and byte order; a record whose point step
// differs only by trailing padding is repacked to the first record's step. On any mismatch a
// *SchemaMismatchError is returned and no output is produced.
func Concatenate(records ...*Record) (*Record, error) {
	if len(records) == 0 {
		return nil, errors.New("nothing to concatenate")
	}
	first := records[0]
	fieldsEnd := first.Fields.End()

	total := 0
	for i, rec := range records {
		if rec == nil {
			return nil, &SchemaMismatchError{Index: i, Reason: "record is nil"}
		}
		if err := rec.Validate(); err != nil {
			return nil, &SchemaMismatchError{Index: i, Reason: err.Error()}
		}
		if i == 0 {
			total += rec.NumPoints()
			continue
		}
		if err := SchemaCompatible(first.Fields, rec.Fields); err != nil {
			return nil, &SchemaMismatchError{Index: i, Reason: err.Error()}
		}
		if rec.IsBigEndian != first.IsBigEndian {
			return nil, &SchemaMismatchError{Index: i, Reason: "byte order differs"}
		}
		total += rec.NumPoints()
	}

	step := int(first.PointStep)
	out := &Record{
		Header:      first.Header,
		Height:      1,
		Width:       uint32(total),
		Fields:      first.Fields.Clone(),
		IsBigEndian: first.IsBigEndian,
		PointStep:   first.PointStep,
		RowStep:     first.PointStep * uint32(total),
		Data:        make([]byte, 0, total*step),
		IsDense:     true,
	}
	for _, rec := range records {
		out.IsDense = out.IsDense && rec.IsDense
		if rec.PointStep == first.PointStep {
			out.Data = append(out.Data, rec.Data...)
			continue
		}
		// Only padding differs, copy the bytes covered by fields and zero the rest.
		pad := make([]byte, step-int(fieldsEnd))
		for i := 0; i < rec.NumPoints(); i++ {
			start := i * int(rec.PointStep)
			out.Data = append(out.Data, rec.Data[start:start+int(fieldsEnd)]...)
			out.Data = append(out.Data, pad...)
		}
	}
	return out, nil
}
