package pointcloud

import (
	"fmt"
)

// SchemaError is returned when a record lacks the fields an operation requires. The record
// is unusable for that operation and is expected to be dropped.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string {
	return "invalid point record schema: " + e.Reason
}

// NewSchemaError returns a SchemaError with a formatted reason.
func NewSchemaError(format string, args ...interface{}) error {
	return &SchemaError{Reason: fmt.Sprintf(format, args...)}
}

// SchemaMismatchError is returned when two records cannot be merged because their layouts differ.
type SchemaMismatchError struct {
	// Index is the position of the offending record in the merge input.
	Index  int
	Reason string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("point record %d does not match the schema of record 0: %s", e.Index, e.Reason)
}
