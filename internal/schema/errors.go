package schema

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue/token"
)

// Error codes for schema problems.
const (
	ErrCodeDuplicateEntity   = "DUPLICATE_ENTITY"
	ErrCodeDuplicateProperty = "DUPLICATE_PROPERTY"
	ErrCodeUnknownParent     = "UNKNOWN_PARENT"
	ErrCodeParentCycle       = "PARENT_CYCLE"
	ErrCodeUnknownEntity     = "UNKNOWN_DESTINATION"
	ErrCodeBadInverse        = "INVALID_INVERSE"
	ErrCodeBadType           = "INVALID_TYPE"
	ErrCodeMissingName       = "MISSING_NAME"
	ErrCodeParse             = "PARSE_ERROR"
)

// Error is a problem found while building or loading a schema. Entity and
// Property locate it; Pos is set for CUE sources.
type Error struct {
	Code     string
	Entity   string
	Property string
	Message  string
	Pos      token.Pos
}

func (e *Error) Error() string {
	loc := e.Entity
	if e.Property != "" {
		loc += "." + e.Property
	}
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if loc != "" {
		msg = loc + ": " + msg
	}
	if e.Pos.IsValid() {
		msg = fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), msg)
	}
	return msg
}

// IsSchemaError reports whether err contains a schema *Error.
func IsSchemaError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

// Errors flattens a joined error into its *Error values.
func Errors(err error) []*Error {
	if err == nil {
		return nil
	}
	var out []*Error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, Errors(e)...)
		}
		return out
	}
	var se *Error
	if errors.As(err, &se) {
		out = append(out, se)
	}
	return out
}
