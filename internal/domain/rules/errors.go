package rules

import (
	"errors"
	"fmt"
)

// ErrCodeNotMapped is the sentinel wrapped by UnmappedCodeError.
var ErrCodeNotMapped = errors.New("order code not mapped")

// UnmappedCodeError means the order code has no study key. It is an
// ordinary "unsupported" outcome.
type UnmappedCodeError struct {
	Code string
}

func (e *UnmappedCodeError) Error() string {
	return fmt.Sprintf("order code %q is not mapped to a study", e.Code)
}

func (e *UnmappedCodeError) Unwrap() error { return ErrCodeNotMapped }

// UnknownStudyKeyError means a study key was produced by the mapping but has
// no rule: the loaded document is inconsistent.
type UnknownStudyKeyError struct {
	StudyKey string
}

func (e *UnknownStudyKeyError) Error() string {
	return fmt.Sprintf("no rule for study key %q", e.StudyKey)
}

// ValidationError is malformed caller input, rejected before any upstream
// call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}
