package domain

import "errors"

// ErrValidation is matched by every rejection of malformed input.
var ErrValidation = errors.New("validation_error")

type validationError string

func (e validationError) Error() string { return string(e) }

func (e validationError) Code() string { return string(e) }

func (e validationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError returns a sentinel that satisfies errors.Is(err, ErrValidation).
func NewValidationError(code string) error {
	return validationError(code)
}

var (
	ErrUnknownStandard = NewValidationError("unknown_standard")
	ErrNoDocuments     = NewValidationError("no_documents")
	ErrEmptyDocuments  = NewValidationError("zero_word_count")
	ErrTooManyWords    = NewValidationError("word_count_exceeds_limit")
)
