package jsonutil

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOutput is returned when the unmarshal target is nil
	ErrInvalidOutput = errors.New("jsonutil: output value must be a non-nil pointer")
	// ErrValueTooLarge is returned when input data exceeds MaxJSONSize
	ErrValueTooLarge = errors.New("jsonutil: value exceeds maximum allowed size")
)

// wrapError attaches a context message to an underlying codec error
func wrapError(msg string, err error) error {
	return fmt.Errorf("%s: %w", msg, err)
}
