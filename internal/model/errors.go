package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFinalized = errors.New("model not finalized")
	ErrInvalidModel = errors.New("invalid model")
)

type validationError struct {
	msg string
}

func (e validationError) Error() string {
	return e.msg
}

func (e validationError) Unwrap() error {
	return ErrInvalidModel
}

func invalidf(format string, args ...any) error {
	return validationError{msg: fmt.Sprintf(format, args...)}
}
