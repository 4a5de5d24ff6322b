package cuda

import "errors"

var (
	ErrNoDevices = errors.New("no cuda devices found")
	// ErrUnsupported is returned for model features the emitter cannot
	// express, such as a grid larger than the device allows.
	ErrUnsupported         = errors.New("unsupported by the cuda backend")
	ErrZeroCopyUnsupported = errors.New("device does not support mapping host memory")
)
