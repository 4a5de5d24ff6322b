//go:build !cuda

package driver

const nativeEnabled = false

func NativeEnabled() bool { return nativeEnabled }

func NewNative() (Driver, error) {
	return nil, ErrNativeUnavailable
}
