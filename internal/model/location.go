package model

import (
	"fmt"
	"strings"
)

// VarLocation is a bitmask describing where a variable lives.
type VarLocation uint8

const (
	LocHost     VarLocation = 1 << 0
	LocDevice   VarLocation = 1 << 1
	LocZeroCopy VarLocation = 1 << 2

	LocHostDevice         = LocHost | LocDevice
	LocHostDeviceZeroCopy = LocHost | LocDevice | LocZeroCopy
)

func (l VarLocation) Host() bool     { return l&LocHost != 0 }
func (l VarLocation) Device() bool   { return l&LocDevice != 0 }
func (l VarLocation) ZeroCopy() bool { return l&LocZeroCopy != 0 }

// CanPushPull reports whether a variable can be copied between host and
// device. Zero-copy memory is shared so it never needs copying.
func (l VarLocation) CanPushPull() bool {
	return l.Host() && l.Device() && !l.ZeroCopy()
}

// Validate rejects locations no backend can allocate: zero-copy memory is
// host memory mapped into the device, so it needs both bits.
func (l VarLocation) Validate() error {
	if l == 0 {
		return fmt.Errorf("empty variable location")
	}
	if l&^LocHostDeviceZeroCopy != 0 {
		return fmt.Errorf("unknown variable location bits %#x", uint8(l))
	}
	if l.ZeroCopy() && !(l.Host() && l.Device()) {
		return fmt.Errorf("variable location %s: zero_copy requires host and device", l)
	}
	return nil
}

func (l VarLocation) String() string {
	var parts []string
	if l.Host() {
		parts = append(parts, "host")
	}
	if l.Device() {
		parts = append(parts, "device")
	}
	if l.ZeroCopy() {
		parts = append(parts, "zero_copy")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "_")
}

func (l VarLocation) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *VarLocation) UnmarshalText(text []byte) error {
	v, err := ParseLocation(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLocation accepts underscore or plus separated location names, e.g.
// "host_device", "host+device+zero_copy".
func ParseLocation(s string) (VarLocation, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return LocHostDevice, nil
	}
	s = strings.ReplaceAll(s, "zero_copy", "zerocopy")
	s = strings.ReplaceAll(s, "zero-copy", "zerocopy")
	var loc VarLocation
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == '+' || r == '|' }) {
		switch part {
		case "host":
			loc |= LocHost
		case "device":
			loc |= LocDevice
		case "zerocopy":
			loc |= LocZeroCopy
		default:
			return 0, fmt.Errorf("unknown variable location %q", part)
		}
	}
	if loc == 0 {
		return 0, fmt.Errorf("empty variable location %q", s)
	}
	if err := loc.Validate(); err != nil {
		return 0, err
	}
	return loc, nil
}
