// Package driver abstracts the CUDA driver API calls the block-size
// optimizer needs: device enumeration, property queries and loading
// compiled modules to read per-kernel resource usage.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

var (
	ErrNativeUnavailable = errors.New("native cuda driver is not available in this build")
	ErrUnknownDevice     = errors.New("unknown device ordinal")
)

// DeviceProperties is the subset of device attributes used for code
// generation and occupancy estimates.
type DeviceProperties struct {
	Ordinal                     int    `yaml:"ordinal" json:"ordinal"`
	Name                        string `yaml:"name" json:"name"`
	PCIBusID                    string `yaml:"pciBusId" json:"pciBusId"`
	Major                       int    `yaml:"major" json:"major"`
	Minor                       int    `yaml:"minor" json:"minor"`
	MultiProcessorCount         int    `yaml:"multiProcessorCount" json:"multiProcessorCount"`
	MaxThreadsPerBlock          int    `yaml:"maxThreadsPerBlock" json:"maxThreadsPerBlock"`
	MaxThreadsPerMultiProcessor int    `yaml:"maxThreadsPerMultiProcessor" json:"maxThreadsPerMultiProcessor"`
	SharedMemPerBlock           int    `yaml:"sharedMemPerBlock" json:"sharedMemPerBlock"`
	SharedMemPerMultiprocessor  int    `yaml:"sharedMemPerMultiprocessor" json:"sharedMemPerMultiprocessor"`
	RegsPerBlock                int    `yaml:"regsPerBlock" json:"regsPerBlock"`
	RegsPerMultiprocessor       int    `yaml:"regsPerMultiprocessor" json:"regsPerMultiprocessor"`
	WarpSize                    int    `yaml:"warpSize" json:"warpSize"`
	TotalGlobalMem              uint64 `yaml:"totalGlobalMem" json:"totalGlobalMem"`
	CanMapHostMemory            bool   `yaml:"canMapHostMemory" json:"canMapHostMemory"`
	MaxGridSize                 [3]int `yaml:"maxGridSize" json:"maxGridSize"`
}

// SMVersion returns major*10+minor.
func (p DeviceProperties) SMVersion() int { return p.Major*10 + p.Minor }

// Architecture returns the nvcc -arch value, e.g. sm_70.
func (p DeviceProperties) Architecture() string {
	return fmt.Sprintf("sm_%d%d", p.Major, p.Minor)
}

// FuncAttributes is the compiled resource usage of one kernel.
type FuncAttributes struct {
	NumRegs         int
	SharedSizeBytes int
}

type Driver interface {
	DeviceCount() (int, error)
	Properties(ordinal int) (DeviceProperties, error)
	// Version returns the CUDA version as 1000*major + 10*minor.
	Version() (int, error)
	OpenContext(ordinal int) (Context, error)
}

// Context is a driver context bound to one device. Modules loaded through
// it must be unloaded before Close.
type Context interface {
	SetCurrent() error
	LoadModule(path string) (Module, error)
	Close() error
}

type Module interface {
	// Function reports the attributes of the named kernel, or false when
	// the module does not contain it.
	Function(name string) (FuncAttributes, bool, error)
	Unload() error
}

// Enumerate returns the properties of every device, queried concurrently.
func Enumerate(ctx context.Context, d Driver) ([]DeviceProperties, error) {
	count, err := d.DeviceCount()
	if err != nil {
		return nil, err
	}
	props := make([]DeviceProperties, count)
	g, _ := errgroup.WithContext(ctx)
	for i := range count {
		g.Go(func() error {
			p, err := d.Properties(i)
			if err != nil {
				return fmt.Errorf("device %d: %w", i, err)
			}
			props[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return props, nil
}

// Driver modes accepted by Open.
const (
	ModeAuto    = "auto"
	ModeNative  = "native"
	ModeOffline = "offline"
)

// Normalize maps user input to a driver mode name. Empty input means auto.
func Normalize(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return ModeAuto, nil
	}
	switch n {
	case ModeAuto, ModeNative, ModeOffline:
		return n, nil
	default:
		return "", fmt.Errorf("unknown driver %q (expected auto, native, or offline)", name)
	}
}

// Open returns the driver for mode. Auto picks the native driver when this
// build has one and falls back to deviceFile otherwise.
func Open(mode, deviceFile string) (Driver, error) {
	mode, err := Normalize(mode)
	if err != nil {
		return nil, err
	}
	switch mode {
	case ModeNative:
		return NewNative()
	case ModeOffline:
		return LoadOffline(deviceFile)
	default:
		if NativeEnabled() {
			return NewNative()
		}
		if deviceFile == "" {
			return nil, fmt.Errorf("%w: set a device file to use the offline driver", ErrNativeUnavailable)
		}
		return LoadOffline(deviceFile)
	}
}
