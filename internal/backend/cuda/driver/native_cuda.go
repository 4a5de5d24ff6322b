//go:build cuda

package driver

import (
	"fmt"

	"github.com/samcharles93/spikegen/internal/backend/cuda/native"
)

const nativeEnabled = true

func NativeEnabled() bool { return nativeEnabled }

type nativeDriver struct{}

// NewNative initialises the CUDA driver API.
func NewNative() (Driver, error) {
	if err := native.Init(); err != nil {
		return nil, fmt.Errorf("cuInit: %w", err)
	}
	return nativeDriver{}, nil
}

func (nativeDriver) DeviceCount() (int, error) {
	n, err := native.DeviceCount()
	if err != nil {
		return 0, fmt.Errorf("cuDeviceGetCount: %w", err)
	}
	return n, nil
}

func (nativeDriver) Version() (int, error) {
	v, err := native.DriverVersion()
	if err != nil {
		return 0, fmt.Errorf("cuDriverGetVersion: %w", err)
	}
	return v, nil
}

func (nativeDriver) Properties(ordinal int) (DeviceProperties, error) {
	dev, err := native.GetDevice(ordinal)
	if err != nil {
		return DeviceProperties{}, fmt.Errorf("cuDeviceGet(%d): %w", ordinal, err)
	}
	p := DeviceProperties{Ordinal: ordinal}
	if p.Name, err = dev.Name(); err != nil {
		return p, fmt.Errorf("cuDeviceGetName(%d): %w", ordinal, err)
	}
	if p.PCIBusID, err = dev.PCIBusID(); err != nil {
		return p, fmt.Errorf("cuDeviceGetPCIBusId(%d): %w", ordinal, err)
	}
	if p.TotalGlobalMem, err = dev.TotalMem(); err != nil {
		return p, fmt.Errorf("cuDeviceTotalMem(%d): %w", ordinal, err)
	}

	canMap := 0
	attrs := []struct {
		attr native.DeviceAttribute
		dst  *int
	}{
		{native.AttrComputeCapabilityMajor, &p.Major},
		{native.AttrComputeCapabilityMinor, &p.Minor},
		{native.AttrMultiprocessorCount, &p.MultiProcessorCount},
		{native.AttrMaxThreadsPerBlock, &p.MaxThreadsPerBlock},
		{native.AttrMaxThreadsPerMultiprocessor, &p.MaxThreadsPerMultiProcessor},
		{native.AttrMaxSharedMemoryPerBlock, &p.SharedMemPerBlock},
		{native.AttrMaxSharedMemoryPerMP, &p.SharedMemPerMultiprocessor},
		{native.AttrMaxRegistersPerBlock, &p.RegsPerBlock},
		{native.AttrMaxRegistersPerMP, &p.RegsPerMultiprocessor},
		{native.AttrWarpSize, &p.WarpSize},
		{native.AttrCanMapHostMemory, &canMap},
		{native.AttrMaxGridDimX, &p.MaxGridSize[0]},
		{native.AttrMaxGridDimY, &p.MaxGridSize[1]},
		{native.AttrMaxGridDimZ, &p.MaxGridSize[2]},
	}
	for _, a := range attrs {
		if *a.dst, err = dev.Attribute(a.attr); err != nil {
			return p, fmt.Errorf("cuDeviceGetAttribute(%d, %d): %w", ordinal, int(a.attr), err)
		}
	}
	p.CanMapHostMemory = canMap != 0
	return p, nil
}

func (nativeDriver) OpenContext(ordinal int) (Context, error) {
	dev, err := native.GetDevice(ordinal)
	if err != nil {
		return nil, fmt.Errorf("cuDeviceGet(%d): %w", ordinal, err)
	}
	ctx, err := native.NewContext(dev)
	if err != nil {
		return nil, fmt.Errorf("cuCtxCreate(%d): %w", ordinal, err)
	}
	return nativeContext{ctx: ctx}, nil
}

type nativeContext struct {
	ctx native.Context
}

func (c nativeContext) SetCurrent() error {
	if err := c.ctx.SetCurrent(); err != nil {
		return fmt.Errorf("cuCtxSetCurrent: %w", err)
	}
	return nil
}

func (c nativeContext) Close() error {
	if err := c.ctx.Destroy(); err != nil {
		return fmt.Errorf("cuCtxDestroy: %w", err)
	}
	return nil
}

func (c nativeContext) LoadModule(path string) (Module, error) {
	mod, err := native.LoadModule(path)
	if err != nil {
		return nil, fmt.Errorf("cuModuleLoad(%s): %w", path, err)
	}
	return nativeModule{mod: mod}, nil
}

type nativeModule struct {
	mod native.Module
}

func (m nativeModule) Function(name string) (FuncAttributes, bool, error) {
	fn, ok, err := m.mod.Function(name)
	if err != nil {
		return FuncAttributes{}, false, fmt.Errorf("cuModuleGetFunction(%s): %w", name, err)
	}
	if !ok {
		return FuncAttributes{}, false, nil
	}
	var attr FuncAttributes
	if attr.NumRegs, err = fn.Attribute(native.FuncAttrNumRegs); err != nil {
		return attr, false, fmt.Errorf("cuFuncGetAttribute(%s, NUM_REGS): %w", name, err)
	}
	if attr.SharedSizeBytes, err = fn.Attribute(native.FuncAttrSharedSizeBytes); err != nil {
		return attr, false, fmt.Errorf("cuFuncGetAttribute(%s, SHARED_SIZE_BYTES): %w", name, err)
	}
	return attr, true, nil
}

func (m nativeModule) Unload() error {
	if err := m.mod.Unload(); err != nil {
		return fmt.Errorf("cuModuleUnload: %w", err)
	}
	return nil
}
