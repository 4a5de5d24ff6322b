package cuda

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/samcharles93/spikegen/internal/backend"
	"github.com/samcharles93/spikegen/internal/backend/cuda/driver"
	"github.com/samcharles93/spikegen/internal/logger"
	"github.com/samcharles93/spikegen/internal/model"
	"github.com/samcharles93/spikegen/internal/nvcc"
)

// DeviceResult is the outcome of optimizing a model for one device.
type DeviceResult struct {
	Device     driver.DeviceProperties    `json:"device"`
	BlockSizes BlockSizes                 `json:"blockSizes"`
	Kernels    map[Kernel]OccupancyRecord `json:"kernels"`
}

func (r DeviceResult) SmallModelKernels() int {
	n := 0
	for _, rec := range r.Kernels {
		if rec.SmallModel {
			n++
		}
	}
	return n
}

func (r DeviceResult) TotalOccupancy() int {
	total := 0
	for _, rec := range r.Kernels {
		total += rec.Occupancy
	}
	return total
}

// betterDevice orders by small-model kernel count, then total occupancy,
// then SM version.
func betterDevice(a, b DeviceResult) bool {
	if sa, sb := a.SmallModelKernels(), b.SmallModelKernels(); sa != sb {
		return sa > sb
	}
	if oa, ob := a.TotalOccupancy(), b.TotalOccupancy(); oa != ob {
		return oa > ob
	}
	return a.Device.SMVersion() > b.Device.SMVersion()
}

// rankDevices returns the index of the best result. Equal results keep the
// lowest ordinal.
func rankDevices(results []DeviceResult) int {
	best := 0
	for i := 1; i < len(results); i++ {
		if betterDevice(results[i], results[best]) {
			best = i
		}
	}
	return best
}

// BestResult returns the result the device ranking prefers. results must
// not be empty.
func BestResult(results []DeviceResult) DeviceResult {
	return results[rankDevices(results)]
}

// ChooseOptimalDevice optimizes m for every device and returns the best.
// Devices are optimized one after another.
func (o *Optimizer) ChooseOptimalDevice(ctx context.Context, m *model.Network, prefs Preferences, outDir string) (DeviceResult, error) {
	devices, err := driver.Enumerate(ctx, o.Driver)
	if err != nil {
		return DeviceResult{}, err
	}
	if len(devices) == 0 {
		return DeviceResult{}, ErrNoDevices
	}
	log := o.logger()

	results := make([]DeviceResult, 0, len(devices))
	for _, dev := range devices {
		sizes, kernels, err := o.Optimize(ctx, dev, m, prefs, outDir)
		if err != nil {
			return DeviceResult{}, fmt.Errorf("optimize for device %d (%s): %w", dev.Ordinal, dev.Name, err)
		}
		r := DeviceResult{Device: dev, BlockSizes: sizes, Kernels: kernels}
		log.Debug("device optimized", "device", dev.Ordinal, "total_occupancy", r.TotalOccupancy(),
			"small_models", r.SmallModelKernels(), "sm_version", dev.SMVersion())
		results = append(results, r)
	}

	best := results[rankDevices(results)]
	log.Info("optimal device", "device", best.Device.Ordinal, "name", best.Device.Name,
		"total_occupancy", best.TotalOccupancy(), "small_models", best.SmallModelKernels(),
		"sm_version", best.Device.SMVersion())
	return best, nil
}

// ChooseDeviceWithMostGlobalMemory returns the device with the largest
// global memory, the first one on ties.
func ChooseDeviceWithMostGlobalMemory(ctx context.Context, d driver.Driver, log logger.Logger) (driver.DeviceProperties, error) {
	devices, err := driver.Enumerate(ctx, d)
	if err != nil {
		return driver.DeviceProperties{}, err
	}
	if len(devices) == 0 {
		return driver.DeviceProperties{}, ErrNoDevices
	}
	best := slices.MaxFunc(devices, func(a, b driver.DeviceProperties) int {
		return cmp.Compare(a.TotalGlobalMem, b.TotalGlobalMem)
	})
	if log != nil {
		log.Info("using device with most global memory", "device", best.Ordinal, "name", best.Name, "bytes", best.TotalGlobalMem)
	}
	return best, nil
}

// Deps are the collaborators Create needs.
type Deps struct {
	Driver   driver.Driver
	Compiler nvcc.Compiler
	Generate backend.Generator
	Log      logger.Logger
}

// Selection is a configured backend together with how it was chosen.
// Kernels is empty when block sizes were not optimized.
type Selection struct {
	Backend *Backend
	Result  DeviceResult
}

// Select chooses the device and block sizes for m:
//   - AutoChooseDevice optimizes every device and keeps the best; otherwise
//     the device with the most global memory is used.
//   - Manual block-size selection replaces the optimized sizes with
//     ManualBlockSizes and skips the optimizer when no device search is needed.
func Select(ctx context.Context, m *model.Network, outDir string, prefs Preferences, deps Deps) (Selection, error) {
	if err := m.CheckFinalized(); err != nil {
		return Selection{}, err
	}
	if err := prefs.Validate(); err != nil {
		return Selection{}, err
	}
	if deps.Driver == nil {
		return Selection{}, fmt.Errorf("select device: no driver")
	}
	log := deps.Log
	if log == nil {
		log = logger.Discard()
	}
	opt := &Optimizer{Driver: deps.Driver, Compiler: deps.Compiler, Generate: deps.Generate, Log: log}
	manual := prefs.BlockSizeSelect == BlockSizeManual

	var result DeviceResult
	switch {
	case prefs.AutoChooseDevice:
		r, err := opt.ChooseOptimalDevice(ctx, m, prefs, outDir)
		if err != nil {
			return Selection{}, err
		}
		result = r
	default:
		dev, err := ChooseDeviceWithMostGlobalMemory(ctx, deps.Driver, log)
		if err != nil {
			return Selection{}, err
		}
		result.Device = dev
		if !manual {
			sizes, kernels, err := opt.Optimize(ctx, dev, m, prefs, outDir)
			if err != nil {
				return Selection{}, err
			}
			result.BlockSizes, result.Kernels = sizes, kernels
		}
	}
	if manual {
		result.BlockSizes = prefs.ManualBlockSizes
		result.Kernels = nil
	}

	version, err := deps.Driver.Version()
	if err != nil {
		return Selection{}, fmt.Errorf("driver version: %w", err)
	}
	b, err := New(result.Device, version, result.BlockSizes, prefs, log)
	if err != nil {
		return Selection{}, err
	}
	return Selection{Backend: b, Result: result}, nil
}

// Create returns a backend for the device and block sizes Select picks.
func Create(ctx context.Context, m *model.Network, outDir string, prefs Preferences, deps Deps) (*Backend, error) {
	sel, err := Select(ctx, m, outDir, prefs, deps)
	if err != nil {
		return nil, err
	}
	return sel.Backend, nil
}
