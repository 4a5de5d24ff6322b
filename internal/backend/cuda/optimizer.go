package cuda

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/samcharles93/spikegen/internal/backend"
	"github.com/samcharles93/spikegen/internal/backend/cuda/driver"
	"github.com/samcharles93/spikegen/internal/logger"
	"github.com/samcharles93/spikegen/internal/metrics"
	"github.com/samcharles93/spikegen/internal/model"
	"github.com/samcharles93/spikegen/internal/nvcc"
)

// probeBlockSizes are the uniform block sizes the model is compiled at to
// measure how each kernel's shared memory grows with the block.
var probeBlockSizes = [2]int{warpSize, 2 * warpSize}

// OccupancyRecord describes the block size chosen for one kernel.
type OccupancyRecord struct {
	BlockSize int `json:"blockSize" yaml:"blockSize"`
	// SmallModel is set when every block of the kernel fits on the device
	// at once.
	SmallModel bool `json:"smallModel" yaml:"smallModel"`
	// Occupancy is the estimated number of resident threads.
	Occupancy int `json:"occupancy" yaml:"occupancy"`
}

// KernelUsage is the compiled resource usage of one kernel at each probe
// block size. Registers are taken from the first probe.
type KernelUsage struct {
	Registers int
	SharedMem [2]int
}

// Optimizer picks per-kernel block sizes by compiling the model and
// estimating occupancy from the compiled resource usage.
type Optimizer struct {
	Driver   driver.Driver
	Compiler nvcc.Compiler
	Generate backend.Generator
	Log      logger.Logger
}

func (o *Optimizer) logger() logger.Logger {
	if o.Log == nil {
		return logger.Discard()
	}
	return o.Log
}

// Optimize returns the block size of every kernel for device. Kernels the
// model does not use keep the warp size and have no record.
func (o *Optimizer) Optimize(ctx context.Context, device driver.DeviceProperties, m *model.Network, prefs Preferences, outDir string) (BlockSizes, map[Kernel]OccupancyRecord, error) {
	sizes, records, err := o.optimize(ctx, device, m, prefs, outDir)
	metrics.ObserveOptimization(device.Name, err)
	return sizes, records, err
}

func (o *Optimizer) optimize(ctx context.Context, device driver.DeviceProperties, m *model.Network, prefs Preferences, outDir string) (sizes BlockSizes, records map[Kernel]OccupancyRecord, err error) {
	if err := m.CheckFinalized(); err != nil {
		return sizes, nil, err
	}
	if o.Driver == nil || o.Compiler == nil || o.Generate == nil {
		return sizes, nil, errors.New("optimizer requires a driver, compiler and generator")
	}
	log := o.logger().With("device", device.Ordinal, "name", device.Name)
	groupSizes := GroupSizes(m)

	usage, err := o.measure(ctx, device, m, prefs, outDir, log)
	if err != nil {
		return sizes, nil, err
	}

	arch := LookupArch(device.Major, device.Minor, log)
	sizes = UniformBlockSizes(warpSize)
	records = make(map[Kernel]OccupancyRecord, len(usage))
	for _, k := range Kernels() {
		u, ok := usage[k]
		if !ok {
			continue
		}
		rec := SelectBlockSize(device, arch, u, groupSizes[k], prefs.RegisterAwareOccupancy, log.With("kernel", k.String()))
		sizes[k] = rec.BlockSize
		records[k] = rec
		metrics.SetBlockSize(device.Name, k.String(), rec.BlockSize, rec.Occupancy)
		log.Info("selected block size", "kernel", k.String(), "block_size", rec.BlockSize,
			"occupancy", rec.Occupancy, "small_model", rec.SmallModel)
	}
	return sizes, records, nil
}

// measure compiles the model at both probe sizes and reads back the
// resources of every kernel found in the compiled modules.
func (o *Optimizer) measure(ctx context.Context, device driver.DeviceProperties, m *model.Network, prefs Preferences, outDir string, log logger.Logger) (usage map[Kernel]KernelUsage, err error) {
	driverVersion, err := o.Driver.Version()
	if err != nil {
		return nil, fmt.Errorf("driver version: %w", err)
	}
	dctx, err := o.Driver.OpenContext(device.Ordinal)
	if err != nil {
		return nil, fmt.Errorf("open context on device %d: %w", device.Ordinal, err)
	}
	defer func() {
		if cerr := dctx.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close context: %w", cerr)
		}
	}()

	// Resource usage is read from the compiler, so ptxas info is always on.
	probePrefs := prefs
	probePrefs.ShowPtxInfo = true

	usage = make(map[Kernel]KernelUsage)
	for rep, bs := range probeBlockSizes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Debug("generating code", "block_size", bs)
		b, err := New(device, driverVersion, UniformBlockSizes(bs), probePrefs, log)
		if err != nil {
			return nil, err
		}
		modules, err := o.Generate(ctx, m, b, outDir)
		if err != nil {
			return nil, fmt.Errorf("generate at block size %d: %w", bs, err)
		}
		if err := dctx.SetCurrent(); err != nil {
			return nil, fmt.Errorf("set context: %w", err)
		}
		for _, mod := range modules {
			if err := o.measureModule(ctx, dctx, b, outDir, mod, rep, usage, log); err != nil {
				return nil, err
			}
		}
	}
	return usage, nil
}

func (o *Optimizer) measureModule(ctx context.Context, dctx driver.Context, b *Backend, outDir, name string, rep int, usage map[Kernel]KernelUsage, log logger.Logger) (err error) {
	req := nvcc.Request{Dir: outDir, Module: name, Flags: b.CompilerFlags()}
	if err := o.Compiler.Compile(ctx, req); err != nil {
		return err
	}
	mod, err := dctx.LoadModule(filepath.Join(outDir, name+".cubin"))
	if err != nil {
		return fmt.Errorf("load module %s: %w", name, err)
	}
	defer func() {
		if uerr := mod.Unload(); uerr != nil && err == nil {
			err = fmt.Errorf("unload module %s: %w", name, uerr)
		}
	}()

	for _, k := range Kernels() {
		attr, ok, err := mod.Function(k.String())
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		log.Debug("kernel found", "kernel", k.String(), "block_size", probeBlockSizes[rep],
			"shared_bytes", attr.SharedSizeBytes, "registers", attr.NumRegs)
		u := usage[k]
		if rep == 0 {
			u.Registers = attr.NumRegs
		}
		u.SharedMem[rep] = attr.SharedSizeBytes
		usage[k] = u
	}
	return nil
}

// SelectBlockSize sweeps every warp multiple up to the device's block limit.
// The smallest size that lets all of the kernel's blocks be resident at once
// wins outright. Otherwise the size with the highest occupancy wins, ties
// going to the smaller size.
func SelectBlockSize(dev driver.DeviceProperties, arch ArchProfile, usage KernelUsage, groupSizes []int, registerAware bool, log logger.Logger) OccupancyRecord {
	if log == nil {
		log = logger.Discard()
	}
	// requiredSharedMem = slope*blockThreads + intercept
	slope := (usage.SharedMem[1] - usage.SharedMem[0]) / (probeBlockSizes[1] - probeBlockSizes[0])
	intercept := usage.SharedMem[0] - slope*probeBlockSizes[0]

	smemPerSM := dev.SharedMemPerMultiprocessor
	if smemPerSM == 0 {
		smemPerSM = dev.SharedMemPerBlock
	}

	var best OccupancyRecord
	maxWarps := dev.MaxThreadsPerBlock / warpSize
	for warps := 1; warps <= maxWarps; warps++ {
		bs := warps * warpSize

		smem := max(0, slope*bs+intercept)
		if arch.SharedMemAllocGranularity > 0 {
			smem = padSize(smem, arch.SharedMemAllocGranularity)
		}

		reqBlocks := 0
		for _, size := range groupSizes {
			reqBlocks += ceilDivide(size, bs)
		}

		limit := min(dev.MaxThreadsPerMultiProcessor/bs, arch.MaxBlocksPerSM)
		limit = registerLimit(dev, arch, usage.Registers, warps, limit, registerAware)
		if smem != 0 {
			limit = min(limit, smemPerSM/smem)
		}
		occupancy := bs * limit * dev.MultiProcessorCount

		log.Debug("candidate block size", "block_size", bs, "shared_bytes", smem,
			"required_blocks", reqBlocks, "sm_block_limit", limit, "occupancy", occupancy)

		if reqBlocks <= limit*dev.MultiProcessorCount {
			log.Debug("small model", "block_size", bs)
			return OccupancyRecord{BlockSize: bs, SmallModel: true, Occupancy: occupancy}
		}
		if occupancy > best.Occupancy {
			best = OccupancyRecord{BlockSize: bs, Occupancy: occupancy}
		}
	}
	if best.BlockSize == 0 {
		log.Warn("no block size fits on the device, using the warp size")
		best.BlockSize = warpSize
	}
	return best
}

// registerLimit caps the blocks resident per SM by register usage. 1.x
// devices allocate registers per block. Later devices allocate per warp,
// which is only modelled when registerAware is set.
func registerLimit(dev driver.DeviceProperties, arch ArchProfile, regs, warps, limit int, registerAware bool) int {
	if regs <= 0 {
		return limit
	}
	if dev.Major == 1 {
		paddedWarps := padSize(warps, max(arch.WarpAllocGranularity, 1))
		perBlock := padSize(paddedWarps*regs*warpSize, max(arch.RegisterAllocGranularity, 1))
		return min(limit, dev.RegsPerBlock/perBlock)
	}
	if !registerAware {
		return limit
	}
	regFile := dev.RegsPerMultiprocessor
	if regFile == 0 {
		regFile = dev.RegsPerBlock
	}
	perWarp := padSize(regs*warpSize, max(arch.RegisterAllocGranularity, 1))
	residentWarps := regFile / perWarp
	if g := arch.WarpAllocGranularity; g > 0 {
		residentWarps = residentWarps / g * g
	}
	return min(limit, residentWarps/warps)
}
