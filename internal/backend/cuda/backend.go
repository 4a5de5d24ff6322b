package cuda

import (
	"fmt"

	"github.com/samcharles93/spikegen/internal/backend"
	"github.com/samcharles93/spikegen/internal/backend/cuda/driver"
	"github.com/samcharles93/spikegen/internal/codegen"
	"github.com/samcharles93/spikegen/internal/logger"
	"github.com/samcharles93/spikegen/internal/model"
)

var _ backend.Backend = (*Backend)(nil)

// Backend emits CUDA source for one device and one set of block sizes.
// It is immutable after New.
type Backend struct {
	prefs         Preferences
	device        driver.DeviceProperties
	driverVersion int
	blockSizes    BlockSizes
	log           logger.Logger
}

// New builds a backend for device. A nil log discards output.
func New(device driver.DeviceProperties, driverVersion int, blockSizes BlockSizes, prefs Preferences, log logger.Logger) (*Backend, error) {
	if err := blockSizes.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Backend{
		prefs:         prefs,
		device:        device,
		driverVersion: driverVersion,
		blockSizes:    blockSizes,
		log:           log,
	}, nil
}

func (b *Backend) Name() string                    { return backend.CUDA }
func (b *Backend) Device() driver.DeviceProperties { return b.device }
func (b *Backend) DriverVersion() int              { return b.driverVersion }
func (b *Backend) BlockSizes() BlockSizes          { return b.blockSizes }
func (b *Backend) Preferences() Preferences        { return b.prefs }
func (b *Backend) BlockSize(k Kernel) int          { return b.blockSizes[k] }
func (b *Backend) DeviceVarPrefix() string         { return "dd_" }
func (b *Backend) CompilerFlags() string           { return nvccFlags(b.prefs, b.device.Major, b.device.Minor) }
func (b *Backend) LinkFlags() string               { return linkFlags(b.device.Major, b.device.Minor) }

// FloatAtomicAdd returns the atomic add to use for ftype. Older devices and
// drivers lack a native double (or, on 1.x, float) atomicAdd.
func (b *Backend) FloatAtomicAdd(ftype string) string {
	major := b.device.Major
	if (major < 2 && ftype == "float") || ((major < 6 || b.driverVersion < 8000) && ftype == "double") {
		return "atomicAddSW"
	}
	return "atomicAdd"
}

// IsGlobalRNGRequired reports whether initialisation draws from the shared
// Philox stream.
func (b *Backend) IsGlobalRNGRequired(m *model.Network) bool {
	for _, ng := range m.NeuronGroups {
		if ng.InitRNGRequired() {
			return true
		}
	}
	for _, sg := range m.SynapseGroups {
		if sg.WUInitRNGRequired() || sg.ConnectivityInitRNGRequired() {
			return true
		}
	}
	return false
}

var cudaFunctions = []codegen.FunctionTemplate{
	{Name: "gennrand_uniform", Double: "curand_uniform_double($(rng))", Float: "curand_uniform($(rng))"},
	{Name: "gennrand_normal", Double: "curand_normal_double($(rng))", Float: "curand_normal($(rng))"},
	{Name: "gennrand_exponential", Double: "exponentialDistDouble($(rng))", Float: "exponentialDistFloat($(rng))"},
	{Name: "gennrand_log_normal", NumArgs: 2, Double: "curand_log_normal_double($(rng), $(0), $(1))", Float: "curand_log_normal_float($(rng), $(0), $(1))"},
	{Name: "gennrand_gamma", NumArgs: 1, Double: "gammaDistDouble($(rng), $(0))", Float: "gammaDistFloat($(rng), $(0))"},
}

func kernelSubstitutions(m *model.Network) *codegen.Substitutions {
	return codegen.NewFunctionSubstitutions(cudaFunctions, m.Precision)
}

// genKernelDimensions writes the threads/grid declarations for a launch
// covering numThreads global ids.
func (b *Backend) genKernelDimensions(os *codegen.Stream, k Kernel, numThreads int) error {
	bs := b.blockSizes[k]
	gridSize := ceilDivide(numThreads, bs)
	if limit := b.device.MaxGridSize[0]; limit > 0 && gridSize > limit {
		return fmt.Errorf("%w: %s needs %d blocks, device allows %d", ErrUnsupported, k, gridSize, limit)
	}
	os.Line("const dim3 threads(%d, 1);", bs)
	os.Line("const dim3 grid(%d, 1);", gridSize)
	return nil
}

// genKernelHeader writes the signature of a kernel taking the given extra
// global params followed by trailing.
func genKernelHeader(os *codegen.Stream, k Kernel, params []model.KernelParam, trailing string) {
	os.Printf("extern \"C\" __global__ void %s(", k)
	for _, p := range params {
		os.Printf("%s %s, ", p.Type, p.Name)
	}
	os.Printf("%s)", trailing)
}

func genLaunch(os *codegen.Stream, k Kernel, params []model.KernelParam, trailing string) {
	os.Printf("%s<<<grid, threads>>>(", k)
	for _, p := range params {
		os.Printf("%s, ", p.Name)
	}
	os.Line("%s);", trailing)
}

func (b *Backend) shouldAccumulateInLinSyn(sg *model.SynapseGroup) bool {
	return sg.Connectivity == model.Dense || sg.Connectivity == model.Bitmask
}

// shouldAccumulateInSharedMemory holds for ragged groups whose whole target
// population fits in one presynaptic block. Shared atomics are emulated
// before Maxwell, so presynaptic span skips it there.
func (b *Backend) shouldAccumulateInSharedMemory(sg *model.SynapseGroup) bool {
	if sg.Span == model.SpanPresynaptic && b.device.Major < 5 {
		return false
	}
	return sg.Connectivity == model.Ragged && sg.Trg().Size <= b.blockSizes[KernelPresynapticUpdate]
}
