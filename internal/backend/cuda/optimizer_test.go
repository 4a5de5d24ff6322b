package cuda

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/samcharles93/spikegen/internal/backend"
	"github.com/samcharles93/spikegen/internal/backend/cuda/driver"
	"github.com/samcharles93/spikegen/internal/model"
	"github.com/samcharles93/spikegen/internal/nvcc"
)

// fakeGPU is a driver whose kernels report resources as a function of the
// block size the model was last generated with.
type fakeGPU struct {
	devices []driver.DeviceProperties
	usage   func(k Kernel, blockSize int) (driver.FuncAttributes, bool)

	mu        sync.Mutex
	blockSize int
	generated []int
	loaded    int
	unloaded  int
	opened    int
	closed    int
}

func (g *fakeGPU) DeviceCount() (int, error) { return len(g.devices), nil }

func (g *fakeGPU) Properties(ordinal int) (driver.DeviceProperties, error) {
	if ordinal < 0 || ordinal >= len(g.devices) {
		return driver.DeviceProperties{}, driver.ErrUnknownDevice
	}
	d := g.devices[ordinal]
	d.Ordinal = ordinal
	return d, nil
}

func (g *fakeGPU) Version() (int, error) { return 11000, nil }

func (g *fakeGPU) OpenContext(int) (driver.Context, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opened++
	return fakeContext{g}, nil
}

func (g *fakeGPU) generate(_ context.Context, m *model.Network, b backend.Backend, _ string) ([]string, error) {
	if err := m.CheckFinalized(); err != nil {
		return nil, err
	}
	bs := b.(*Backend).BlockSize(KernelNeuronUpdate)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blockSize = bs
	g.generated = append(g.generated, bs)
	return []string{"neuronUpdate", "synapseUpdate"}, nil
}

type fakeContext struct{ g *fakeGPU }

func (c fakeContext) SetCurrent() error { return nil }

func (c fakeContext) LoadModule(path string) (driver.Module, error) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	c.g.loaded++
	return fakeModule{g: c.g, path: path, blockSize: c.g.blockSize}, nil
}

func (c fakeContext) Close() error {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	c.g.closed++
	return nil
}

type fakeModule struct {
	g         *fakeGPU
	path      string
	blockSize int
}

func (m fakeModule) Function(name string) (driver.FuncAttributes, bool, error) {
	k, ok := KernelByName(name)
	if !ok {
		return driver.FuncAttributes{}, false, nil
	}
	// each kernel lives in exactly one module
	neuronModule := strings.HasSuffix(m.path, "neuronUpdate.cubin")
	if neuronModule != (k == KernelNeuronUpdate || k == KernelPreNeuronReset) {
		return driver.FuncAttributes{}, false, nil
	}
	attr, ok := m.g.usage(k, m.blockSize)
	return attr, ok, nil
}

func (m fakeModule) Unload() error {
	m.g.mu.Lock()
	defer m.g.mu.Unlock()
	m.g.unloaded++
	return nil
}

type fakeCompiler struct {
	mu       sync.Mutex
	requests []nvcc.Request
	err      error
}

func (c *fakeCompiler) Compile(_ context.Context, req nvcc.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return c.err
}

// neuronOnlyUsage reports only the neuron update kernel, with no shared
// memory.
func neuronOnlyUsage(k Kernel, _ int) (driver.FuncAttributes, bool) {
	if k != KernelNeuronUpdate {
		return driver.FuncAttributes{}, false
	}
	return driver.FuncAttributes{NumRegs: 16}, true
}

func populationModel(t *testing.T, size int) *model.Network {
	t.Helper()
	m := &model.Network{
		Name:         fmt.Sprintf("pop%d", size),
		NeuronGroups: []*model.NeuronGroup{{Name: "Pop", Size: size}},
	}
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return m
}

func TestOptimizeSmallModel(t *testing.T) {
	t.Parallel()

	gpu := &fakeGPU{devices: []driver.DeviceProperties{voltaDevice()}, usage: neuronOnlyUsage}
	cc := &fakeCompiler{}
	opt := &Optimizer{Driver: gpu, Compiler: cc, Generate: gpu.generate}

	dir := t.TempDir()
	sizes, records, err := opt.Optimize(context.Background(), gpu.devices[0], populationModel(t, 100), DefaultPreferences(), dir)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if sizes != UniformBlockSizes(32) {
		t.Fatalf("sizes = %v, want all 32", sizes)
	}
	rec, ok := records[KernelNeuronUpdate]
	if !ok || !rec.SmallModel || rec.BlockSize != 32 {
		t.Fatalf("neuron record = %+v (present %v)", rec, ok)
	}
	if len(records) != 1 {
		t.Fatalf("only kernels found in the modules get records, got %v", records)
	}

	if got := gpu.generated; len(got) != 2 || got[0] != 32 || got[1] != 64 {
		t.Fatalf("generated at %v, want [32 64]", got)
	}
	if len(cc.requests) != 4 {
		t.Fatalf("compiled %d modules, want 4", len(cc.requests))
	}
	for _, req := range cc.requests {
		if req.Dir != dir {
			t.Fatalf("compile dir = %q, want %q", req.Dir, dir)
		}
		if !strings.Contains(req.Flags, `-Xptxas "-v"`) {
			t.Fatalf("ptxas info not forced on: %q", req.Flags)
		}
	}
	if gpu.loaded != gpu.unloaded {
		t.Fatalf("loaded %d modules but unloaded %d", gpu.loaded, gpu.unloaded)
	}
	if gpu.opened != 1 || gpu.closed != 1 {
		t.Fatalf("contexts opened %d closed %d", gpu.opened, gpu.closed)
	}
}

func TestOptimizeIsDeterministic(t *testing.T) {
	t.Parallel()

	usage := func(k Kernel, bs int) (driver.FuncAttributes, bool) {
		if k != KernelNeuronUpdate {
			return driver.FuncAttributes{}, false
		}
		return driver.FuncAttributes{NumRegs: 40, SharedSizeBytes: 1024 + 8*bs}, true
	}
	m := populationModel(t, 5_000_000)

	var first BlockSizes
	for i := range 3 {
		gpu := &fakeGPU{devices: []driver.DeviceProperties{voltaDevice()}, usage: usage}
		opt := &Optimizer{Driver: gpu, Compiler: &fakeCompiler{}, Generate: gpu.generate}
		sizes, _, err := opt.Optimize(context.Background(), gpu.devices[0], m, DefaultPreferences(), t.TempDir())
		if err != nil {
			t.Fatalf("Optimize #%d: %v", i, err)
		}
		if i == 0 {
			first = sizes
			continue
		}
		if sizes != first {
			t.Fatalf("run %d chose %v, first run chose %v", i, sizes, first)
		}
	}
}

func TestOptimizeCompileFailure(t *testing.T) {
	t.Parallel()

	gpu := &fakeGPU{devices: []driver.DeviceProperties{voltaDevice()}, usage: neuronOnlyUsage}
	cc := &fakeCompiler{err: fmt.Errorf("%w: neuronUpdate: exit status 1", nvcc.ErrCompileFailed)}
	opt := &Optimizer{Driver: gpu, Compiler: cc, Generate: gpu.generate}

	_, _, err := opt.Optimize(context.Background(), gpu.devices[0], populationModel(t, 100), DefaultPreferences(), t.TempDir())
	if !errors.Is(err, nvcc.ErrCompileFailed) {
		t.Fatalf("expected ErrCompileFailed, got %v", err)
	}
	if gpu.closed != gpu.opened {
		t.Fatalf("context leaked: opened %d closed %d", gpu.opened, gpu.closed)
	}
}

func TestOptimizeRequiresFinalizedModel(t *testing.T) {
	t.Parallel()

	gpu := &fakeGPU{devices: []driver.DeviceProperties{voltaDevice()}, usage: neuronOnlyUsage}
	opt := &Optimizer{Driver: gpu, Compiler: &fakeCompiler{}, Generate: gpu.generate}
	m := &model.Network{Name: "raw", NeuronGroups: []*model.NeuronGroup{{Name: "Pop", Size: 1}}}
	if _, _, err := opt.Optimize(context.Background(), gpu.devices[0], m, DefaultPreferences(), t.TempDir()); !errors.Is(err, model.ErrNotFinalized) {
		t.Fatalf("expected ErrNotFinalized, got %v", err)
	}
}

func TestOptimizeCancelled(t *testing.T) {
	t.Parallel()

	gpu := &fakeGPU{devices: []driver.DeviceProperties{voltaDevice()}, usage: neuronOnlyUsage}
	opt := &Optimizer{Driver: gpu, Compiler: &fakeCompiler{}, Generate: gpu.generate}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := opt.Optimize(ctx, gpu.devices[0], populationModel(t, 100), DefaultPreferences(), t.TempDir()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSelectBlockSize(t *testing.T) {
	t.Parallel()

	volta := voltaDevice()
	voltaArch := LookupArch(7, 0, nil)

	tesla := driver.DeviceProperties{
		Major: 1, Minor: 3,
		MultiProcessorCount:         30,
		MaxThreadsPerBlock:          512,
		MaxThreadsPerMultiProcessor: 1024,
		SharedMemPerBlock:           16 * 1024,
		RegsPerBlock:                16 * 1024,
	}

	cases := []struct {
		name          string
		dev           driver.DeviceProperties
		arch          ArchProfile
		usage         KernelUsage
		groups        []int
		registerAware bool
		want          OccupancyRecord
	}{
		{
			name:   "small model takes the first fitting size",
			dev:    volta,
			arch:   voltaArch,
			usage:  KernelUsage{Registers: 16},
			groups: []int{100},
			want:   OccupancyRecord{BlockSize: 32, SmallModel: true, Occupancy: 32 * 32 * 80},
		},
		{
			name:   "large model picks the smallest size at peak occupancy",
			dev:    volta,
			arch:   voltaArch,
			usage:  KernelUsage{Registers: 16},
			groups: []int{10_000_000},
			want:   OccupancyRecord{BlockSize: 64, Occupancy: 2048 * 80},
		},
		{
			name:   "fixed shared memory favours larger blocks",
			dev:    volta,
			arch:   voltaArch,
			usage:  KernelUsage{SharedMem: [2]int{12 * 1024, 12 * 1024}},
			groups: []int{10_000_000},
			want:   OccupancyRecord{BlockSize: 256, Occupancy: 2048 * 80},
		},
		{
			name:   "shrinking shared memory is clamped at zero",
			dev:    volta,
			arch:   voltaArch,
			usage:  KernelUsage{SharedMem: [2]int{4096, 0}},
			groups: []int{10_000_000},
			want:   OccupancyRecord{BlockSize: 64, Occupancy: 2048 * 80},
		},
		{
			name:   "per-block register accounting on 1.x",
			dev:    tesla,
			arch:   LookupArch(1, 3, nil),
			usage:  KernelUsage{Registers: 32},
			groups: []int{10_000_000},
			want:   OccupancyRecord{BlockSize: 64, Occupancy: 512 * 30},
		},
		{
			name:          "register-aware occupancy on newer devices",
			dev:           volta,
			arch:          voltaArch,
			usage:         KernelUsage{Registers: 64},
			groups:        []int{10_000_000},
			registerAware: true,
			want:          OccupancyRecord{BlockSize: 32, Occupancy: 1024 * 80},
		},
		{
			name:   "registers ignored unless register-aware",
			dev:    volta,
			arch:   voltaArch,
			usage:  KernelUsage{Registers: 64},
			groups: []int{10_000_000},
			want:   OccupancyRecord{BlockSize: 64, Occupancy: 2048 * 80},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := SelectBlockSize(tc.dev, tc.arch, tc.usage, tc.groups, tc.registerAware, nil)
			if got != tc.want {
				t.Fatalf("SelectBlockSize = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestSelectBlockSizeFallsBackToWarp(t *testing.T) {
	t.Parallel()

	dev := voltaDevice()
	// every candidate needs more shared memory than an SM has
	usage := KernelUsage{SharedMem: [2]int{1 << 20, 1 << 20}}
	got := SelectBlockSize(dev, LookupArch(7, 0, nil), usage, []int{10_000_000}, false, nil)
	if got.BlockSize != 32 || got.SmallModel || got.Occupancy != 0 {
		t.Fatalf("fallback = %+v, want block size 32 with zero occupancy", got)
	}
}
