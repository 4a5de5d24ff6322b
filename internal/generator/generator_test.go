package generator_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/samcharles93/spikegen/internal/backend/cuda"
	"github.com/samcharles93/spikegen/internal/backend/cuda/driver"
	"github.com/samcharles93/spikegen/internal/generator"
	"github.com/samcharles93/spikegen/internal/model"
)

func testDevice() driver.DeviceProperties {
	return driver.DeviceProperties{
		Name:                        "Test GPU",
		PCIBusID:                    "0000:01:00.0",
		Major:                       7,
		Minor:                       0,
		MultiProcessorCount:         80,
		MaxThreadsPerBlock:          1024,
		MaxThreadsPerMultiProcessor: 2048,
		SharedMemPerBlock:           48 * 1024,
		SharedMemPerMultiprocessor:  96 * 1024,
		RegsPerBlock:                64 * 1024,
		RegsPerMultiprocessor:       64 * 1024,
		WarpSize:                    32,
		TotalGlobalMem:              16 << 30,
		CanMapHostMemory:            true,
		MaxGridSize:                 [3]int{1<<31 - 1, 65535, 65535},
	}
}

func newBackend(t *testing.T, dev driver.DeviceProperties) *cuda.Backend {
	t.Helper()
	b, err := cuda.New(dev, 11000, cuda.UniformBlockSizes(64), cuda.DefaultPreferences(), nil)
	if err != nil {
		t.Fatalf("cuda.New: %v", err)
	}
	return b
}

func lifModel() *model.Network {
	return &model.Network{
		Name: "lif",
		NeuronGroups: []*model.NeuronGroup{{
			Name:          "Exc",
			Size:          100,
			Vars:          []model.Var{{Name: "V", Init: "-65.0"}},
			Params:        []model.Param{{Name: "tau", Value: 20}},
			SimCode:       "$(V) += (-$(V) + $(Isyn)) * (DT / $(tau));",
			ThresholdCode: "$(V) > -50.0",
			ResetCode:     "$(V) = -65.0;",
		}},
	}
}

func delayedModel() *model.Network {
	return &model.Network{
		Name: "delayed",
		NeuronGroups: []*model.NeuronGroup{
			{
				Name:          "Pre",
				Size:          10,
				Vars:          []model.Var{{Name: "V", Init: "0.0"}},
				SimCode:       "$(V) += 1.0;",
				ThresholdCode: "$(V) > 5.0",
				ResetCode:     "$(V) = 0.0;",
			},
			{
				Name:        "Post",
				Size:        20,
				Vars:        []model.Var{{Name: "V", Init: "0.0"}},
				SimCode:     "$(V) += $(Isyn);",
				SupportCode: "__device__ inline scalar clampV(scalar v) { return v; }",
			},
		},
		SynapseGroups: []*model.SynapseGroup{{
			Name:       "PrePost",
			Source:     "Pre",
			Target:     "Post",
			DelaySteps: 3,
			SimCode:    "$(addToInSyn, $(g));",
			Vars:       []model.Var{{Name: "g", Init: "0.5"}},
		}},
	}
}

func finalized(t *testing.T, m *model.Network) *model.Network {
	t.Helper()
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return m
}

func TestGenerateWritesEveryFile(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "lif_CODE")
	modules, err := generator.Generate(context.Background(), finalized(t, lifModel()), newBackend(t, testDevice()), dir)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !slices.Equal(modules, generator.Modules) {
		t.Fatalf("modules = %v, want %v", modules, generator.Modules)
	}

	want := []string{generator.DefinitionsFile, generator.RunnerFile, "neuronUpdate.cc", "synapseUpdate.cc", "init.cc"}
	for _, name := range want {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if info.Size() == 0 {
			t.Fatalf("%s is empty", name)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "."+generator.RunnerFile) {
			t.Fatalf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestGenerateTwiceOverwrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := newBackend(t, testDevice())
	m := finalized(t, lifModel())
	for i := range 2 {
		if _, err := generator.Generate(context.Background(), m, b, dir); err != nil {
			t.Fatalf("Generate #%d: %v", i, err)
		}
	}
}

func TestEmitDefinitions(t *testing.T) {
	t.Parallel()

	files, err := (&generator.Generator{}).Emit(finalized(t, lifModel()), newBackend(t, testDevice()))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	defs := fileContent(t, files, generator.DefinitionsFile)
	for _, want := range []string{
		"typedef float scalar;",
		"#define DT 0.1f",
		"#define TIME_MAX FLT_MAX",
		"extern unsigned int* glbSpkCntExc;",
		"extern __device__ unsigned int* dd_glbSpkExc;",
		"extern scalar* VExc;",
		"void pushExcStateToDevice(bool uninitialisedOnly = false);",
		"void stepTime();",
	} {
		if !strings.Contains(defs, want) {
			t.Fatalf("definitions.h missing %q", want)
		}
	}
	if strings.Contains(defs, "spkQuePtr") {
		t.Fatalf("undelayed model should not declare a spike queue pointer")
	}
}

func TestEmitRunnerAllocationsAndPushes(t *testing.T) {
	t.Parallel()

	files, err := (&generator.Generator{}).Emit(finalized(t, lifModel()), newBackend(t, testDevice()))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	runner := fileContent(t, files, generator.RunnerFile)
	for _, want := range []string{
		"cudaDeviceGetByPCIBusId(&deviceID, \"0000:01:00.0\")",
		"CHECK_CUDA_ERRORS(cudaHostAlloc(&VExc, 100 * sizeof(scalar), cudaHostAllocPortable));",
		"deviceMemAllocate(&d_glbSpkExc, dd_glbSpkExc, 100 * sizeof(unsigned int));",
		"CHECK_CUDA_ERRORS(cudaFree(d_VExc));",
		"pushExcStateToDevice(uninitialisedOnly);",
		"pushExcSpikesToDevice(uninitialisedOnly);",
		"void pullExcCurrentSpikesFromDevice()",
		"t = iT*DT;",
	} {
		if !strings.Contains(runner, want) {
			t.Fatalf("runner.cc missing %q", want)
		}
	}

	// V is initialised on the device so it is only pushed on a full copy.
	push := runner[strings.Index(runner, "void pushExcStateToDevice"):]
	push = push[:strings.Index(push, "void pullExcStateFromDevice")]
	if !strings.Contains(push, "if(!uninitialisedOnly)") {
		t.Fatalf("device-initialised state pushed unconditionally:\n%s", push)
	}
}

func TestEmitHostConnectivityPushedByInitializeSparse(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		initCode string
		guarded  bool
	}{
		{initCode: "", guarded: false},
		{initCode: "$(addSynapse, 0);", guarded: true},
	} {
		m := delayedModel()
		sg := m.SynapseGroups[0]
		sg.Connectivity = model.Ragged
		sg.MaxConnections = 4
		sg.ConnectivityInitCode = tc.initCode

		files, err := (&generator.Generator{}).Emit(finalized(t, m), newBackend(t, testDevice()))
		if err != nil {
			t.Fatalf("Emit: %v", err)
		}
		runner := fileContent(t, files, generator.RunnerFile)
		start := strings.Index(runner, "void pushPrePostConnectivityToDevice")
		if start < 0 {
			t.Fatalf("runner.cc missing pushPrePostConnectivityToDevice")
		}
		push := runner[start:]
		push = push[:strings.Index(push, "void pullPrePostConnectivityFromDevice")]
		for _, want := range []string{
			"CHECK_CUDA_ERRORS(cudaMemcpy(d_rowLengthPrePost, rowLengthPrePost, 10 * sizeof(unsigned int), cudaMemcpyHostToDevice));",
			"CHECK_CUDA_ERRORS(cudaMemcpy(d_indPrePost, indPrePost, 40 * sizeof(unsigned int), cudaMemcpyHostToDevice));",
		} {
			if !strings.Contains(push, want) {
				t.Fatalf("init code %q: connectivity push missing %q:\n%s", tc.initCode, want, push)
			}
		}
		if got := strings.Contains(push, "if(!uninitialisedOnly)"); got != tc.guarded {
			t.Fatalf("init code %q: guarded push = %v, want %v:\n%s", tc.initCode, got, tc.guarded, push)
		}
		if !strings.Contains(runner, "CHECK_CUDA_ERRORS(cudaHostAlloc(&rowLengthPrePost, 10 * sizeof(unsigned int), cudaHostAllocPortable));") {
			t.Fatalf("init code %q: host rowLength not allocated", tc.initCode)
		}
	}
}

func TestEmitDelayedQueue(t *testing.T) {
	t.Parallel()

	files, err := (&generator.Generator{}).Emit(finalized(t, delayedModel()), newBackend(t, testDevice()))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	defs := fileContent(t, files, generator.DefinitionsFile)
	runner := fileContent(t, files, generator.RunnerFile)

	if !strings.Contains(defs, "extern __device__ volatile unsigned int dd_spkQuePtrPre;") {
		t.Fatalf("missing device queue pointer")
	}
	if strings.Contains(defs, "spkQuePtrPost") {
		t.Fatalf("Post has no delay and should have no queue pointer")
	}
	for _, want := range []string{
		"deviceMemAllocate(&d_glbSpkCntPre, dd_glbSpkCntPre, 4 * sizeof(unsigned int));",
		"deviceMemAllocate(&d_glbSpkPre, dd_glbSpkPre, 40 * sizeof(unsigned int));",
		"deviceMemAllocate(&d_gPrePost, dd_gPrePost, 200 * sizeof(scalar));",
		"spkQuePtrPre = (spkQuePtrPre + 1) % 4;",
	} {
		if !strings.Contains(runner, want) {
			t.Fatalf("runner.cc missing %q", want)
		}
	}

	// Synapses read the queue before neurons advance it.
	syn := strings.Index(runner, "updateSynapses(t);")
	rot := strings.Index(runner, "spkQuePtrPre = (spkQuePtrPre + 1)")
	neu := strings.Index(runner, "updateNeurons(t);")
	if !(syn < rot && rot < neu) {
		t.Fatalf("stepTime order wrong: synapses=%d rotate=%d neurons=%d", syn, rot, neu)
	}
}

func TestEmitSupportCodeNamespace(t *testing.T) {
	t.Parallel()

	files, err := (&generator.Generator{}).Emit(finalized(t, delayedModel()), newBackend(t, testDevice()))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	neurons := fileContent(t, files, "neuronUpdate.cc")
	if !strings.Contains(neurons, "namespace Post_neuronUpdate") {
		t.Fatalf("support code namespace missing")
	}
	if !strings.Contains(neurons, "using namespace Post_neuronUpdate;") {
		t.Fatalf("support code namespace not used")
	}
	if strings.Contains(neurons, "namespace Pre_neuronUpdate") {
		t.Fatalf("namespace emitted for a group without support code")
	}
}

func TestEmitRequiresFinalizedModel(t *testing.T) {
	t.Parallel()

	_, err := (&generator.Generator{}).Emit(lifModel(), newBackend(t, testDevice()))
	if !errors.Is(err, model.ErrNotFinalized) {
		t.Fatalf("expected ErrNotFinalized, got %v", err)
	}
}

func TestEmitZeroCopyNeedsHostMapping(t *testing.T) {
	t.Parallel()

	m := lifModel()
	m.NeuronGroups[0].Vars[0].Location = model.LocHostDeviceZeroCopy
	dev := testDevice()
	dev.CanMapHostMemory = false

	_, err := (&generator.Generator{}).Emit(finalized(t, m), newBackend(t, dev))
	if !errors.Is(err, cuda.ErrZeroCopyUnsupported) {
		t.Fatalf("expected ErrZeroCopyUnsupported, got %v", err)
	}
}

func fileContent(t *testing.T, files []generator.File, name string) string {
	t.Helper()
	for _, f := range files {
		if f.Name == name {
			return f.Content
		}
	}
	t.Fatalf("file %s not emitted", name)
	return ""
}
