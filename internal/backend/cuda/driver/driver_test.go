package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const ptxasLog = `ptxas info    : 0 bytes gmem, 72 bytes cmem[3]
ptxas info    : Compiling entry function 'updateNeuronsKernel' for 'sm_70'
ptxas info    : Function properties for updateNeuronsKernel
    0 bytes stack frame, 0 bytes spill stores, 0 bytes spill loads
ptxas info    : Used 18 registers, 140 bytes smem, 360 bytes cmem[0]
ptxas info    : Compiling function 'atomicAddSW' for 'sm_70'
ptxas info    : Used 9 registers
ptxas info    : Compiling entry function 'preNeuronResetKernel' for 'sm_70'
ptxas info    : Function properties for preNeuronResetKernel
    0 bytes stack frame, 0 bytes spill stores, 0 bytes spill loads
ptxas info    : Used 6 registers, 352 bytes cmem[0]
`

func TestParsePtxasLog(t *testing.T) {
	t.Parallel()

	got, err := ParsePtxasLog(strings.NewReader(ptxasLog))
	if err != nil {
		t.Fatalf("ParsePtxasLog: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 kernels, got %v", got)
	}
	if a := got["updateNeuronsKernel"]; a.NumRegs != 18 || a.SharedSizeBytes != 140 {
		t.Fatalf("updateNeuronsKernel = %+v", a)
	}
	if a := got["preNeuronResetKernel"]; a.NumRegs != 6 || a.SharedSizeBytes != 0 {
		t.Fatalf("preNeuronResetKernel = %+v", a)
	}
	if _, ok := got["atomicAddSW"]; ok {
		t.Fatalf("device function must not be reported as a kernel")
	}
}

const deviceFile = `driverVersion: 11040
devices:
  - name: Tesla V100
    pciBusId: "0000:3b:00.0"
    major: 7
    minor: 0
    multiProcessorCount: 80
    maxThreadsPerBlock: 1024
    maxThreadsPerMultiProcessor: 2048
    sharedMemPerBlock: 49152
    sharedMemPerMultiprocessor: 98304
    regsPerBlock: 65536
    regsPerMultiprocessor: 65536
    totalGlobalMem: 17179869184
    canMapHostMemory: true
    maxGridSize: [2147483647, 65535, 65535]
  - name: GeForce GTX 1080
    major: 6
    minor: 1
    multiProcessorCount: 20
    maxThreadsPerBlock: 1024
    maxThreadsPerMultiProcessor: 2048
    sharedMemPerMultiprocessor: 98304
    regsPerBlock: 65536
    totalGlobalMem: 8589934592
`

func writeDeviceFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write device file: %v", err)
	}
	return path
}

func TestOfflineDriver(t *testing.T) {
	t.Parallel()

	drv, err := LoadOffline(writeDeviceFile(t, deviceFile))
	if err != nil {
		t.Fatalf("LoadOffline: %v", err)
	}
	if v, _ := drv.Version(); v != 11040 {
		t.Fatalf("Version = %d", v)
	}
	props, err := Enumerate(context.Background(), drv)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(props) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(props))
	}
	if props[1].Ordinal != 1 || props[1].WarpSize != 32 || props[1].Architecture() != "sm_61" {
		t.Fatalf("device 1 = %+v", props[1])
	}
	if _, err := drv.Properties(5); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "neuronUpdate.nvcc.log"), []byte(ptxasLog), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	ctx, err := drv.OpenContext(0)
	if err != nil {
		t.Fatalf("OpenContext: %v", err)
	}
	defer ctx.Close()
	mod, err := ctx.LoadModule(filepath.Join(dir, "neuronUpdate.cubin"))
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	attr, ok, err := mod.Function("updateNeuronsKernel")
	if err != nil || !ok || attr.NumRegs != 18 {
		t.Fatalf("Function = %+v, %v, %v", attr, ok, err)
	}
	if _, ok, _ := mod.Function("initializeKernel"); ok {
		t.Fatalf("initializeKernel should be absent")
	}
}

func TestLoadOfflineRejectsIncompleteDevices(t *testing.T) {
	t.Parallel()

	_, err := LoadOffline(writeDeviceFile(t, "devices:\n  - name: broken\n    major: 7\n"))
	if err == nil {
		t.Fatalf("expected error for device without thread limits")
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{"": ModeAuto, " Native ": ModeNative, "offline": ModeOffline} {
		got, err := Normalize(in)
		if err != nil || got != want {
			t.Fatalf("Normalize(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := Normalize("opencl"); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
