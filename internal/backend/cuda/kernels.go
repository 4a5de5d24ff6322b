package cuda

import (
	"fmt"
	"slices"
)

// Kernel identifies one of the fixed per-step or initialisation launches.
type Kernel int

const (
	KernelNeuronUpdate Kernel = iota
	KernelPresynapticUpdate
	KernelPostsynapticUpdate
	KernelSynapseDynamicsUpdate
	KernelInitialize
	KernelInitializeSparse
	KernelPreNeuronReset
	KernelPreSynapseReset
	KernelMax
)

var kernelNames = map[Kernel]string{
	KernelNeuronUpdate:          "updateNeuronsKernel",
	KernelPresynapticUpdate:     "updatePresynapticKernel",
	KernelPostsynapticUpdate:    "updatePostsynapticKernel",
	KernelSynapseDynamicsUpdate: "updateSynapseDynamicsKernel",
	KernelInitialize:            "initializeKernel",
	KernelInitializeSparse:      "initializeSparseKernel",
	KernelPreNeuronReset:        "preNeuronResetKernel",
	KernelPreSynapseReset:       "preSynapseResetKernel",
}

// String returns the symbol name of the generated kernel.
func (k Kernel) String() string {
	if name, ok := kernelNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kernel(%d)", int(k))
}

func (k Kernel) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kernel) UnmarshalText(text []byte) error {
	got, ok := KernelByName(string(text))
	if !ok {
		return fmt.Errorf("unknown kernel %q", text)
	}
	*k = got
	return nil
}

// Kernels lists every kernel in launch-table order.
func Kernels() []Kernel {
	out := make([]Kernel, 0, KernelMax)
	for k := range KernelMax {
		out = append(out, k)
	}
	return out
}

func KernelByName(name string) (Kernel, bool) {
	for k, n := range kernelNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

const warpSize = 32

// BlockSizes holds the thread-block size of every kernel.
type BlockSizes [KernelMax]int

// UniformBlockSizes returns sizes with every kernel set to size.
func UniformBlockSizes(size int) BlockSizes {
	var b BlockSizes
	for k := range b {
		b[k] = size
	}
	return b
}

// Validate checks every size is a positive multiple of the warp size.
func (b BlockSizes) Validate() error {
	for k, size := range b {
		if size <= 0 || size%warpSize != 0 {
			return fmt.Errorf("block size for %s must be a positive multiple of %d, got %d", Kernel(k), warpSize, size)
		}
	}
	return nil
}

// Map keys sizes by kernel name.
func (b BlockSizes) Map() map[string]int {
	out := make(map[string]int, len(b))
	for k, size := range b {
		out[Kernel(k).String()] = size
	}
	return out
}

// BlockSizesFromMap is the inverse of Map. Kernels missing from m keep
// the warp size.
func BlockSizesFromMap(m map[string]int) (BlockSizes, error) {
	b := UniformBlockSizes(warpSize)
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		k, ok := KernelByName(name)
		if !ok {
			return b, fmt.Errorf("unknown kernel %q", name)
		}
		b[k] = m[name]
	}
	return b, b.Validate()
}
