package cuda

import (
	"slices"
	"testing"

	"github.com/samcharles93/spikegen/internal/model"
)

func TestPaddedSum(t *testing.T) {
	t.Parallel()

	cases := []struct {
		sizes []int
		bs    int
		want  int
	}{
		{nil, 32, 0},
		{[]int{100}, 32, 128},
		{[]int{32}, 32, 32},
		{[]int{1, 1, 1}, 64, 192},
		{[]int{100, 20}, 64, 192},
	}
	for _, tc := range cases {
		if got := paddedSum(tc.sizes, tc.bs); got != tc.want {
			t.Fatalf("paddedSum(%v, %d) = %d, want %d", tc.sizes, tc.bs, got, tc.want)
		}
	}
}

func TestPartitionIsContiguous(t *testing.T) {
	t.Parallel()

	names := []string{"A", "B", "C"}
	sizes := []int{100, 1, 64}
	ranges := Partition(names, sizes, 32, 0)
	want := []GroupRange{{"A", 0, 128}, {"B", 128, 160}, {"C", 160, 224}}
	if !slices.Equal(ranges, want) {
		t.Fatalf("Partition = %v, want %v", ranges, want)
	}
	for i := 1; i < len(ranges); i++ {
		if ranges[i].Start != ranges[i-1].End {
			t.Fatalf("gap between %s and %s", ranges[i-1].Name, ranges[i].Name)
		}
	}
	if last := ranges[len(ranges)-1].End; last != paddedSum(sizes, 32) {
		t.Fatalf("partition end %d != paddedSum %d", last, paddedSum(sizes, 32))
	}

	offset := Partition(names[:1], sizes[:1], 32, 64)
	if offset[0].Start != 64 || offset[0].End != 192 {
		t.Fatalf("offset partition = %v", offset)
	}
}

func TestGroupSizes(t *testing.T) {
	t.Parallel()

	m := raggedLearnPostModel()
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	sizes := GroupSizes(m)

	if !slices.Equal(sizes[KernelNeuronUpdate], []int{100, 200}) {
		t.Fatalf("neuron sizes = %v", sizes[KernelNeuronUpdate])
	}
	if !slices.Equal(sizes[KernelPresynapticUpdate], []int{64}) {
		t.Fatalf("presynaptic sizes = %v, want maxConnections", sizes[KernelPresynapticUpdate])
	}
	if !slices.Equal(sizes[KernelPostsynapticUpdate], []int{200}) {
		t.Fatalf("postsynaptic sizes = %v, want maxSourceConnections", sizes[KernelPostsynapticUpdate])
	}
	if len(sizes[KernelSynapseDynamicsUpdate]) != 0 {
		t.Fatalf("no group has synapse dynamics, got %v", sizes[KernelSynapseDynamicsUpdate])
	}
	if !slices.Equal(sizes[KernelInitializeSparse], []int{200}) {
		t.Fatalf("sparse init sizes = %v", sizes[KernelInitializeSparse])
	}
	if !slices.Equal(sizes[KernelPreNeuronReset], []int{2}) {
		t.Fatalf("pre neuron reset = %v", sizes[KernelPreNeuronReset])
	}
}

func TestBlockSizesValidate(t *testing.T) {
	t.Parallel()

	if err := UniformBlockSizes(64).Validate(); err != nil {
		t.Fatalf("uniform 64: %v", err)
	}
	bad := UniformBlockSizes(64)
	bad[KernelInitialize] = 48
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for a non-warp multiple")
	}
	bad[KernelInitialize] = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for zero")
	}
}

func TestBlockSizesFromMap(t *testing.T) {
	t.Parallel()

	sizes := UniformBlockSizes(32)
	sizes[KernelNeuronUpdate] = 256
	got, err := BlockSizesFromMap(sizes.Map())
	if err != nil {
		t.Fatalf("BlockSizesFromMap: %v", err)
	}
	if got != sizes {
		t.Fatalf("round trip = %v, want %v", got, sizes)
	}
	if _, err := BlockSizesFromMap(map[string]int{"bogusKernel": 32}); err == nil {
		t.Fatalf("expected error for unknown kernel")
	}
}

func raggedLearnPostModel() *model.Network {
	return &model.Network{
		Name: "ragged",
		NeuronGroups: []*model.NeuronGroup{
			{Name: "Pre", Size: 200, Vars: []model.Var{{Name: "V"}}, ThresholdCode: "$(V) > 1.0", ResetCode: "$(V) = 0.0;"},
			{Name: "Post", Size: 100, Vars: []model.Var{{Name: "V"}}, ThresholdCode: "$(V) > 1.0", ResetCode: "$(V) = 0.0;"},
		},
		SynapseGroups: []*model.SynapseGroup{{
			Name:                 "PrePost",
			Source:               "Pre",
			Target:               "Post",
			Connectivity:         model.Ragged,
			MaxConnections:       64,
			SimCode:              "$(addToInSyn, $(g));",
			LearnPostCode:        "$(g) += 0.01;",
			ConnectivityInitCode: "$(addSynapse, $(id_pre) % 100);",
			Vars:                 []model.Var{{Name: "g", Init: "0.1"}},
		}},
	}
}
