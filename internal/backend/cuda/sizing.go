package cuda

import "github.com/samcharles93/spikegen/internal/model"

func ceilDivide(numerator, denominator int) int {
	return (numerator + denominator - 1) / denominator
}

func padSize(size, blockSize int) int {
	return ceilDivide(size, blockSize) * blockSize
}

// paddedSum is the number of threads a kernel launches for groups of the
// given sizes.
func paddedSum(sizes []int, blockSize int) int {
	total := 0
	for _, size := range sizes {
		total += padSize(size, blockSize)
	}
	return total
}

func numPresynapticUpdateThreads(sg *model.SynapseGroup) int {
	if sg.Connectivity.Sparse() {
		if sg.Span == model.SpanPresynaptic {
			return sg.Src().Size
		}
		return sg.MaxConnections
	}
	return sg.Trg().Size
}

func numPostsynapticUpdateThreads(sg *model.SynapseGroup) int {
	if sg.Connectivity.Sparse() {
		return sg.MaxSourceConnections
	}
	return sg.Src().Size
}

func numSynapseDynamicsThreads(sg *model.SynapseGroup) int {
	if sg.Connectivity.Sparse() {
		return sg.Src().Size * sg.MaxConnections
	}
	return sg.Src().Size * sg.Trg().Size
}

// Group membership predicates shared by sizing and emission so the two can
// never disagree about which groups a kernel covers.

func presynapticUpdateRequired(sg *model.SynapseGroup) bool {
	return sg.TrueSpikeRequired() || sg.SpikeEventRequired()
}

func postsynapticUpdateRequired(sg *model.SynapseGroup) bool { return sg.LearnPostRequired() }

func synapseDynamicsRequired(sg *model.SynapseGroup) bool { return sg.SynapseDynamicsRequired() }

func neuronInitRequired(ng *model.NeuronGroup) bool {
	return ng.SimRNGRequired() || ng.InitCodeRequired()
}

func denseInitRequired(sg *model.SynapseGroup) bool {
	return sg.Connectivity == model.Dense && sg.Individual() && sg.WUVarInitRequired()
}

func sparseConnectivityInitRequired(sg *model.SynapseGroup) bool {
	return sg.SparseConnectivityInitRequired()
}

func sparseInitRequired(sg *model.SynapseGroup) bool { return sg.SparseInitRequired() }

func filterGroups[G any](groups []G, keep func(G) bool) []G {
	var out []G
	for _, g := range groups {
		if keep(g) {
			out = append(out, g)
		}
	}
	return out
}

// GroupSizes returns, per kernel, the unpadded thread count of every group
// that takes part in it, in emission order.
func GroupSizes(m *model.Network) [KernelMax][]int {
	var sizes [KernelMax][]int

	for _, ng := range m.NeuronGroups {
		sizes[KernelNeuronUpdate] = append(sizes[KernelNeuronUpdate], ng.Size)
	}

	for _, ng := range filterGroups(m.NeuronGroups, neuronInitRequired) {
		sizes[KernelInitialize] = append(sizes[KernelInitialize], ng.Size)
	}
	for _, sg := range filterGroups(m.SynapseGroups, denseInitRequired) {
		sizes[KernelInitialize] = append(sizes[KernelInitialize], sg.Src().Size*sg.Trg().Size)
	}
	for _, sg := range filterGroups(m.SynapseGroups, sparseConnectivityInitRequired) {
		sizes[KernelInitialize] = append(sizes[KernelInitialize], sg.Src().Size)
	}

	for _, sg := range m.SynapseGroups {
		if presynapticUpdateRequired(sg) {
			sizes[KernelPresynapticUpdate] = append(sizes[KernelPresynapticUpdate], numPresynapticUpdateThreads(sg))
		}
		if postsynapticUpdateRequired(sg) {
			sizes[KernelPostsynapticUpdate] = append(sizes[KernelPostsynapticUpdate], numPostsynapticUpdateThreads(sg))
		}
		if synapseDynamicsRequired(sg) {
			sizes[KernelSynapseDynamicsUpdate] = append(sizes[KernelSynapseDynamicsUpdate], numSynapseDynamicsThreads(sg))
		}
		if sparseInitRequired(sg) {
			sizes[KernelInitializeSparse] = append(sizes[KernelInitializeSparse], sg.Src().Size)
		}
	}

	sizes[KernelPreNeuronReset] = []int{len(m.NeuronGroups)}
	sizes[KernelPreSynapseReset] = []int{m.NumPreSynapseResetGroups()}
	return sizes
}
