package cuda

import (
	"fmt"

	"github.com/samcharles93/spikegen/internal/backend"
	"github.com/samcharles93/spikegen/internal/codegen"
	"github.com/samcharles93/spikegen/internal/model"
)

// GenSynapseUpdate writes the dendritic-delay reset, synapse dynamics,
// presynaptic and postsynaptic kernels together with updateSynapses.
// Kernels no group qualifies for are left out along with their launches.
func (b *Backend) GenSynapseUpdate(os *codegen.Stream, m *model.Network, handlers backend.SynapseUpdateHandlers) error {
	if err := m.CheckFinalized(); err != nil {
		return err
	}
	for _, sg := range m.SynapseGroups {
		if err := checkSynapseGroup(sg); err != nil {
			return err
		}
	}

	numReset := b.genPreSynapseResetKernel(os, m)

	dynamicsThreads, err := b.genSynapseDynamicsKernel(os, m, handlers.Dynamics)
	if err != nil {
		return fmt.Errorf("%s: %w", KernelSynapseDynamicsUpdate, err)
	}
	presynapticThreads, err := b.genPresynapticKernel(os, m, handlers)
	if err != nil {
		return fmt.Errorf("%s: %w", KernelPresynapticUpdate, err)
	}
	postsynapticThreads, err := b.genPostsynapticKernel(os, m, handlers.PostLearn)
	if err != nil {
		return fmt.Errorf("%s: %w", KernelPostsynapticUpdate, err)
	}

	launches := []struct {
		kernel  Kernel
		threads int
		params  []model.KernelParam
		args    string
	}{
		{KernelPreSynapseReset, numReset, nil, ""},
		{KernelSynapseDynamicsUpdate, dynamicsThreads, m.SynapseDynamicsKernelParams(), "t"},
		{KernelPresynapticUpdate, presynapticThreads, m.SynapseKernelParams(), "t"},
		{KernelPostsynapticUpdate, postsynapticThreads, m.LearnPostKernelParams(), "t"},
	}
	return os.Scope(fmt.Sprintf("void updateSynapses(%s t)", m.TimePrecision), func() error {
		for _, l := range launches {
			if l.threads == 0 {
				continue
			}
			err := os.Scope("", func() error {
				if err := b.genKernelDimensions(os, l.kernel, l.threads); err != nil {
					return err
				}
				genLaunch(os, l.kernel, l.params, l.args)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// checkSynapseGroup rejects combinations the kernels cannot express.
func checkSynapseGroup(sg *model.SynapseGroup) error {
	switch {
	case sg.Span == model.SpanPresynaptic && sg.Connectivity != model.Ragged:
		return fmt.Errorf("%w: synapse group %q: presynaptic span requires ragged connectivity", ErrUnsupported, sg.Name)
	case sg.Connectivity == model.Bitmask && (sg.SynapseDynamicsRequired() || sg.LearnPostRequired()):
		return fmt.Errorf("%w: synapse group %q: bitmask connectivity supports neither synapse dynamics nor postsynaptic learning", ErrUnsupported, sg.Name)
	case sg.Connectivity == model.Ragged && (sg.SynapseDynamicsRequired() || sg.LearnPostRequired()) && !sg.SparseConnectivityInitRequired():
		return fmt.Errorf("%w: synapse group %q: ragged remaps are only built for device-initialised connectivity", ErrUnsupported, sg.Name)
	}
	return nil
}

func (b *Backend) genPreSynapseResetKernel(os *codegen.Stream, m *model.Network) int {
	groups := filterGroups(m.SynapseGroups, (*model.SynapseGroup).DendriticDelayRequired)
	if len(groups) == 0 {
		return 0
	}
	os.Block(fmt.Sprintf("extern \"C\" __global__ void %s()", KernelPreSynapseReset), func() {
		os.Line("const unsigned int id = %d * blockIdx.x + threadIdx.x;", b.blockSizes[KernelPreSynapseReset])
		for i, sg := range groups {
			header := fmt.Sprintf("if(id == %d)", i)
			if i > 0 {
				header = "else " + header
			}
			os.Block(header, func() {
				os.Line("dd_denDelayPtr%s = (dd_denDelayPtr%s + 1) %% %d;", sg.Name, sg.Name, sg.MaxDendriticDelaySteps)
			})
		}
	})
	os.Blank()
	return len(groups)
}

// synapseSubs returns a child scope with the synapse indices and the
// atomic addToInSyn/addToInSynDelay functions targeting global memory.
func (b *Backend) synapseSubs(parent *codegen.Substitutions, sg *model.SynapseGroup, precision, idPre, idPost, idSyn string) *codegen.Substitutions {
	subs := codegen.NewSubstitutions(parent)
	subs.AddVar("id_pre", idPre)
	subs.AddVar("id_post", idPost)
	if idSyn != "" {
		subs.AddVar("id_syn", idSyn)
	}
	atomic := b.FloatAtomicAdd(precision)
	if sg.DendriticDelayRequired() {
		subs.AddFunc("addToInSynDelay", 2, fmt.Sprintf("%s(&dd_denDelay%s[%s%s], $(0))", atomic, sg.Name, sg.DendriticDelayOffset("dd_", "$(1)"), idPost))
	} else {
		subs.AddFunc("addToInSyn", 1, fmt.Sprintf("%s(&dd_inSyn%s[%s], $(0))", atomic, sg.Name, idPost))
	}
	return subs
}

// genReadDelayOffsets declares the queue offsets used by handlers reading
// delayed pre and postsynaptic spike times.
func genReadDelayOffsets(os *codegen.Stream, sg *model.SynapseGroup) {
	if src := sg.Src(); src.DelayRequired() {
		os.Line("const unsigned int preReadDelaySlot = %s;", sg.AxonalDelaySlot("dd_"))
		os.Line("const unsigned int preReadDelayOffset = preReadDelaySlot * %d;", src.Size)
	}
	if trg := sg.Trg(); trg.DelayRequired() {
		os.Line("const unsigned int postReadDelaySlot = %s;", sg.BackPropDelaySlot("dd_"))
		os.Line("const unsigned int postReadDelayOffset = postReadDelaySlot * %d;", trg.Size)
	}
}
