package cuda

import (
	"fmt"

	"github.com/samcharles93/spikegen/internal/backend"
	"github.com/samcharles93/spikegen/internal/codegen"
	"github.com/samcharles93/spikegen/internal/model"
)

func (b *Backend) genSynapseDynamicsKernel(os *codegen.Stream, m *model.Network, handler backend.SynapseGroupHandler) (int, error) {
	groups := filterGroups(m.SynapseGroups, synapseDynamicsRequired)
	if len(groups) == 0 {
		return 0, nil
	}
	bs := b.blockSizes[KernelSynapseDynamicsUpdate]

	idStart := 0
	genKernelHeader(os, KernelSynapseDynamicsUpdate, m.SynapseDynamicsKernelParams(), m.TimePrecision+" t")
	err := os.Scope("", func() error {
		kernelSubs := kernelSubstitutions(m)
		kernelSubs.AddVar("t", "t")

		os.Line("const unsigned int id = %d * blockIdx.x + threadIdx.x;", bs)
		return genParallelGroup(os, kernelSubs, bs, &idStart, groups,
			func(sg *model.SynapseGroup) (string, int) { return sg.Name, numSynapseDynamicsThreads(sg) },
			func(os *codegen.Stream, sg *model.SynapseGroup, popSubs *codegen.Substitutions) error {
				if err := b.genSynapseDynamicsGroup(os, m, sg, popSubs, handler); err != nil {
					return fmt.Errorf("synapse group %q: %w", sg.Name, err)
				}
				return nil
			})
	})
	if err != nil {
		return 0, err
	}
	os.Blank()
	return idStart, nil
}

// genSynapseDynamicsGroup runs one thread per existing synapse. Ragged
// groups find their synapse through synRemap, whose first entry holds the
// synapse count.
func (b *Backend) genSynapseDynamicsGroup(os *codegen.Stream, m *model.Network, sg *model.SynapseGroup, popSubs *codegen.Substitutions, handler backend.SynapseGroupHandler) error {
	id := popSubs.MustVar("id")
	genReadDelayOffsets(os, sg)

	if sg.Connectivity == model.Ragged {
		return os.Scope(fmt.Sprintf("if (%s < dd_synRemap%s[0])", id, sg.Name), func() error {
			os.Line("const unsigned int s = dd_synRemap%s[1 + %s];", sg.Name, id)
			synSubs := b.synapseSubs(popSubs, sg, m.Precision,
				fmt.Sprintf("s / %d", sg.MaxConnections), fmt.Sprintf("dd_ind%s[s]", sg.Name), "s")
			return handler(os, sg, synSubs)
		})
	}

	trgN := sg.Trg().Size
	return os.Scope(fmt.Sprintf("if (%s < %d)", id, sg.Src().Size*trgN), func() error {
		synSubs := b.synapseSubs(popSubs, sg, m.Precision,
			fmt.Sprintf("%s / %d", id, trgN), fmt.Sprintf("%s %% %d", id, trgN), id)
		return handler(os, sg, synSubs)
	})
}
