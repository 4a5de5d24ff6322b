package cuda

import (
	"fmt"

	"github.com/samcharles93/spikegen/internal/backend"
	"github.com/samcharles93/spikegen/internal/codegen"
	"github.com/samcharles93/spikegen/internal/model"
)

func (b *Backend) genPostsynapticKernel(os *codegen.Stream, m *model.Network, handler backend.SynapseGroupHandler) (int, error) {
	groups := filterGroups(m.SynapseGroups, postsynapticUpdateRequired)
	if len(groups) == 0 {
		return 0, nil
	}
	bs := b.blockSizes[KernelPostsynapticUpdate]

	idStart := 0
	genKernelHeader(os, KernelPostsynapticUpdate, m.LearnPostKernelParams(), m.TimePrecision+" t")
	err := os.Scope("", func() error {
		kernelSubs := kernelSubstitutions(m)
		kernelSubs.AddVar("t", "t")

		os.Line("const unsigned int id = %d * blockIdx.x + threadIdx.x;", bs)
		os.Line("__shared__ unsigned int shSpk[%d];", bs)
		if anyGroup(groups, func(sg *model.SynapseGroup) bool { return sg.Connectivity == model.Ragged }) {
			os.Line("__shared__ unsigned int shColLength[%d];", bs)
		}

		return genParallelGroup(os, kernelSubs, bs, &idStart, groups,
			func(sg *model.SynapseGroup) (string, int) { return sg.Name, numPostsynapticUpdateThreads(sg) },
			func(os *codegen.Stream, sg *model.SynapseGroup, popSubs *codegen.Substitutions) error {
				if err := b.genPostsynapticGroup(os, m, sg, popSubs, handler); err != nil {
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

// genPostsynapticGroup gives each presynaptic slot of a column a thread and
// loops over the target's spikes in shared-memory batches.
func (b *Backend) genPostsynapticGroup(os *codegen.Stream, m *model.Network, sg *model.SynapseGroup, popSubs *codegen.Substitutions, handler backend.SynapseGroupHandler) error {
	trg := sg.Trg()
	id := popSubs.MustVar("id")
	bs := b.blockSizes[KernelPostsynapticUpdate]
	genReadDelayOffsets(os, sg)

	slot, offset := "0", ""
	if trg.SpikeQueueDelayed() {
		slot, offset = "postReadDelaySlot", "postReadDelayOffset + "
	}
	os.Line("const unsigned int numSpikes = dd_glbSpkCnt%s[%s];", trg.Name, slot)
	os.Line("const unsigned int numSpikeBlocks = (numSpikes + %d) / %d;", bs-1, bs)

	limit := sg.MaxSourceConnections
	if sg.Connectivity != model.Ragged {
		limit = sg.Src().Size
	}
	return os.Scope("for (unsigned int r = 0; r < numSpikeBlocks; r++)", func() error {
		os.Line("const unsigned int numSpikesInBlock = (r == numSpikeBlocks - 1) ? ((numSpikes - 1) %% %d) + 1 : %d;", bs, bs)
		os.Line("__syncthreads();")
		os.Block("if (threadIdx.x < numSpikesInBlock)", func() {
			os.Line("const unsigned int spk = dd_glbSpk%s[%s(r * %d) + threadIdx.x];", trg.Name, offset, bs)
			os.Line("shSpk[threadIdx.x] = spk;")
			if sg.Connectivity == model.Ragged {
				os.Line("shColLength[threadIdx.x] = dd_colLength%s[spk];", sg.Name)
			}
		})
		os.Line("__syncthreads();")

		os.Line("// only work on existing neurons")
		return os.Scope(fmt.Sprintf("if (%s < %d)", id, limit), func() error {
			os.Line("// loop through all incoming spikes for learning")
			return os.Scope("for (unsigned int j = 0; j < numSpikesInBlock; j++)", func() error {
				if sg.Connectivity != model.Ragged {
					os.Line("const unsigned int synAddress = (%s * %d) + shSpk[j];", id, trg.Size)
					synSubs := b.synapseSubs(popSubs, sg, m.Precision, id, "shSpk[j]", "synAddress")
					return handler(os, sg, synSubs)
				}
				os.Line("unsigned int synAddress = shSpk[j] * %d;", sg.MaxSourceConnections)
				os.Line("const unsigned int npre = shColLength[j];")
				return os.Scope(fmt.Sprintf("if (%s < npre)", id), func() error {
					os.Line("synAddress += %s;", id)
					os.Line("const unsigned int synIndex = dd_remap%s[synAddress];", sg.Name)
					os.Line("const unsigned int ipre = synIndex / %d;", sg.MaxConnections)
					synSubs := b.synapseSubs(popSubs, sg, m.Precision, "ipre", "shSpk[j]", "synIndex")
					return handler(os, sg, synSubs)
				})
			})
		})
	})
}
