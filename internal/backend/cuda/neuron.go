package cuda

import (
	"fmt"

	"github.com/samcharles93/spikegen/internal/backend"
	"github.com/samcharles93/spikegen/internal/codegen"
	"github.com/samcharles93/spikegen/internal/model"
)

// GenNeuronUpdate writes the neuron reset and update kernels and the
// updateNeurons host wrapper.
func (b *Backend) GenNeuronUpdate(os *codegen.Stream, m *model.Network, handler backend.NeuronGroupHandler) error {
	if err := m.CheckFinalized(); err != nil {
		return err
	}

	numReset := b.genPreNeuronResetKernel(os, m)
	os.Blank()

	idStart := 0
	bs := b.blockSizes[KernelNeuronUpdate]
	genKernelHeader(os, KernelNeuronUpdate, m.NeuronKernelParams(), m.TimePrecision+" t")
	err := os.Scope("", func() error {
		os.Line("const unsigned int id = %d * blockIdx.x + threadIdx.x;", bs)

		kernelSubs := kernelSubstitutions(m)
		kernelSubs.AddVar("t", "t")

		if anyGroup(m.NeuronGroups, (*model.NeuronGroup).SpikeEventRequired) {
			os.Line("__shared__ volatile unsigned int shSpkEvnt[%d];", bs)
			os.Line("__shared__ volatile unsigned int shPosSpkEvnt;")
			os.Line("__shared__ volatile unsigned int shSpkEvntCount;")
			os.Blank()
			os.Block("if (threadIdx.x == 1)", func() {
				os.Line("shSpkEvntCount = 0;")
			})
			os.Blank()
		}
		if anyGroup(m.NeuronGroups, (*model.NeuronGroup).HasThreshold) {
			os.Line("__shared__ volatile unsigned int shSpk[%d];", bs)
			os.Line("__shared__ volatile unsigned int shPosSpk;")
			os.Line("__shared__ volatile unsigned int shSpkCount;")
			os.Block("if (threadIdx.x == 0)", func() {
				os.Line("shSpkCount = 0;")
			})
			os.Blank()
		}
		os.Line("__syncthreads();")

		return genParallelGroup(os, kernelSubs, bs, &idStart, m.NeuronGroups,
			func(ng *model.NeuronGroup) (string, int) { return ng.Name, ng.Size },
			func(os *codegen.Stream, ng *model.NeuronGroup, popSubs *codegen.Substitutions) error {
				return b.genNeuronGroupUpdate(os, ng, popSubs, handler)
			})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", KernelNeuronUpdate, err)
	}
	os.Blank()

	return os.Scope(fmt.Sprintf("void updateNeurons(%s t)", m.TimePrecision), func() error {
		if numReset > 0 {
			if err := os.Scope("", func() error {
				if err := b.genKernelDimensions(os, KernelPreNeuronReset, numReset); err != nil {
					return err
				}
				genLaunch(os, KernelPreNeuronReset, nil, "")
				return nil
			}); err != nil {
				return err
			}
		}
		if idStart > 0 {
			return os.Scope("", func() error {
				if err := b.genKernelDimensions(os, KernelNeuronUpdate, idStart); err != nil {
					return err
				}
				genLaunch(os, KernelNeuronUpdate, m.NeuronKernelParams(), "t")
				return nil
			})
		}
		return nil
	})
}

func (b *Backend) genNeuronGroupUpdate(os *codegen.Stream, ng *model.NeuronGroup, popSubs *codegen.Substitutions, handler backend.NeuronGroupHandler) error {
	id := popSubs.MustVar("id")
	if ng.DelayRequired() {
		os.Line("const unsigned int writeDelayOffset = dd_spkQuePtr%s * %d;", ng.Name, ng.Size)
	}
	os.Blank()

	err := os.Scope(fmt.Sprintf("if(%s < %d)", id, ng.Size), func() error {
		if ng.SimRNGRequired() {
			popSubs.AddVar("rng", fmt.Sprintf("&dd_rng%s[%s]", ng.Name, id))
		}
		return handler(os, ng, popSubs)
	})
	if err != nil {
		return err
	}
	os.Line("__syncthreads();")

	if ng.SpikeEventRequired() {
		os.Block("if (threadIdx.x == 1)", func() {
			os.Block("if (shSpkEvntCount > 0)", func() {
				os.Line("shPosSpkEvnt = atomicAdd((unsigned int *) &dd_glbSpkCntEvnt%s[%s], shSpkEvntCount);", ng.Name, queueSlot(ng, ng.SpikeEventQueueDelayed()))
			})
		})
		os.Line("__syncthreads();")
	}
	if ng.HasThreshold() {
		os.Block("if (threadIdx.x == 0)", func() {
			os.Block("if (shSpkCount > 0)", func() {
				os.Line("shPosSpk = atomicAdd((unsigned int *) &dd_glbSpkCnt%s[%s], shSpkCount);", ng.Name, queueSlot(ng, ng.SpikeQueueDelayed()))
			})
		})
		os.Line("__syncthreads();")
	}

	queueOffset := ""
	if ng.DelayRequired() {
		queueOffset = "writeDelayOffset + "
	}
	if ng.SpikeEventRequired() {
		os.Block("if (threadIdx.x < shSpkEvntCount)", func() {
			os.Line("dd_glbSpkEvnt%s[%sshPosSpkEvnt + threadIdx.x] = shSpkEvnt[threadIdx.x];", ng.Name, queueOffset)
		})
	}
	if ng.HasThreshold() {
		trueSpikeOffset := ""
		if ng.SpikeQueueDelayed() {
			trueSpikeOffset = queueOffset
		}
		os.Block("if (threadIdx.x < shSpkCount)", func() {
			os.Line("const unsigned int n = shSpk[threadIdx.x];")
			os.Line("dd_glbSpk%s[%sshPosSpk + threadIdx.x] = n;", ng.Name, trueSpikeOffset)
			if ng.SpikeTimeRequired() {
				os.Line("dd_sT%s[%sn] = t;", ng.Name, queueOffset)
			}
		})
	}
	return nil
}

// genPreNeuronResetKernel writes the one-thread-per-population reset and
// returns the number of threads it needs.
func (b *Backend) genPreNeuronResetKernel(os *codegen.Stream, m *model.Network) int {
	os.Block(fmt.Sprintf("extern \"C\" __global__ void %s()", KernelPreNeuronReset), func() {
		os.Line("const unsigned int id = %d * blockIdx.x + threadIdx.x;", b.blockSizes[KernelPreNeuronReset])
		for i, ng := range m.NeuronGroups {
			header := fmt.Sprintf("if(id == %d)", i)
			if i > 0 {
				header = "else " + header
			}
			os.Block(header, func() {
				if ng.DelayRequired() {
					os.Line("dd_spkQuePtr%s = (dd_spkQuePtr%s + 1) %% %d;", ng.Name, ng.Name, ng.NumDelaySlots())
					if ng.SpikeEventRequired() {
						os.Line("dd_glbSpkCntEvnt%s[dd_spkQuePtr%s] = 0;", ng.Name, ng.Name)
					}
					if ng.TrueSpikeRequired() {
						os.Line("dd_glbSpkCnt%s[dd_spkQuePtr%s] = 0;", ng.Name, ng.Name)
					} else {
						os.Line("dd_glbSpkCnt%s[0] = 0;", ng.Name)
					}
					return
				}
				if ng.SpikeEventRequired() {
					os.Line("dd_glbSpkCntEvnt%s[0] = 0;", ng.Name)
				}
				os.Line("dd_glbSpkCnt%s[0] = 0;", ng.Name)
			})
		}
	})
	return len(m.NeuronGroups)
}

// GenEmitSpike reserves a slot in the block's staging buffer and records
// the current neuron in it.
func (b *Backend) GenEmitSpike(os *codegen.Stream, subs *codegen.Substitutions, suffix string) {
	os.Line("const unsigned int spk%sIdx = atomicAdd((unsigned int *) &shSpk%sCount, 1);", suffix, suffix)
	os.Line("shSpk%s[spk%sIdx] = %s;", suffix, suffix, subs.MustVar("id"))
}

func queueSlot(ng *model.NeuronGroup, delayed bool) string {
	if delayed {
		return "dd_spkQuePtr" + ng.Name
	}
	return "0"
}

func anyGroup[G any](groups []G, pred func(G) bool) bool {
	for _, g := range groups {
		if pred(g) {
			return true
		}
	}
	return false
}
