package cuda

import (
	"fmt"

	"github.com/samcharles93/spikegen/internal/backend"
	"github.com/samcharles93/spikegen/internal/codegen"
	"github.com/samcharles93/spikegen/internal/model"
)

func (b *Backend) genPresynapticKernel(os *codegen.Stream, m *model.Network, handlers backend.SynapseUpdateHandlers) (int, error) {
	groups := filterGroups(m.SynapseGroups, presynapticUpdateRequired)
	if len(groups) == 0 {
		return 0, nil
	}
	bs := b.blockSizes[KernelPresynapticUpdate]

	idStart := 0
	genKernelHeader(os, KernelPresynapticUpdate, m.SynapseKernelParams(), m.TimePrecision+" t")
	err := os.Scope("", func() error {
		kernelSubs := kernelSubstitutions(m)
		kernelSubs.AddVar("t", "t")

		os.Line("const unsigned int id = %d * blockIdx.x + threadIdx.x;", bs)
		if anyGroup(groups, b.shouldAccumulateInSharedMemory) {
			os.Line("__shared__ %s shLg[%d];", m.Precision, bs)
		}
		if anyGroup(groups, func(sg *model.SynapseGroup) bool {
			return sg.Span == model.SpanPostsynaptic && sg.Connectivity == model.Ragged
		}) {
			os.Line("__shared__ unsigned int shRowLength[%d];", bs)
		}
		if anyGroup(groups, (*model.SynapseGroup).TrueSpikeRequired) {
			os.Line("__shared__ unsigned int shSpk[%d];", bs)
		}
		if anyGroup(groups, (*model.SynapseGroup).SpikeEventRequired) {
			os.Line("__shared__ unsigned int shSpkEvnt[%d];", bs)
		}

		return genParallelGroup(os, kernelSubs, bs, &idStart, groups,
			func(sg *model.SynapseGroup) (string, int) { return sg.Name, numPresynapticUpdateThreads(sg) },
			func(os *codegen.Stream, sg *model.SynapseGroup, popSubs *codegen.Substitutions) error {
				return b.genPresynapticGroup(os, m, sg, popSubs, handlers)
			})
	})
	if err != nil {
		return 0, err
	}
	os.Blank()
	return idStart, nil
}

func (b *Backend) genPresynapticGroup(os *codegen.Stream, m *model.Network, sg *model.SynapseGroup, popSubs *codegen.Substitutions, handlers backend.SynapseUpdateHandlers) error {
	id := popSubs.MustVar("id")
	trgN := sg.Trg().Size
	genReadDelayOffsets(os, sg)

	switch {
	case sg.DendriticDelayRequired():
	case b.shouldAccumulateInLinSyn(sg):
		os.Line("%s linSyn = 0;", m.Precision)
		os.Block(fmt.Sprintf("if(%s < %d)", id, trgN), func() {
			os.Line("linSyn = dd_inSyn%s[%s];", sg.Name, id)
		})
	case b.shouldAccumulateInSharedMemory(sg):
		// Every block that touches the group adds its partial sums atomically,
		// so the staging array starts from zero.
		os.Block(fmt.Sprintf("if(threadIdx.x < %d)", trgN), func() {
			os.Line("shLg[threadIdx.x] = 0;")
		})
		os.Line("__syncthreads();")
	}

	for _, trueSpike := range []bool{false, true} {
		if trueSpike && !sg.TrueSpikeRequired() || !trueSpike && !sg.SpikeEventRequired() {
			continue
		}
		var err error
		if sg.Span == model.SpanPresynaptic {
			err = b.genPresynapticUpdatePreSpan(os, m, sg, popSubs, trueSpike, handlers)
		} else {
			err = b.genPresynapticUpdatePostSpan(os, m, sg, popSubs, trueSpike, handlers)
		}
		if err != nil {
			return fmt.Errorf("synapse group %q: %w", sg.Name, err)
		}
	}
	os.Blank()

	switch {
	case sg.DendriticDelayRequired():
	case b.shouldAccumulateInLinSyn(sg):
		os.Block(fmt.Sprintf("if(%s < %d)", id, trgN), func() {
			os.Line("dd_inSyn%s[%s] = linSyn;", sg.Name, id)
		})
	case b.shouldAccumulateInSharedMemory(sg):
		os.Line("__syncthreads();")
		os.Block(fmt.Sprintf("if(threadIdx.x < %d)", trgN), func() {
			os.Line("%s(&dd_inSyn%s[threadIdx.x], shLg[threadIdx.x]);", b.FloatAtomicAdd(m.Precision), sg.Name)
		})
	}
	return nil
}

func eventSuffix(trueSpike bool) string {
	if trueSpike {
		return ""
	}
	return "Evnt"
}

// genPresynapticUpdatePreSpan gives each spiking presynaptic neuron a
// thread that walks its row.
func (b *Backend) genPresynapticUpdatePreSpan(os *codegen.Stream, m *model.Network, sg *model.SynapseGroup, popSubs *codegen.Substitutions, trueSpike bool, handlers backend.SynapseUpdateHandlers) error {
	sfx := eventSuffix(trueSpike)
	src := sg.Src()
	id := popSubs.MustVar("id")

	slot, offset := "0", ""
	if src.DelayRequired() {
		slot, offset = "preReadDelaySlot", "preReadDelayOffset + "
	}
	return os.Scope(fmt.Sprintf("if(%s < dd_glbSpkCnt%s%s[%s])", id, sfx, src.Name, slot), func() error {
		os.Line("const unsigned int preInd = dd_glbSpk%s%s[%s%s];", sfx, src.Name, offset, id)
		os.Line("unsigned int synAddress = preInd * %d;", sg.MaxConnections)
		os.Line("const unsigned int npost = dd_rowLength%s[preInd];", sg.Name)

		body := func() error {
			return os.Scope("for(unsigned int i = 0; i < npost; i++, synAddress++)", func() error {
				os.Line("const unsigned int ipost = dd_ind%s[synAddress];", sg.Name)
				synSubs := b.synapseSubs(popSubs, sg, m.Precision, "preInd", "ipost", "synAddress")
				if !sg.DendriticDelayRequired() && b.shouldAccumulateInSharedMemory(sg) {
					synSubs.AddFunc("addToInSyn", 1, b.FloatAtomicAdd(m.Precision)+"(&shLg[ipost], $(0))")
				}
				return b.simHandler(trueSpike, handlers)(os, sg, synSubs)
			})
		}
		if trueSpike || !sg.EventThresholdRetestRequired() {
			return body()
		}
		threshSubs := codegen.NewSubstitutions(popSubs)
		threshSubs.AddVar("id_pre", "preInd")
		os.Printf("if(")
		if err := handlers.EventThreshold(os, sg, threshSubs); err != nil {
			return err
		}
		os.Printf(")")
		return os.Scope("", body)
	})
}

// genPresynapticUpdatePostSpan gives each column slot a thread that loops
// over the source spikes staged block by block in shared memory.
func (b *Backend) genPresynapticUpdatePostSpan(os *codegen.Stream, m *model.Network, sg *model.SynapseGroup, popSubs *codegen.Substitutions, trueSpike bool, handlers backend.SynapseUpdateHandlers) error {
	sfx := eventSuffix(trueSpike)
	src, trg := sg.Src(), sg.Trg()
	id := popSubs.MustVar("id")
	bs := b.blockSizes[KernelPresynapticUpdate]

	slot, offset := "0", ""
	if src.DelayRequired() {
		slot, offset = "preReadDelaySlot", "preReadDelayOffset + "
	}
	os.Line("const unsigned int numSpikes%s = dd_glbSpkCnt%s%s[%s];", sfx, sfx, src.Name, slot)
	os.Line("const unsigned int numSpike%sBlocks = (numSpikes%s + %d - 1) / %d;", sfx, sfx, bs, bs)

	return os.Scope(fmt.Sprintf("for (unsigned int r = 0; r < numSpike%sBlocks; r++)", sfx), func() error {
		os.Line("const unsigned int numSpikesInBlock = (r == numSpike%sBlocks - 1) ? ((numSpikes%s - 1) %% %d) + 1 : %d;", sfx, sfx, bs, bs)
		os.Line("__syncthreads();")
		os.Block("if (threadIdx.x < numSpikesInBlock)", func() {
			os.Line("const unsigned int spk = dd_glbSpk%s%s[%s(r * %d) + threadIdx.x];", sfx, src.Name, offset, bs)
			os.Line("shSpk%s[threadIdx.x] = spk;", sfx)
			if sg.Connectivity == model.Ragged {
				os.Line("shRowLength[threadIdx.x] = dd_rowLength%s[spk];", sg.Name)
			}
		})
		os.Line("__syncthreads();")

		os.Line("// loop through all incoming spikes")
		return os.Scope("for (unsigned int j = 0; j < numSpikesInBlock; j++)", func() error {
			os.Line("// only work on existing neurons")
			limit := sg.MaxConnections
			if sg.Connectivity != model.Ragged {
				limit = trg.Size
			}
			return os.Scope(fmt.Sprintf("if (%s < %d)", id, limit), func() error {
				return b.genPostSpanSynapse(os, m, sg, popSubs, trueSpike, handlers)
			})
		})
	})
}

func (b *Backend) genPostSpanSynapse(os *codegen.Stream, m *model.Network, sg *model.SynapseGroup, popSubs *codegen.Substitutions, trueSpike bool, handlers backend.SynapseUpdateHandlers) error {
	sfx := eventSuffix(trueSpike)
	src, trg := sg.Src(), sg.Trg()
	id := popSubs.MustVar("id")
	preInd := "shSpk" + sfx + "[j]"

	closers := 0
	defer func() {
		for range closers {
			os.Close()
		}
	}()

	if sg.Connectivity == model.Bitmask {
		if uint64(src.Size)*uint64(trg.Size) > 0xFFFFFFFF {
			os.Line("const uint64_t gid = (%s * %dull + %s);", preInd, trg.Size, id)
		} else {
			os.Line("const unsigned int gid = (%s * %d + %s);", preInd, trg.Size, id)
		}
	}

	retest := !trueSpike && sg.EventThresholdRetestRequired()
	if retest {
		threshSubs := codegen.NewSubstitutions(popSubs)
		threshSubs.AddVar("id_pre", preInd)
		threshSubs.AddVar("id_post", id)
		os.Printf("if(")
		if sg.Connectivity == model.Bitmask {
			os.Printf("(B(dd_gp%s[gid / 32], gid & 31)) && ", sg.Name)
		}
		if err := handlers.EventThreshold(os, sg, threshSubs); err != nil {
			return err
		}
		os.Printf(")")
		os.Open("")
		closers++
	} else if sg.Connectivity == model.Bitmask {
		os.Open(fmt.Sprintf("if (B(dd_gp%s[gid / 32], gid & 31))", sg.Name))
		closers++
	}

	var synAddress string
	switch sg.Connectivity {
	case model.Ragged:
		os.Line("unsigned int synAddress = %s * %d;", preInd, sg.MaxConnections)
		os.Line("const unsigned int npost = shRowLength[j];")
		os.Open(fmt.Sprintf("if (%s < npost)", id))
		closers++
		os.Line("synAddress += %s;", id)
		os.Line("const unsigned int ipost = dd_ind%s[synAddress];", sg.Name)
		synAddress = "synAddress"
	default:
		os.Line("const unsigned int ipost = %s;", id)
		if sg.Connectivity == model.Dense {
			os.Line("const unsigned int synAddress = (%s * %d) + ipost;", preInd, trg.Size)
			synAddress = "synAddress"
		}
	}

	synSubs := b.synapseSubs(popSubs, sg, m.Precision, preInd, "ipost", synAddress)
	if !sg.DendriticDelayRequired() {
		switch {
		case b.shouldAccumulateInLinSyn(sg):
			synSubs.AddFunc("addToInSyn", 1, "linSyn += $(0)")
		case b.shouldAccumulateInSharedMemory(sg):
			synSubs.AddFunc("addToInSyn", 1, b.FloatAtomicAdd(m.Precision)+"(&shLg[ipost], $(0))")
		}
	}
	return b.simHandler(trueSpike, handlers)(os, sg, synSubs)
}

func (b *Backend) simHandler(trueSpike bool, handlers backend.SynapseUpdateHandlers) backend.SynapseGroupHandler {
	if trueSpike {
		return handlers.Sim
	}
	return handlers.Event
}
