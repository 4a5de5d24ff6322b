package cuda

import (
	"fmt"

	"github.com/samcharles93/spikegen/internal/backend"
	"github.com/samcharles93/spikegen/internal/codegen"
	"github.com/samcharles93/spikegen/internal/model"
)

// GenInit writes the RNG seeding kernel, the initialize and
// initializeSparse kernels and their host wrappers.
func (b *Backend) GenInit(os *codegen.Stream, m *model.Network, handlers backend.InitHandlers) error {
	if err := m.CheckFinalized(); err != nil {
		return err
	}
	for _, sg := range m.SynapseGroups {
		if err := checkSynapseGroup(sg); err != nil {
			return err
		}
	}

	os.Line("#include <iostream>")
	os.Line("#include <random>")
	os.Blank()

	globalRNG := b.IsGlobalRNGRequired(m)
	if globalRNG {
		os.Block("extern \"C\" __global__ void initializeRNGKernel(unsigned long long deviceRNGSeed)", func() {
			os.Block("if(threadIdx.x == 0)", func() {
				os.Line("curand_init(deviceRNGSeed, 0, 0, &dd_rng[0]);")
			})
		})
		os.Blank()
	}

	initThreads, err := b.genInitializeKernel(os, m, handlers)
	if err != nil {
		return fmt.Errorf("%s: %w", KernelInitialize, err)
	}
	sparseThreads, err := b.genInitializeSparseKernel(os, m, handlers.SparseVarsInit, initThreads)
	if err != nil {
		return fmt.Errorf("%s: %w", KernelInitializeSparse, err)
	}

	err = os.Scope("void initialize()", func() error {
		os.Line("unsigned long long deviceRNGSeed = 0;")
		if globalRNG {
			if m.Seed == 0 {
				os.Block("", func() {
					os.Line("std::random_device seedSource;")
					os.Line("uint32_t *deviceRNGSeedWord = reinterpret_cast<uint32_t*>(&deviceRNGSeed);")
					os.Block("for(int i = 0; i < 2; i++)", func() {
						os.Line("deviceRNGSeedWord[i] = seedSource();")
					})
				})
			} else {
				os.Line("deviceRNGSeed = %d;", m.Seed)
			}
			os.Line("initializeRNGKernel<<<1, 1>>>(deviceRNGSeed);")
		}

		for _, sg := range m.SynapseGroups {
			if sg.InSynLocation.Device() {
				os.Line("CHECK_CUDA_ERRORS(cudaMemset(d_inSyn%s, 0, %d * sizeof(%s)));", sg.Name, sg.Trg().Size, m.Precision)
			}
			if sg.DendriticDelayRequired() && sg.DendriticDelayLocation.Device() {
				os.Line("CHECK_CUDA_ERRORS(cudaMemset(d_denDelay%s, 0, %d * sizeof(%s)));", sg.Name, sg.MaxDendriticDelaySteps*sg.Trg().Size, m.Precision)
			}
			if !sg.SparseConnectivityInitRequired() {
				continue
			}
			switch {
			case sg.Connectivity == model.Bitmask:
				os.Line("CHECK_CUDA_ERRORS(cudaMemset(d_gp%s, 0, %d * sizeof(uint32_t)));", sg.Name, BitmaskWords(sg))
			case sg.Connectivity == model.Ragged && sg.LearnPostRequired():
				os.Line("CHECK_CUDA_ERRORS(cudaMemset(d_colLength%s, 0, %d * sizeof(unsigned int)));", sg.Name, sg.Trg().Size)
			}
		}

		if initThreads > 0 {
			if err := b.genKernelDimensions(os, KernelInitialize, initThreads); err != nil {
				return err
			}
			genLaunch(os, KernelInitialize, m.InitKernelParams(), "deviceRNGSeed")
		}
		return nil
	})
	if err != nil {
		return err
	}
	os.Blank()

	return os.Scope("void initializeSparse()", func() error {
		os.Line("copyStateToDevice(true);")
		os.Blank()
		if sparseThreads > 0 {
			if err := b.genKernelDimensions(os, KernelInitializeSparse, sparseThreads); err != nil {
				return err
			}
			genLaunch(os, KernelInitializeSparse, nil, "")
		}
		return nil
	})
}

// BitmaskWords is the number of 32-bit words backing a bitmask group.
func BitmaskWords(sg *model.SynapseGroup) int {
	return sg.Src().Size*sg.Trg().Size/32 + 1
}

func genInitRNG(os *codegen.Stream, subs *codegen.Substitutions, skip string) {
	os.Line("curandStatePhilox4_32_10_t initRNG = dd_rng[0];")
	os.Line("skipahead_sequence((unsigned long long)%s, &initRNG);", skip)
	subs.AddVar("rng", "&initRNG")
}

func (b *Backend) genInitializeKernel(os *codegen.Stream, m *model.Network, handlers backend.InitHandlers) (int, error) {
	neurons := filterGroups(m.NeuronGroups, neuronInitRequired)
	dense := filterGroups(m.SynapseGroups, denseInitRequired)
	sparse := filterGroups(m.SynapseGroups, sparseConnectivityInitRequired)
	if len(neurons)+len(dense)+len(sparse) == 0 {
		return 0, nil
	}
	bs := b.blockSizes[KernelInitialize]

	idStart := 0
	genKernelHeader(os, KernelInitialize, m.InitKernelParams(), "unsigned long long deviceRNGSeed")
	err := os.Scope("", func() error {
		kernelSubs := kernelSubstitutions(m)
		os.Line("const unsigned int id = %d * blockIdx.x + threadIdx.x;", bs)

		os.Line("// ------------------------------------------------------------------------")
		os.Line("// Neuron groups")
		err := genParallelGroup(os, kernelSubs, bs, &idStart, neurons,
			func(ng *model.NeuronGroup) (string, int) { return ng.Name, ng.Size },
			func(os *codegen.Stream, ng *model.NeuronGroup, popSubs *codegen.Substitutions) error {
				lid := popSubs.MustVar("id")
				os.Line("// only do this for existing neurons")
				return os.Scope(fmt.Sprintf("if(%s < %d)", lid, ng.Size), func() error {
					if ng.SimRNGRequired() {
						os.Line("curand_init(deviceRNGSeed, id, 0, &dd_rng%s[%s]);", ng.Name, lid)
					}
					if ng.InitRNGRequired() {
						genInitRNG(os, popSubs, "id")
					}
					return handlers.Neuron(os, ng, popSubs)
				})
			})
		if err != nil {
			return err
		}
		os.Blank()

		os.Line("// ------------------------------------------------------------------------")
		os.Line("// Synapse groups with dense connectivity")
		err = genParallelGroup(os, kernelSubs, bs, &idStart, dense,
			func(sg *model.SynapseGroup) (string, int) { return sg.Name, sg.Src().Size * sg.Trg().Size },
			func(os *codegen.Stream, sg *model.SynapseGroup, popSubs *codegen.Substitutions) error {
				lid := popSubs.MustVar("id")
				trgN := sg.Trg().Size
				os.Line("// only do this for existing synapses")
				return os.Scope(fmt.Sprintf("if(%s < %d)", lid, sg.Src().Size*trgN), func() error {
					if sg.WUInitRNGRequired() {
						genInitRNG(os, popSubs, "id")
					}
					popSubs.AddVar("id_pre", fmt.Sprintf("(%s / %d)", lid, trgN))
					popSubs.AddVar("id_post", fmt.Sprintf("(%s %% %d)", lid, trgN))
					popSubs.AddVar("id_syn", lid)
					return handlers.Dense(os, sg, popSubs)
				})
			})
		if err != nil {
			return err
		}
		os.Blank()

		os.Line("// ------------------------------------------------------------------------")
		os.Line("// Synapse groups with sparse connectivity")
		return genParallelGroup(os, kernelSubs, bs, &idStart, sparse,
			func(sg *model.SynapseGroup) (string, int) { return sg.Name, sg.Src().Size },
			func(os *codegen.Stream, sg *model.SynapseGroup, popSubs *codegen.Substitutions) error {
				return genSparseConnectivityInit(os, sg, popSubs, handlers.SparseConnect)
			})
	})
	if err != nil {
		return 0, err
	}
	os.Blank()
	return idStart, nil
}

// genSparseConnectivityInit gives each presynaptic neuron a thread that
// builds its row through $(addSynapse, j).
func genSparseConnectivityInit(os *codegen.Stream, sg *model.SynapseGroup, popSubs *codegen.Substitutions, handler backend.SynapseGroupHandler) error {
	lid := popSubs.MustVar("id")
	srcN, trgN := sg.Src().Size, sg.Trg().Size

	os.Line("// only do this for existing presynaptic neurons")
	return os.Scope(fmt.Sprintf("if(%s < %d)", lid, srcN), func() error {
		if sg.ConnectivityInitRNGRequired() {
			genInitRNG(os, popSubs, "id")
		}
		switch sg.Connectivity {
		case model.Bitmask:
			os.Line("// Calculate indices")
			if uint64(srcN)*uint64(trgN) > 0xFFFFFFFF {
				os.Line("const uint64_t rowStartGID = %s * %dull;", lid, trgN)
			} else {
				os.Line("const unsigned int rowStartGID = %s * %d;", lid, trgN)
			}
			popSubs.AddFunc("addSynapse", 1,
				fmt.Sprintf("atomicOr(&dd_gp%s[(rowStartGID + $(0)) / 32], 0x80000000 >> ((rowStartGID + $(0)) & 31))", sg.Name))
		case model.Ragged:
			rowLength := fmt.Sprintf("dd_rowLength%s[%s]", sg.Name, lid)
			os.Line("%s = 0;", rowLength)
			popSubs.AddFunc("addSynapse", 1,
				fmt.Sprintf("dd_ind%s[(%s * %d) + (%s++)] = $(0)", sg.Name, lid, sg.MaxConnections, rowLength))
		default:
			return fmt.Errorf("%w: synapse group %q: %s connectivity is not built on the device", ErrUnsupported, sg.Name, sg.Connectivity)
		}
		popSubs.AddVar("id_pre", lid)
		return handler(os, sg, popSubs)
	})
}

func (b *Backend) genInitializeSparseKernel(os *codegen.Stream, m *model.Network, handler backend.SynapseGroupHandler, numStaticInitThreads int) (int, error) {
	groups := filterGroups(m.SynapseGroups, sparseInitRequired)
	if len(groups) == 0 {
		return 0, nil
	}
	bs := b.blockSizes[KernelInitializeSparse]

	idStart := 0
	os.Printf("extern \"C\" __global__ void %s()", KernelInitializeSparse)
	err := os.Scope("", func() error {
		kernelSubs := kernelSubstitutions(m)
		os.Line("const unsigned int id = %d * blockIdx.x + threadIdx.x;", bs)
		os.Line("__shared__ unsigned int shRowLength[%d];", bs)
		if anyGroup(groups, (*model.SynapseGroup).SynapseDynamicsRequired) {
			os.Line("__shared__ unsigned int shRowStart[%d];", bs+1)
		}

		return genParallelGroup(os, kernelSubs, bs, &idStart, groups,
			func(sg *model.SynapseGroup) (string, int) { return sg.Name, sg.Src().Size },
			func(os *codegen.Stream, sg *model.SynapseGroup, popSubs *codegen.Substitutions) error {
				if sg.Connectivity != model.Ragged {
					return fmt.Errorf("%w: synapse group %q: sparse initialisation needs ragged connectivity", ErrUnsupported, sg.Name)
				}
				return b.genSparseInitGroup(os, sg, popSubs, handler, numStaticInitThreads)
			})
	})
	if err != nil {
		return 0, err
	}
	os.Blank()
	return idStart, nil
}

// genSparseInitGroup gives each row a thread. Rows are staged per block so
// the synapse dynamics remap can be laid out with a block-level prefix sum
// of row lengths.
func (b *Backend) genSparseInitGroup(os *codegen.Stream, sg *model.SynapseGroup, popSubs *codegen.Substitutions, handler backend.SynapseGroupHandler, numStaticInitThreads int) error {
	lid := popSubs.MustVar("id")
	srcN := sg.Src().Size
	bs := b.blockSizes[KernelInitializeSparse]
	dynamics := sg.SynapseDynamicsRequired()

	if sg.WUInitRNGRequired() {
		genInitRNG(os, popSubs, fmt.Sprintf("%d + id", numStaticInitThreads))
	}
	if dynamics {
		os.Block("if(threadIdx.x == 0)", func() {
			os.Line("unsigned int rowStart = 0;")
			os.Block(fmt.Sprintf("for(unsigned int i = 0; i < %s; i++)", lid), func() {
				os.Line("rowStart += dd_rowLength%s[i];", sg.Name)
			})
			os.Line("shRowStart[0] = rowStart;")
		})
	}
	os.Line("shRowLength[threadIdx.x] = (%s < %d) ? dd_rowLength%s[%s] : 0;", lid, srcN, sg.Name, lid)
	os.Line("__syncthreads();")
	if dynamics {
		os.Block("if(threadIdx.x == 0)", func() {
			os.Block(fmt.Sprintf("for(unsigned int i = 0; i < %d; i++)", bs), func() {
				os.Line("shRowStart[i + 1] = shRowStart[i] + shRowLength[i];")
			})
		})
		os.Line("__syncthreads();")
	}

	return os.Scope(fmt.Sprintf("if(%s < %d)", lid, srcN), func() error {
		err := os.Scope("for(unsigned int j = 0; j < shRowLength[threadIdx.x]; j++)", func() error {
			os.Line("const unsigned int idx = (%s * %d) + j;", lid, sg.MaxConnections)
			err := os.Scope("", func() error {
				synSubs := codegen.NewSubstitutions(popSubs)
				synSubs.AddVar("id_pre", lid)
				synSubs.AddVar("id_post", fmt.Sprintf("dd_ind%s[idx]", sg.Name))
				synSubs.AddVar("id_syn", "idx")
				return handler(os, sg, synSubs)
			})
			if err != nil {
				return err
			}
			if sg.LearnPostRequired() {
				os.Block("", func() {
					os.Line("const unsigned int postIndex = dd_ind%s[idx];", sg.Name)
					os.Line("const unsigned int colLocation = atomicAdd(&dd_colLength%s[postIndex], 1);", sg.Name)
					os.Line("dd_remap%s[(postIndex * %d) + colLocation] = idx;", sg.Name, sg.MaxSourceConnections)
				})
			}
			if dynamics {
				os.Line("dd_synRemap%s[1 + shRowStart[threadIdx.x] + j] = idx;", sg.Name)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if dynamics {
			os.Block(fmt.Sprintf("if(%s == %d)", lid, srcN-1), func() {
				os.Line("dd_synRemap%s[0] = shRowStart[threadIdx.x] + shRowLength[threadIdx.x];", sg.Name)
			})
		}
		return nil
	})
}
