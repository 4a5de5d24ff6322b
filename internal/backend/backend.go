package backend

import (
	"context"

	"github.com/samcharles93/spikegen/internal/codegen"
	"github.com/samcharles93/spikegen/internal/model"
)

const CUDA = "cuda"

// NeuronGroupHandler emits the device-agnostic part of a per-population code
// path. The backend has already opened the scope and registered the index
// substitutions ($(id), $(rng), ...).
type NeuronGroupHandler func(os *codegen.Stream, ng *model.NeuronGroup, subs *codegen.Substitutions) error

// SynapseGroupHandler is NeuronGroupHandler for projections. Handlers can
// rely on $(id_pre), $(id_post) and, where a synapse exists, $(id_syn).
type SynapseGroupHandler func(os *codegen.Stream, sg *model.SynapseGroup, subs *codegen.Substitutions) error

// SynapseUpdateHandlers groups the callbacks used by GenSynapseUpdate.
type SynapseUpdateHandlers struct {
	// EventThreshold writes the boolean expression re-testing a spike-like
	// event for one synapse.
	EventThreshold SynapseGroupHandler
	Sim            SynapseGroupHandler
	Event          SynapseGroupHandler
	PostLearn      SynapseGroupHandler
	Dynamics       SynapseGroupHandler
}

// InitHandlers groups the callbacks used by GenInit.
type InitHandlers struct {
	Neuron         NeuronGroupHandler
	Dense          SynapseGroupHandler
	SparseConnect  SynapseGroupHandler
	SparseVarsInit SynapseGroupHandler
}

// Backend is everything the device-agnostic generator needs from a target.
type Backend interface {
	Name() string

	GenNeuronUpdate(os *codegen.Stream, m *model.Network, handler NeuronGroupHandler) error
	GenSynapseUpdate(os *codegen.Stream, m *model.Network, handlers SynapseUpdateHandlers) error
	GenInit(os *codegen.Stream, m *model.Network, handlers InitHandlers) error

	GenDefinitionsPreamble(os *codegen.Stream, m *model.Network)
	GenRunnerPreamble(os *codegen.Stream)
	GenAllocateMemPreamble(os *codegen.Stream, m *model.Network) error

	GenVariableDefinition(os *codegen.Stream, typ, name string, loc model.VarLocation)
	GenVariableImplementation(os *codegen.Stream, typ, name string, loc model.VarLocation)
	GenVariableAllocation(os *codegen.Stream, typ, name string, loc model.VarLocation, count int)
	GenVariableFree(os *codegen.Stream, name string, loc model.VarLocation)
	GenVariablePush(os *codegen.Stream, typ, name string, loc model.VarLocation, autoInitialized bool, count int)
	GenVariablePull(os *codegen.Stream, typ, name string, loc model.VarLocation, count int)
	GenCurrentSpikePush(os *codegen.Stream, ng *model.NeuronGroup, spikeEvent bool)
	GenCurrentSpikePull(os *codegen.Stream, ng *model.NeuronGroup, spikeEvent bool)

	GenGlobalRNG(defs, runner, alloc, free *codegen.Stream)
	GenPopulationRNG(defs, runner, alloc, free *codegen.Stream, name string, count int)
	GenEmitSpike(os *codegen.Stream, subs *codegen.Substitutions, suffix string)

	IsGlobalRNGRequired(m *model.Network) bool
	// DeviceVarPrefix is the prefix under which device symbols are visible
	// to kernels.
	DeviceVarPrefix() string
	FloatAtomicAdd(ftype string) string

	CompilerFlags() string
	LinkFlags() string
}

// Generator writes every source module for a model and returns the names
// of the modules that contain device code, without extension.
type Generator func(ctx context.Context, m *model.Network, b Backend, outDir string) ([]string, error)
