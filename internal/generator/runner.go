package generator

import (
	"fmt"

	"github.com/samcharles93/spikegen/internal/backend"
	"github.com/samcharles93/spikegen/internal/codegen"
	"github.com/samcharles93/spikegen/internal/model"
)

// array is one generated buffer together with how it is copied.
type array struct {
	typ      string
	name     string
	loc      model.VarLocation
	count    int
	autoInit bool
}

// groupArrays are the buffers pushed and pulled together by one group's
// state functions.
type groupArrays struct {
	owner  string
	state  []array
	spikes []array
}

// runnerWriter accumulates definitions.h and the pieces of runner.cc while
// walking the model once.
type runnerWriter struct {
	m *model.Network
	b backend.Backend

	defs, vars, alloc, hostInit, free *codegen.Stream
	groups                            []groupArrays
}

func newRunnerWriter(m *model.Network, b backend.Backend) *runnerWriter {
	return &runnerWriter{
		m:        m,
		b:        b,
		defs:     codegen.NewStream(),
		vars:     codegen.NewStream(),
		alloc:    codegen.NewStream(),
		hostInit: codegen.NewStream(),
		free:     codegen.NewStream(),
	}
}

func (r *runnerWriter) array(a array) {
	r.b.GenVariableDefinition(r.defs, a.typ+"*", a.name, a.loc)
	r.b.GenVariableImplementation(r.vars, a.typ+"*", a.name, a.loc)
	r.b.GenVariableAllocation(r.alloc, a.typ, a.name, a.loc, a.count)
	r.b.GenVariableFree(r.free, a.name, a.loc)
}

// queuePointer declares a host copy and a device copy of a ring buffer
// position.
func (r *runnerWriter) queuePointer(name string, host bool) {
	prefix := r.b.DeviceVarPrefix()
	if host {
		r.defs.Line("extern unsigned int %s;", name)
		r.vars.Line("unsigned int %s = 0;", name)
	}
	r.defs.Line("extern __device__ volatile unsigned int %s%s;", prefix, name)
	r.vars.Line("__device__ volatile unsigned int %s%s = 0;", prefix, name)
}

func (r *runnerWriter) extraGlobalParams(egps []model.ExtraGlobalParam, owner string) {
	for _, egp := range egps {
		r.defs.Line("extern %s %s%s;", egp.Type, egp.Name, owner)
		r.vars.Line("%s %s%s;", egp.Type, egp.Name, owner)
	}
}

func (r *runnerWriter) neuronGroup(ng *model.NeuronGroup) {
	n, slots := ng.Size, ng.NumDelaySlots()
	g := groupArrays{owner: ng.Name}

	r.defs.Line("// %s", ng.Name)
	r.vars.Line("// %s", ng.Name)
	if ng.DelayRequired() {
		r.queuePointer("spkQuePtr"+ng.Name, true)
	}

	cntSlots, spkSlots := 1, 1
	if ng.SpikeQueueDelayed() {
		cntSlots, spkSlots = slots, slots
	}
	g.spikes = append(g.spikes,
		array{typ: "unsigned int", name: "glbSpkCnt" + ng.Name, loc: ng.SpikeLocation, count: cntSlots},
		array{typ: "unsigned int", name: "glbSpk" + ng.Name, loc: ng.SpikeLocation, count: n * spkSlots},
	)
	if ng.SpikeEventRequired() {
		g.spikes = append(g.spikes,
			array{typ: "unsigned int", name: "glbSpkCntEvnt" + ng.Name, loc: ng.SpikeEventLocation, count: slots},
			array{typ: "unsigned int", name: "glbSpkEvnt" + ng.Name, loc: ng.SpikeEventLocation, count: n * slots},
		)
	}
	if ng.SpikeTimeRequired() {
		g.spikes = append(g.spikes, array{typ: r.m.TimePrecision, name: "sT" + ng.Name, loc: ng.SpikeTimeLocation, count: n * slots})
	}
	for _, v := range ng.Vars {
		g.state = append(g.state, array{typ: v.Type, name: v.Name + ng.Name, loc: v.Location, count: n, autoInit: v.Init != ""})
	}
	for _, a := range g.spikes {
		r.array(a)
		if a.loc.Host() {
			fill := "0"
			if a.name == "sT"+ng.Name {
				fill = "-TIME_MAX"
			}
			r.hostInit.Block(fmt.Sprintf("for(unsigned int i = 0; i < %d; i++)", a.count), func() {
				r.hostInit.Line("%s[i] = %s;", a.name, fill)
			})
		}
	}
	for _, a := range g.state {
		r.array(a)
	}
	if ng.SimRNGRequired() {
		r.b.GenPopulationRNG(r.defs, r.vars, r.alloc, r.free, "rng"+ng.Name, n)
	}
	r.extraGlobalParams(ng.ExtraGlobalParams, ng.Name)
	r.defs.Blank()
	r.vars.Blank()
	r.groups = append(r.groups, g)
}

func (r *runnerWriter) synapseGroup(sg *model.SynapseGroup) {
	srcN, trgN := sg.Src().Size, sg.Trg().Size
	g := groupArrays{owner: sg.Name}

	r.defs.Line("// %s", sg.Name)
	r.vars.Line("// %s", sg.Name)

	g.state = append(g.state, array{typ: "scalar", name: "inSyn" + sg.Name, loc: sg.InSynLocation, count: trgN, autoInit: true})
	if sg.DendriticDelayRequired() {
		r.queuePointer("denDelayPtr"+sg.Name, false)
		g.state = append(g.state, array{typ: "scalar", name: "denDelay" + sg.Name, loc: sg.DendriticDelayLocation, count: sg.MaxDendriticDelaySteps * trgN, autoInit: true})
	}

	// connectivity without init code is filled in on the host and uploaded
	// by initializeSparse
	deviceConnectivity := sg.SparseConnectivityInitRequired()
	switch sg.Connectivity {
	case model.Bitmask:
		g.spikes = append(g.spikes, array{typ: "uint32_t", name: "gp" + sg.Name, loc: sg.ConnectivityLocation, count: bitmaskWords(sg), autoInit: deviceConnectivity})
	case model.Ragged:
		g.spikes = append(g.spikes,
			array{typ: "unsigned int", name: "rowLength" + sg.Name, loc: sg.ConnectivityLocation, count: srcN, autoInit: deviceConnectivity},
			array{typ: "unsigned int", name: "ind" + sg.Name, loc: sg.ConnectivityLocation, count: srcN * sg.MaxConnections, autoInit: deviceConnectivity},
		)
		if sg.LearnPostRequired() {
			r.array(array{typ: "unsigned int", name: "colLength" + sg.Name, loc: model.LocDevice, count: trgN})
			r.array(array{typ: "unsigned int", name: "remap" + sg.Name, loc: model.LocDevice, count: trgN * sg.MaxSourceConnections})
		}
		if sg.SynapseDynamicsRequired() {
			r.array(array{typ: "unsigned int", name: "synRemap" + sg.Name, loc: model.LocDevice, count: srcN*sg.MaxConnections + 1})
		}
	}

	if sg.Individual() {
		count := srcN * trgN
		if sg.Connectivity == model.Ragged {
			count = srcN * sg.MaxConnections
		}
		for _, v := range sg.Vars {
			g.state = append(g.state, array{typ: v.Type, name: v.Name + sg.Name, loc: v.Location, count: count, autoInit: v.Init != ""})
		}
	}
	for _, a := range g.state {
		r.array(a)
	}
	for _, a := range g.spikes {
		r.array(a)
	}
	r.extraGlobalParams(sg.ExtraGlobalParams, sg.Name)
	r.defs.Blank()
	r.vars.Blank()
	r.groups = append(r.groups, g)
}

func bitmaskWords(sg *model.SynapseGroup) int {
	return sg.Src().Size*sg.Trg().Size/32 + 1
}

// genPushPull writes push<Group><What>ToDevice and pull<Group><What>FromDevice
// for one set of arrays.
func (r *runnerWriter) genPushPull(os *codegen.Stream, owner, what string, arrays []array) {
	r.defs.Line("void push%s%sToDevice(bool uninitialisedOnly = false);", owner, what)
	r.defs.Line("void pull%s%sFromDevice();", owner, what)

	os.Block(fmt.Sprintf("void push%s%sToDevice(bool uninitialisedOnly)", owner, what), func() {
		for _, a := range arrays {
			r.b.GenVariablePush(os, a.typ, a.name, a.loc, a.autoInit, a.count)
		}
	})
	os.Blank()
	os.Block(fmt.Sprintf("void pull%s%sFromDevice()", owner, what), func() {
		for _, a := range arrays {
			r.b.GenVariablePull(os, a.typ, a.name, a.loc, a.count)
		}
	})
	os.Blank()
}

func (r *runnerWriter) genCurrentSpikes(os *codegen.Stream, ng *model.NeuronGroup, spikeEvent bool) {
	what := "CurrentSpikes"
	if spikeEvent {
		what = "CurrentSpikeEvents"
	}
	r.defs.Line("void push%s%sToDevice();", ng.Name, what)
	r.defs.Line("void pull%s%sFromDevice();", ng.Name, what)
	os.Block(fmt.Sprintf("void push%s%sToDevice()", ng.Name, what), func() {
		r.b.GenCurrentSpikePush(os, ng, spikeEvent)
	})
	os.Blank()
	os.Block(fmt.Sprintf("void pull%s%sFromDevice()", ng.Name, what), func() {
		r.b.GenCurrentSpikePull(os, ng, spikeEvent)
	})
	os.Blank()
}

// emitRunner renders definitions.h and runner.cc.
func emitRunner(m *model.Network, b backend.Backend) (string, string, error) {
	r := newRunnerWriter(m, b)
	defs := r.defs

	defs.Line("#pragma once")
	b.GenDefinitionsPreamble(defs, m)
	defs.Line("#include <cfloat>")
	defs.Blank()
	defs.Line("typedef %s scalar;", m.Precision)
	defs.Line("#define DT %s", literal(m.DT, m.Precision))
	if m.TimePrecision == "double" {
		defs.Line("#define TIME_MAX DBL_MAX")
	} else {
		defs.Line("#define TIME_MAX FLT_MAX")
	}
	defs.Blank()
	defs.Line("extern unsigned long long iT;")
	defs.Line("extern %s t;", m.TimePrecision)
	defs.Blank()

	if b.IsGlobalRNGRequired(m) {
		b.GenGlobalRNG(r.defs, r.vars, r.alloc, r.free)
		defs.Blank()
	}
	defs.Line("// ------------------------------------------------------------------------")
	defs.Line("// neuron groups")
	for _, ng := range m.NeuronGroups {
		r.neuronGroup(ng)
	}
	defs.Line("// ------------------------------------------------------------------------")
	defs.Line("// synapse groups")
	for _, sg := range m.SynapseGroups {
		r.synapseGroup(sg)
	}

	defs.Line("// ------------------------------------------------------------------------")
	defs.Line("// copying")
	copies := codegen.NewStream()
	for _, g := range r.groups {
		r.genPushPull(copies, g.owner, "State", g.state)
		if len(g.spikes) == 0 {
			continue
		}
		what := "Spikes"
		if _, ok := m.SynapseGroup(g.owner); ok {
			what = "Connectivity"
		}
		r.genPushPull(copies, g.owner, what, g.spikes)
	}
	for _, ng := range m.NeuronGroups {
		r.genCurrentSpikes(copies, ng, false)
		if ng.SpikeEventRequired() {
			r.genCurrentSpikes(copies, ng, true)
		}
	}

	defs.Blank()
	defs.Line("// ------------------------------------------------------------------------")
	defs.Line("// runner")
	defs.Line("void copyStateToDevice(bool uninitialisedOnly = false);")
	defs.Line("void copyStateFromDevice();")
	defs.Line("void allocateMem();")
	defs.Line("void freeMem();")
	defs.Line("void stepTime();")
	defs.Line("void initialize();")
	defs.Line("void initializeSparse();")
	defs.Line("void updateNeurons(%s t);", m.TimePrecision)
	defs.Line("void updateSynapses(%s t);", m.TimePrecision)

	runner := codegen.NewStream()
	runner.Line("#include \"definitions.h\"")
	runner.Blank()
	b.GenRunnerPreamble(runner)
	runner.Line("unsigned long long iT;")
	runner.Line("%s t;", m.TimePrecision)
	runner.Blank()
	runner.Raw(r.vars.String())

	err := runner.Scope("void allocateMem()", func() error {
		if err := b.GenAllocateMemPreamble(runner, m); err != nil {
			return err
		}
		runner.Blank()
		runner.Raw(r.alloc.String())
		runner.Blank()
		runner.Raw(r.hostInit.String())
		return nil
	})
	if err != nil {
		return "", "", err
	}
	runner.Blank()
	runner.Block("void freeMem()", func() {
		runner.Raw(r.free.String())
	})
	runner.Blank()
	runner.Raw(copies.String())

	runner.Block("void copyStateToDevice(bool uninitialisedOnly)", func() {
		for _, g := range r.groups {
			runner.Line("push%sStateToDevice(uninitialisedOnly);", g.owner)
		}
		for _, g := range r.groups {
			if len(g.spikes) == 0 {
				continue
			}
			if _, ok := m.SynapseGroup(g.owner); ok {
				runner.Line("push%sConnectivityToDevice(uninitialisedOnly);", g.owner)
			} else {
				runner.Line("push%sSpikesToDevice(uninitialisedOnly);", g.owner)
			}
		}
	})
	runner.Blank()
	runner.Block("void copyStateFromDevice()", func() {
		for _, g := range r.groups {
			runner.Line("pull%sStateFromDevice();", g.owner)
		}
		for _, ng := range m.NeuronGroups {
			runner.Line("pull%sSpikesFromDevice();", ng.Name)
		}
	})
	runner.Blank()
	runner.Block("void stepTime()", func() {
		runner.Line("updateSynapses(t);")
		for _, ng := range m.NeuronGroups {
			if ng.DelayRequired() {
				runner.Line("spkQuePtr%s = (spkQuePtr%s + 1) %% %d;", ng.Name, ng.Name, ng.NumDelaySlots())
			}
		}
		runner.Line("updateNeurons(t);")
		runner.Line("iT++;")
		runner.Line("t = iT*DT;")
	})
	return defs.String(), runner.String(), nil
}
