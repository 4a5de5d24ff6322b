package generator

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/samcharles93/spikegen/internal/backend"
	"github.com/samcharles93/spikegen/internal/codegen"
	"github.com/samcharles93/spikegen/internal/model"
)

// handlers emits the backend-independent parts of every kernel: reading and
// writing state, input accumulation and the user code fragments.
type handlers struct {
	m *model.Network
	b backend.Backend
}

func (h *handlers) prefix() string { return h.b.DeviceVarPrefix() }

// literal formats v as a C literal of the model precision.
func literal(v float64, precision string) string {
	switch {
	case math.IsInf(v, 1):
		return "INFINITY"
	case math.IsInf(v, -1):
		return "-INFINITY"
	case math.IsNaN(v):
		return "NAN"
	}
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	if precision == "float" {
		s += "f"
	}
	return s
}

func addParams(subs *codegen.Substitutions, params []model.Param, precision string) {
	for _, p := range params {
		subs.AddVar(p.Name, literal(p.Value, precision))
	}
}

func addExtraGlobalParams(subs *codegen.Substitutions, egps []model.ExtraGlobalParam, owner string) {
	for _, egp := range egps {
		subs.AddVar(egp.Name, egp.Name+owner)
	}
}

func writeCode(os *codegen.Stream, code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		return
	}
	os.Raw(code)
	os.Raw("\n")
}

func apply(subs *codegen.Substitutions, owner, what, code string) (string, error) {
	out, err := subs.Apply(code)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", owner, what, err)
	}
	return out, nil
}

// neuronUpdate copies state into registers, sums the synaptic input, runs
// the sim, threshold and reset code and writes the state back.
func (h *handlers) neuronUpdate(os *codegen.Stream, ng *model.NeuronGroup, popSubs *codegen.Substitutions) error {
	prefix := h.prefix()
	id := popSubs.MustVar("id")
	subs := codegen.NewSubstitutions(popSubs)

	if ng.SupportCode != "" {
		os.Line("using namespace %s_neuronUpdate;", ng.Name)
	}
	for _, v := range ng.Vars {
		os.Line("%s l%s = %s%s%s[%s];", v.Type, v.Name, prefix, v.Name, ng.Name, id)
		subs.AddVar(v.Name, "l"+v.Name)
	}
	if ng.SpikeTimeRequired() {
		os.Line("const %s lsT = %ssT%s[%s%s];", h.m.TimePrecision, prefix, ng.Name, lastSpikeOffset(ng, prefix), id)
		subs.AddVar("sT", "lsT")
	}
	addParams(subs, ng.Params, h.m.Precision)
	addExtraGlobalParams(subs, ng.ExtraGlobalParams, ng.Name)
	os.Blank()

	os.Line("scalar Isyn = 0;")
	for _, sg := range ng.InSyn() {
		os.Line("// pull inSyn values in a coalesced access")
		os.Line("scalar linSyn%s = %sinSyn%s[%s];", sg.Name, prefix, sg.Name, id)
		if sg.DendriticDelayRequired() {
			os.Block("", func() {
				os.Line("scalar &denDelayFront%s = %sdenDelay%s[%s%s];", sg.Name, prefix, sg.Name, sg.DendriticDelayOffset(prefix, ""), id)
				os.Line("linSyn%s += denDelayFront%s;", sg.Name, sg.Name)
				os.Line("denDelayFront%s = 0;", sg.Name)
			})
		}
		os.Line("Isyn += linSyn%s;", sg.Name)
	}
	subs.AddVar("Isyn", "Isyn")
	os.Blank()

	if ng.SpikeEventRequired() {
		if err := h.spikeLikeEvent(os, ng, subs); err != nil {
			return err
		}
	}

	if ng.SimCode != "" {
		code, err := apply(subs, ng.Name, "sim code", ng.SimCode)
		if err != nil {
			return err
		}
		os.Line("// calculate membrane potential")
		writeCode(os, code)
	}

	if ng.HasThreshold() {
		cond, err := apply(subs, ng.Name, "threshold code", ng.ThresholdCode)
		if err != nil {
			return err
		}
		reset, err := apply(subs, ng.Name, "reset code", ng.ResetCode)
		if err != nil {
			return err
		}
		os.Line("// test for and register a true spike")
		os.Block(fmt.Sprintf("if (%s)", strings.TrimSpace(cond)), func() {
			h.b.GenEmitSpike(os, subs, "")
			if strings.TrimSpace(reset) != "" {
				os.Line("// spike reset code")
				writeCode(os, reset)
			}
		})
	}

	os.Line("// store the defined parts of the neuron state into the global state variables")
	for _, v := range ng.Vars {
		os.Line("%s%s%s[%s] = l%s;", prefix, v.Name, ng.Name, id, v.Name)
	}
	if ng.SpikeTimeRequired() && ng.DelayRequired() {
		// carry the last spike time into the slot written this step
		os.Line("%ssT%s[writeDelayOffset + %s] = lsT;", prefix, ng.Name, id)
	}
	os.Blank()

	for _, sg := range ng.InSyn() {
		if strings.TrimSpace(sg.PostsynapticDecayCode) == "" {
			os.Line("linSyn%s = 0;", sg.Name)
		} else {
			decaySubs := codegen.NewSubstitutions(subs)
			decaySubs.AddVar("inSyn", "linSyn"+sg.Name)
			addParams(decaySubs, sg.Params, h.m.Precision)
			code, err := apply(decaySubs, sg.Name, "postsynaptic decay code", sg.PostsynapticDecayCode)
			if err != nil {
				return err
			}
			writeCode(os, code)
		}
		os.Line("%sinSyn%s[%s] = linSyn%s;", prefix, sg.Name, id, sg.Name)
	}
	return nil
}

// spikeLikeEvent ORs the event thresholds of every outgoing group that
// uses spike-like events.
func (h *handlers) spikeLikeEvent(os *codegen.Stream, ng *model.NeuronGroup, subs *codegen.Substitutions) error {
	os.Line("bool spikeLikeEvent = false;")
	for _, sg := range ng.OutSyn() {
		if !sg.SpikeEventRequired() {
			continue
		}
		threshSubs := codegen.NewSubstitutions(subs)
		for _, v := range ng.Vars {
			threshSubs.AddVar(v.Name+"_pre", "l"+v.Name)
		}
		addParams(threshSubs, sg.Params, h.m.Precision)
		cond, err := apply(threshSubs, sg.Name, "event threshold code", sg.EventThresholdCode)
		if err != nil {
			return err
		}
		os.Line("spikeLikeEvent |= (%s);", strings.TrimSpace(cond))
	}
	os.Block("if (spikeLikeEvent)", func() {
		h.b.GenEmitSpike(os, subs, "Evnt")
	})
	return nil
}

// lastSpikeOffset points at the queue slot written on the previous step.
func lastSpikeOffset(ng *model.NeuronGroup, prefix string) string {
	if !ng.DelayRequired() {
		return ""
	}
	slots := ng.NumDelaySlots()
	return fmt.Sprintf("(((%sspkQuePtr%s + %d) %% %d) * %d) + ", prefix, ng.Name, slots-1, slots, ng.Size)
}

// synapseSubs resolves weight-update state, parameters and the pre and
// postsynaptic neuron variables for one synapse.
func (h *handlers) synapseSubs(parent *codegen.Substitutions, sg *model.SynapseGroup) *codegen.Substitutions {
	prefix := h.prefix()
	subs := codegen.NewSubstitutions(parent)
	addParams(subs, sg.Params, h.m.Precision)
	addExtraGlobalParams(subs, sg.ExtraGlobalParams, sg.Name)

	idSyn, individual := parent.Var("id_syn")
	for _, v := range sg.Vars {
		switch {
		case !sg.Individual():
			subs.AddVar(v.Name, "("+v.Init+")")
		case individual:
			subs.AddVar(v.Name, fmt.Sprintf("%s%s%s[%s]", prefix, v.Name, sg.Name, idSyn))
		}
	}

	neuronRefs := func(ng *model.NeuronGroup, suffix, index, delayOffset string) {
		for _, v := range ng.Vars {
			subs.AddVar(v.Name+suffix, fmt.Sprintf("%s%s%s[%s]", prefix, v.Name, ng.Name, index))
		}
		if ng.SpikeTimeRequired() {
			offset := ""
			if ng.DelayRequired() {
				offset = delayOffset + " + "
			}
			subs.AddVar("sT"+suffix, fmt.Sprintf("%ssT%s[%s%s]", prefix, ng.Name, offset, index))
		}
	}
	neuronRefs(sg.Src(), "_pre", "$(id_pre)", "preReadDelayOffset")
	neuronRefs(sg.Trg(), "_post", "$(id_post)", "postReadDelayOffset")
	return subs
}

func (h *handlers) synapseCode(what string, code func(*model.SynapseGroup) string) backend.SynapseGroupHandler {
	return func(os *codegen.Stream, sg *model.SynapseGroup, parent *codegen.Substitutions) error {
		out, err := apply(h.synapseSubs(parent, sg), sg.Name, what, code(sg))
		if err != nil {
			return err
		}
		if sg.SupportCode != "" {
			os.Line("using namespace %s_synapseUpdate;", sg.Name)
		}
		writeCode(os, out)
		return nil
	}
}

// eventThreshold writes the spike-like event condition as an expression.
func (h *handlers) eventThreshold(os *codegen.Stream, sg *model.SynapseGroup, parent *codegen.Substitutions) error {
	out, err := apply(h.synapseSubs(parent, sg), sg.Name, "event threshold code", sg.EventThresholdCode)
	if err != nil {
		return err
	}
	os.Printf("(%s)", strings.TrimSpace(out))
	return nil
}

func (h *handlers) synapseUpdate() backend.SynapseUpdateHandlers {
	return backend.SynapseUpdateHandlers{
		EventThreshold: h.eventThreshold,
		Sim:            h.synapseCode("sim code", func(sg *model.SynapseGroup) string { return sg.SimCode }),
		Event:          h.synapseCode("event code", func(sg *model.SynapseGroup) string { return sg.EventCode }),
		PostLearn:      h.synapseCode("learn post code", func(sg *model.SynapseGroup) string { return sg.LearnPostCode }),
		Dynamics:       h.synapseCode("synapse dynamics code", func(sg *model.SynapseGroup) string { return sg.SynapseDynamicsCode }),
	}
}

// initVars writes owner's device-initialised variables at index.
func (h *handlers) initVars(os *codegen.Stream, subs *codegen.Substitutions, owner string, vars []model.Var, index string) error {
	for _, v := range vars {
		if strings.TrimSpace(v.Init) == "" {
			continue
		}
		value, err := apply(subs, owner, "init of "+v.Name, v.Init)
		if err != nil {
			return err
		}
		os.Line("%s%s%s[%s] = %s;", h.prefix(), v.Name, owner, index, strings.TrimSpace(value))
	}
	return nil
}

func (h *handlers) neuronInit(os *codegen.Stream, ng *model.NeuronGroup, popSubs *codegen.Substitutions) error {
	subs := codegen.NewSubstitutions(popSubs)
	addParams(subs, ng.Params, h.m.Precision)
	return h.initVars(os, subs, ng.Name, ng.Vars, popSubs.MustVar("id"))
}

func (h *handlers) synapseVarInit(os *codegen.Stream, sg *model.SynapseGroup, popSubs *codegen.Substitutions) error {
	subs := codegen.NewSubstitutions(popSubs)
	addParams(subs, sg.Params, h.m.Precision)
	return h.initVars(os, subs, sg.Name, sg.Vars, popSubs.MustVar("id_syn"))
}

// sparseConnect runs the row-building code of one presynaptic neuron.
func (h *handlers) sparseConnect(os *codegen.Stream, sg *model.SynapseGroup, popSubs *codegen.Substitutions) error {
	subs := codegen.NewSubstitutions(popSubs)
	subs.AddVar("num_pre", strconv.Itoa(sg.Src().Size))
	subs.AddVar("num_post", strconv.Itoa(sg.Trg().Size))
	subs.AddVar("max_row_length", strconv.Itoa(sg.MaxConnections))
	addParams(subs, sg.Params, h.m.Precision)
	addExtraGlobalParams(subs, sg.ExtraGlobalParams, sg.Name)
	code, err := apply(subs, sg.Name, "connectivity init code", sg.ConnectivityInitCode)
	if err != nil {
		return err
	}
	writeCode(os, code)
	return nil
}

func (h *handlers) init() backend.InitHandlers {
	return backend.InitHandlers{
		Neuron:         h.neuronInit,
		Dense:          h.synapseVarInit,
		SparseConnect:  h.sparseConnect,
		SparseVarsInit: h.synapseVarInit,
	}
}
