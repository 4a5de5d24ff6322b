package model

import (
	"maps"
	"slices"
	"strings"
)

const (
	defaultPrecision = "float"
	defaultDT        = 0.1
)

// Finalize resolves group references, applies defaults, derives the
// per-group flags consumed by code generation and validates the model.
// After Finalize the model must be treated as read-only.
func (m *Network) Finalize() error {
	if m.finalized {
		return nil
	}
	if strings.TrimSpace(m.Name) == "" {
		return invalidf("model name is required")
	}
	switch m.Precision {
	case "":
		m.Precision = defaultPrecision
	case "float", "double":
	default:
		return invalidf("unsupported precision %q", m.Precision)
	}
	if m.TimePrecision == "" {
		m.TimePrecision = m.Precision
	} else if m.TimePrecision != "float" && m.TimePrecision != "double" {
		return invalidf("unsupported time precision %q", m.TimePrecision)
	}
	if m.DT == 0 {
		m.DT = defaultDT
	}
	if m.DT < 0 {
		return invalidf("dt must be positive, got %g", m.DT)
	}
	if len(m.NeuronGroups) == 0 {
		return invalidf("model %q has no neuron groups", m.Name)
	}

	slices.SortFunc(m.NeuronGroups, func(a, b *NeuronGroup) int { return strings.Compare(a.Name, b.Name) })
	slices.SortFunc(m.SynapseGroups, func(a, b *SynapseGroup) int { return strings.Compare(a.Name, b.Name) })

	seen := make(map[string]struct{}, len(m.NeuronGroups))
	for _, ng := range m.NeuronGroups {
		if err := ng.prepare(); err != nil {
			return err
		}
		if _, dup := seen[ng.Name]; dup {
			return invalidf("duplicate neuron group %q", ng.Name)
		}
		seen[ng.Name] = struct{}{}
	}

	seen = make(map[string]struct{}, len(m.SynapseGroups))
	for _, sg := range m.SynapseGroups {
		if _, dup := seen[sg.Name]; dup {
			return invalidf("duplicate synapse group %q", sg.Name)
		}
		seen[sg.Name] = struct{}{}

		src, ok := m.NeuronGroup(sg.Source)
		if !ok {
			return invalidf("synapse group %q: unknown source %q", sg.Name, sg.Source)
		}
		trg, ok := m.NeuronGroup(sg.Target)
		if !ok {
			return invalidf("synapse group %q: unknown target %q", sg.Name, sg.Target)
		}
		sg.src, sg.trg = src, trg
		src.outSyn = append(src.outSyn, sg)
		trg.inSyn = append(trg.inSyn, sg)
		if err := sg.prepare(); err != nil {
			return err
		}
	}

	for _, ng := range m.NeuronGroups {
		ng.derive()
	}
	m.finalized = true
	return nil
}

func (ng *NeuronGroup) prepare() error {
	if !validIdentifier(ng.Name) {
		return invalidf("neuron group name %q is not a valid identifier", ng.Name)
	}
	if ng.Size <= 0 {
		return invalidf("neuron group %q: size must be positive, got %d", ng.Name, ng.Size)
	}
	if ng.SpikeLocation == 0 {
		ng.SpikeLocation = LocHostDevice
	}
	if ng.SpikeEventLocation == 0 {
		ng.SpikeEventLocation = LocHostDevice
	}
	if ng.SpikeTimeLocation == 0 {
		ng.SpikeTimeLocation = LocHostDevice
	}
	if err := checkLocations(ng.Name, map[string]VarLocation{
		"spikeLocation":      ng.SpikeLocation,
		"spikeEventLocation": ng.SpikeEventLocation,
		"spikeTimeLocation":  ng.SpikeTimeLocation,
	}); err != nil {
		return err
	}
	if err := prepareVars(ng.Name, ng.Vars); err != nil {
		return err
	}
	ng.numDelaySlots = 1
	ng.inSyn = nil
	ng.outSyn = nil
	return nil
}

func (sg *SynapseGroup) prepare() error {
	if !validIdentifier(sg.Name) {
		return invalidf("synapse group name %q is not a valid identifier", sg.Name)
	}
	if sg.DelaySteps < 0 || sg.BackPropDelaySteps < 0 {
		return invalidf("synapse group %q: delay steps must not be negative", sg.Name)
	}
	if sg.MaxConnections == 0 {
		sg.MaxConnections = sg.trg.Size
	}
	if sg.MaxSourceConnections == 0 {
		sg.MaxSourceConnections = sg.src.Size
	}
	if sg.MaxConnections < 0 || sg.MaxConnections > sg.trg.Size {
		return invalidf("synapse group %q: maxConnections %d outside [1, %d]", sg.Name, sg.MaxConnections, sg.trg.Size)
	}
	if sg.MaxSourceConnections < 0 || sg.MaxSourceConnections > sg.src.Size {
		return invalidf("synapse group %q: maxSourceConnections %d outside [1, %d]", sg.Name, sg.MaxSourceConnections, sg.src.Size)
	}
	if sg.MaxDendriticDelaySteps == 0 {
		sg.MaxDendriticDelaySteps = 1
	}
	if sg.InSynLocation == 0 {
		sg.InSynLocation = LocHostDevice
	}
	if sg.ConnectivityLocation == 0 {
		sg.ConnectivityLocation = LocHostDevice
	}
	if sg.DendriticDelayLocation == 0 {
		sg.DendriticDelayLocation = LocHostDevice
	}
	if err := checkLocations(sg.Name, map[string]VarLocation{
		"inSynLocation":          sg.InSynLocation,
		"connectivityLocation":   sg.ConnectivityLocation,
		"dendriticDelayLocation": sg.DendriticDelayLocation,
	}); err != nil {
		return err
	}
	if err := prepareVars(sg.Name, sg.Vars); err != nil {
		return err
	}
	if sg.GlobalWeights {
		for _, v := range sg.Vars {
			if strings.TrimSpace(v.Init) == "" {
				return invalidf("synapse group %q: global variable %q needs a constant init value", sg.Name, v.Name)
			}
		}
	}

	if sg.Span == SpanPresynaptic && sg.Connectivity != Ragged {
		return invalidf("synapse group %q: presynaptic span requires ragged connectivity", sg.Name)
	}
	if sg.Connectivity == Bitmask && sg.SynapseDynamicsRequired() {
		return invalidf("synapse group %q: synapse dynamics are not supported with bitmask connectivity", sg.Name)
	}
	if sg.Connectivity == Bitmask && sg.LearnPostRequired() {
		return invalidf("synapse group %q: postsynaptic learning is not supported with bitmask connectivity", sg.Name)
	}
	if sg.Connectivity == Bitmask && sg.WUVarInitRequired() {
		return invalidf("synapse group %q: individual weights are not supported with bitmask connectivity", sg.Name)
	}
	if sg.Connectivity == Ragged && (sg.LearnPostRequired() || sg.SynapseDynamicsRequired()) && !sg.SparseConnectivityInitRequired() {
		return invalidf("synapse group %q: postsynaptic learning and synapse dynamics on ragged connectivity require connectivityInitCode", sg.Name)
	}
	if sg.Connectivity.Sparse() && !sg.SparseConnectivityInitRequired() && !sg.ConnectivityLocation.Host() {
		return invalidf("synapse group %q: connectivity built on the host needs a host connectivityLocation, got %s", sg.Name, sg.ConnectivityLocation)
	}
	if sg.SpikeEventRequired() && strings.TrimSpace(sg.EventThresholdCode) == "" {
		return invalidf("synapse group %q: eventCode requires eventThresholdCode", sg.Name)
	}
	if sg.DendriticDelayRequired() && sg.MaxDendriticDelaySteps < 1 {
		return invalidf("synapse group %q: maxDendriticDelaySteps must be positive", sg.Name)
	}

	if slots := sg.DelaySteps + 1; slots > sg.src.numDelaySlots {
		sg.src.numDelaySlots = slots
	}
	if slots := sg.BackPropDelaySteps + 1; slots > sg.trg.numDelaySlots {
		sg.trg.numDelaySlots = slots
	}
	return nil
}

func (ng *NeuronGroup) derive() {
	ng.trueSpike = false
	ng.spikeEvent = false
	ng.spikeTime = ng.RecordSpikeTimes
	for _, sg := range ng.outSyn {
		if sg.TrueSpikeRequired() {
			ng.trueSpike = true
		}
		if sg.SpikeEventRequired() {
			ng.spikeEvent = true
		}
		if referenced("sT_pre", sg.SimCode, sg.EventCode, sg.LearnPostCode, sg.SynapseDynamicsCode) {
			ng.spikeTime = true
		}
	}
	for _, sg := range ng.inSyn {
		if sg.LearnPostRequired() {
			ng.trueSpike = true
		}
		if referenced("sT_post", sg.SimCode, sg.EventCode, sg.LearnPostCode, sg.SynapseDynamicsCode) {
			ng.spikeTime = true
		}
	}
	ng.simRNG = usesRNG(ng.SimCode) || usesRNG(ng.ThresholdCode) || usesRNG(ng.ResetCode)
	ng.initRNG = false
	for _, v := range ng.Vars {
		if usesRNG(v.Init) {
			ng.initRNG = true
		}
	}
}

func prepareVars(owner string, vars []Var) error {
	seen := make(map[string]struct{}, len(vars))
	for i := range vars {
		v := &vars[i]
		if !validIdentifier(v.Name) {
			return invalidf("%s: variable name %q is not a valid identifier", owner, v.Name)
		}
		if _, dup := seen[v.Name]; dup {
			return invalidf("%s: duplicate variable %q", owner, v.Name)
		}
		seen[v.Name] = struct{}{}
		if v.Type == "" {
			v.Type = "scalar"
		}
		if v.Location == 0 {
			v.Location = LocHostDevice
		}
		if err := v.Location.Validate(); err != nil {
			return invalidf("%s: variable %q: %v", owner, v.Name, err)
		}
	}
	return nil
}

func checkLocations(owner string, locs map[string]VarLocation) error {
	for _, what := range slices.Sorted(maps.Keys(locs)) {
		if err := locs[what].Validate(); err != nil {
			return invalidf("%s: %s: %v", owner, what, err)
		}
	}
	return nil
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
