package model

import (
	"fmt"
	"strings"
)

// Connectivity is the storage format of a synapse group's connection matrix.
type Connectivity int

const (
	Dense Connectivity = iota
	Ragged
	Bitmask
)

func (c Connectivity) Sparse() bool { return c == Ragged || c == Bitmask }

func (c Connectivity) String() string {
	switch c {
	case Dense:
		return "dense"
	case Ragged:
		return "ragged"
	case Bitmask:
		return "bitmask"
	default:
		return fmt.Sprintf("connectivity(%d)", int(c))
	}
}

func (c Connectivity) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Connectivity) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "dense":
		*c = Dense
	case "ragged", "sparse":
		*c = Ragged
	case "bitmask":
		*c = Bitmask
	default:
		return fmt.Errorf("unknown connectivity %q (expected dense, ragged, or bitmask)", text)
	}
	return nil
}

// Span selects the axis the presynaptic update parallelises over.
type Span int

const (
	SpanPostsynaptic Span = iota
	SpanPresynaptic
)

func (s Span) String() string {
	if s == SpanPresynaptic {
		return "presynaptic"
	}
	return "postsynaptic"
}

func (s Span) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Span) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "post", "postsynaptic":
		*s = SpanPostsynaptic
	case "pre", "presynaptic":
		*s = SpanPresynaptic
	default:
		return fmt.Errorf("unknown span %q (expected presynaptic or postsynaptic)", text)
	}
	return nil
}

type Var struct {
	Name     string      `yaml:"name" json:"name"`
	Type     string      `yaml:"type" json:"type"`
	Init     string      `yaml:"init,omitempty" json:"init,omitempty"`
	Location VarLocation `yaml:"location,omitempty" json:"location,omitempty"`
}

type Param struct {
	Name  string  `yaml:"name" json:"name"`
	Value float64 `yaml:"value" json:"value"`
}

// ExtraGlobalParam is a pointer-typed value owned by the host and passed to
// kernels as an argument.
type ExtraGlobalParam struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
}

type NeuronGroup struct {
	Name              string             `yaml:"name" json:"name"`
	Size              int                `yaml:"size" json:"size"`
	Vars              []Var              `yaml:"vars,omitempty" json:"vars,omitempty"`
	Params            []Param            `yaml:"params,omitempty" json:"params,omitempty"`
	ExtraGlobalParams []ExtraGlobalParam `yaml:"extraGlobalParams,omitempty" json:"extraGlobalParams,omitempty"`

	SimCode       string `yaml:"simCode,omitempty" json:"simCode,omitempty"`
	ThresholdCode string `yaml:"thresholdCode,omitempty" json:"thresholdCode,omitempty"`
	ResetCode     string `yaml:"resetCode,omitempty" json:"resetCode,omitempty"`
	SupportCode   string `yaml:"supportCode,omitempty" json:"supportCode,omitempty"`

	RecordSpikeTimes   bool        `yaml:"recordSpikeTimes,omitempty" json:"recordSpikeTimes,omitempty"`
	SpikeLocation      VarLocation `yaml:"spikeLocation,omitempty" json:"spikeLocation,omitempty"`
	SpikeEventLocation VarLocation `yaml:"spikeEventLocation,omitempty" json:"spikeEventLocation,omitempty"`
	SpikeTimeLocation  VarLocation `yaml:"spikeTimeLocation,omitempty" json:"spikeTimeLocation,omitempty"`

	numDelaySlots int
	trueSpike     bool
	spikeEvent    bool
	spikeTime     bool
	simRNG        bool
	initRNG       bool

	inSyn  []*SynapseGroup
	outSyn []*SynapseGroup
}

func (ng *NeuronGroup) NumDelaySlots() int           { return ng.numDelaySlots }
func (ng *NeuronGroup) DelayRequired() bool          { return ng.numDelaySlots > 1 }
func (ng *NeuronGroup) TrueSpikeRequired() bool      { return ng.trueSpike }
func (ng *NeuronGroup) SpikeEventRequired() bool     { return ng.spikeEvent }
func (ng *NeuronGroup) SpikeTimeRequired() bool      { return ng.spikeTime }
func (ng *NeuronGroup) SimRNGRequired() bool         { return ng.simRNG }
func (ng *NeuronGroup) InitRNGRequired() bool        { return ng.initRNG }
func (ng *NeuronGroup) InSyn() []*SynapseGroup       { return ng.inSyn }
func (ng *NeuronGroup) OutSyn() []*SynapseGroup      { return ng.outSyn }
func (ng *NeuronGroup) HasThreshold() bool           { return strings.TrimSpace(ng.ThresholdCode) != "" }
func (ng *NeuronGroup) SpikeQueueDelayed() bool      { return ng.DelayRequired() && ng.trueSpike }
func (ng *NeuronGroup) SpikeEventQueueDelayed() bool { return ng.DelayRequired() }

// InitCodeRequired reports whether any state variable is initialised on the
// device.
func (ng *NeuronGroup) InitCodeRequired() bool {
	for _, v := range ng.Vars {
		if strings.TrimSpace(v.Init) != "" {
			return true
		}
	}
	return false
}

// ZeroCopyInUse reports whether any of the group's storage is zero-copy.
func (ng *NeuronGroup) ZeroCopyInUse() bool {
	if ng.SpikeLocation.ZeroCopy() || ng.SpikeEventLocation.ZeroCopy() || ng.SpikeTimeLocation.ZeroCopy() {
		return true
	}
	for _, v := range ng.Vars {
		if v.Location.ZeroCopy() {
			return true
		}
	}
	return false
}

type SynapseGroup struct {
	Name         string       `yaml:"name" json:"name"`
	Source       string       `yaml:"source" json:"source"`
	Target       string       `yaml:"target" json:"target"`
	Connectivity Connectivity `yaml:"connectivity,omitempty" json:"connectivity,omitempty"`
	// GlobalWeights selects one shared value per weight variable instead of
	// one per synapse.
	GlobalWeights bool `yaml:"globalWeights,omitempty" json:"globalWeights,omitempty"`
	Span          Span `yaml:"span,omitempty" json:"span,omitempty"`

	DelaySteps             int `yaml:"delaySteps,omitempty" json:"delaySteps,omitempty"`
	BackPropDelaySteps     int `yaml:"backPropDelaySteps,omitempty" json:"backPropDelaySteps,omitempty"`
	MaxDendriticDelaySteps int `yaml:"maxDendriticDelaySteps,omitempty" json:"maxDendriticDelaySteps,omitempty"`
	MaxConnections         int `yaml:"maxConnections,omitempty" json:"maxConnections,omitempty"`
	MaxSourceConnections   int `yaml:"maxSourceConnections,omitempty" json:"maxSourceConnections,omitempty"`

	SimCode             string `yaml:"simCode,omitempty" json:"simCode,omitempty"`
	EventCode           string `yaml:"eventCode,omitempty" json:"eventCode,omitempty"`
	EventThresholdCode  string `yaml:"eventThresholdCode,omitempty" json:"eventThresholdCode,omitempty"`
	LearnPostCode       string `yaml:"learnPostCode,omitempty" json:"learnPostCode,omitempty"`
	SynapseDynamicsCode string `yaml:"synapseDynamicsCode,omitempty" json:"synapseDynamicsCode,omitempty"`
	SupportCode         string `yaml:"supportCode,omitempty" json:"supportCode,omitempty"`

	// ConnectivityInitCode builds one row of sparse connectivity on the device
	// using $(addSynapse, j).
	ConnectivityInitCode string `yaml:"connectivityInitCode,omitempty" json:"connectivityInitCode,omitempty"`

	Vars              []Var              `yaml:"vars,omitempty" json:"vars,omitempty"`
	Params            []Param            `yaml:"params,omitempty" json:"params,omitempty"`
	ExtraGlobalParams []ExtraGlobalParam `yaml:"extraGlobalParams,omitempty" json:"extraGlobalParams,omitempty"`

	// PostsynapticDecayCode updates $(inSyn) after it has been applied to the
	// target. Empty means inSyn is zeroed every step.
	PostsynapticDecayCode  string      `yaml:"postsynapticDecayCode,omitempty" json:"postsynapticDecayCode,omitempty"`
	InSynLocation          VarLocation `yaml:"inSynLocation,omitempty" json:"inSynLocation,omitempty"`
	ConnectivityLocation   VarLocation `yaml:"connectivityLocation,omitempty" json:"connectivityLocation,omitempty"`
	DendriticDelayLocation VarLocation `yaml:"dendriticDelayLocation,omitempty" json:"dendriticDelayLocation,omitempty"`

	src *NeuronGroup
	trg *NeuronGroup
}

func (sg *SynapseGroup) Src() *NeuronGroup { return sg.src }
func (sg *SynapseGroup) Trg() *NeuronGroup { return sg.trg }

func (sg *SynapseGroup) Individual() bool { return !sg.GlobalWeights }

func (sg *SynapseGroup) TrueSpikeRequired() bool { return strings.TrimSpace(sg.SimCode) != "" }
func (sg *SynapseGroup) SpikeEventRequired() bool {
	return strings.TrimSpace(sg.EventCode) != ""
}
func (sg *SynapseGroup) LearnPostRequired() bool {
	return strings.TrimSpace(sg.LearnPostCode) != ""
}
func (sg *SynapseGroup) SynapseDynamicsRequired() bool {
	return strings.TrimSpace(sg.SynapseDynamicsCode) != ""
}

// EventThresholdRetestRequired reports whether spike-like events must be
// re-tested per synapse inside the presynaptic kernel.
func (sg *SynapseGroup) EventThresholdRetestRequired() bool {
	return sg.SpikeEventRequired() && strings.TrimSpace(sg.EventThresholdCode) != ""
}

func (sg *SynapseGroup) DendriticDelayRequired() bool {
	return usesFunction(sg.SimCode, "addToInSynDelay") ||
		usesFunction(sg.EventCode, "addToInSynDelay") ||
		usesFunction(sg.SynapseDynamicsCode, "addToInSynDelay")
}

// WUVarInitRequired reports whether individual weight-update variables are
// initialised on the device.
func (sg *SynapseGroup) WUVarInitRequired() bool {
	if !sg.Individual() {
		return false
	}
	for _, v := range sg.Vars {
		if strings.TrimSpace(v.Init) != "" {
			return true
		}
	}
	return false
}

func (sg *SynapseGroup) WUInitRNGRequired() bool {
	if !sg.Individual() {
		return false
	}
	for _, v := range sg.Vars {
		if usesRNG(v.Init) {
			return true
		}
	}
	return false
}

func (sg *SynapseGroup) SparseConnectivityInitRequired() bool {
	return sg.Connectivity.Sparse() && strings.TrimSpace(sg.ConnectivityInitCode) != ""
}

func (sg *SynapseGroup) ConnectivityInitRNGRequired() bool {
	return sg.SparseConnectivityInitRequired() && usesRNG(sg.ConnectivityInitCode)
}

// SparseInitRequired reports whether the group takes part in the second,
// sparse initialisation pass.
func (sg *SynapseGroup) SparseInitRequired() bool {
	if !sg.Connectivity.Sparse() {
		return false
	}
	if sg.WUVarInitRequired() {
		return true
	}
	return sg.Connectivity == Ragged && (sg.LearnPostRequired() || sg.SynapseDynamicsRequired())
}

// AxonalDelaySlot returns the expression for the source spike queue slot
// read by this group.
func (sg *SynapseGroup) AxonalDelaySlot(prefix string) string {
	src := sg.src
	if sg.DelaySteps == 0 {
		return prefix + "spkQuePtr" + src.Name
	}
	return fmt.Sprintf("((%sspkQuePtr%s + %d) %% %d)", prefix, src.Name, src.numDelaySlots-sg.DelaySteps, src.numDelaySlots)
}

// BackPropDelaySlot returns the expression for the target spike queue slot
// read by postsynaptic learning.
func (sg *SynapseGroup) BackPropDelaySlot(prefix string) string {
	trg := sg.trg
	if sg.BackPropDelaySteps == 0 {
		return prefix + "spkQuePtr" + trg.Name
	}
	return fmt.Sprintf("((%sspkQuePtr%s + %d) %% %d)", prefix, trg.Name, trg.numDelaySlots-sg.BackPropDelaySteps, trg.numDelaySlots)
}

// DendriticDelayOffset returns the expression for the start of the
// dendritic delay buffer row offset steps in the future.
func (sg *SynapseGroup) DendriticDelayOffset(prefix, offset string) string {
	if offset == "" {
		return fmt.Sprintf("(%sdenDelayPtr%s * %d) + ", prefix, sg.Name, sg.trg.Size)
	}
	return fmt.Sprintf("(((%sdenDelayPtr%s + %s) %% %d) * %d) + ", prefix, sg.Name, offset, sg.MaxDendriticDelaySteps, sg.trg.Size)
}

type KernelParam struct {
	Name string
	Type string
}

type Network struct {
	Name          string          `yaml:"name" json:"name"`
	Precision     string          `yaml:"precision,omitempty" json:"precision,omitempty"`
	TimePrecision string          `yaml:"timePrecision,omitempty" json:"timePrecision,omitempty"`
	DT            float64         `yaml:"dt,omitempty" json:"dt,omitempty"`
	Seed          uint64          `yaml:"seed,omitempty" json:"seed,omitempty"`
	NeuronGroups  []*NeuronGroup  `yaml:"neuronGroups" json:"neuronGroups"`
	SynapseGroups []*SynapseGroup `yaml:"synapseGroups,omitempty" json:"synapseGroups,omitempty"`

	finalized bool
}

func (m *Network) Finalized() bool { return m.finalized }

// CheckFinalized returns ErrNotFinalized for models that have not been
// through Finalize.
func (m *Network) CheckFinalized() error {
	if m == nil || !m.finalized {
		return ErrNotFinalized
	}
	return nil
}

func (m *Network) NeuronGroup(name string) (*NeuronGroup, bool) {
	for _, ng := range m.NeuronGroups {
		if ng.Name == name {
			return ng, true
		}
	}
	return nil, false
}

func (m *Network) SynapseGroup(name string) (*SynapseGroup, bool) {
	for _, sg := range m.SynapseGroups {
		if sg.Name == name {
			return sg, true
		}
	}
	return nil, false
}

func (m *Network) PreSynapseResetRequired() bool {
	return m.NumPreSynapseResetGroups() > 0
}

func (m *Network) NumPreSynapseResetGroups() int {
	n := 0
	for _, sg := range m.SynapseGroups {
		if sg.DendriticDelayRequired() {
			n++
		}
	}
	return n
}

func (m *Network) ZeroCopyInUse() bool {
	for _, ng := range m.NeuronGroups {
		if ng.ZeroCopyInUse() {
			return true
		}
	}
	for _, sg := range m.SynapseGroups {
		if sg.InSynLocation.ZeroCopy() || sg.ConnectivityLocation.ZeroCopy() || sg.DendriticDelayLocation.ZeroCopy() {
			return true
		}
		for _, v := range sg.Vars {
			if v.Location.ZeroCopy() {
				return true
			}
		}
	}
	return false
}

// NumNeurons returns the total neuron count across all populations.
func (m *Network) NumNeurons() int {
	n := 0
	for _, ng := range m.NeuronGroups {
		n += ng.Size
	}
	return n
}

// NeuronKernelParams lists the extra global params passed to the neuron
// update kernel, ordered by name.
func (m *Network) NeuronKernelParams() []KernelParam {
	var out []KernelParam
	for _, ng := range m.NeuronGroups {
		for _, egp := range ng.ExtraGlobalParams {
			if referenced(egp.Name, ng.SimCode, ng.ThresholdCode, ng.ResetCode) {
				out = append(out, KernelParam{Name: egp.Name + ng.Name, Type: egp.Type})
			}
		}
	}
	return sortParams(out)
}

// SynapseKernelParams lists extra global params referenced by presynaptic
// spike and event code.
func (m *Network) SynapseKernelParams() []KernelParam {
	return m.synapseParams(func(sg *SynapseGroup) []string {
		return []string{sg.SimCode, sg.EventCode, sg.EventThresholdCode}
	})
}

func (m *Network) LearnPostKernelParams() []KernelParam {
	return m.synapseParams(func(sg *SynapseGroup) []string {
		return []string{sg.LearnPostCode}
	})
}

func (m *Network) SynapseDynamicsKernelParams() []KernelParam {
	return m.synapseParams(func(sg *SynapseGroup) []string {
		return []string{sg.SynapseDynamicsCode}
	})
}

// InitKernelParams lists extra global params referenced by connectivity
// initialisation code.
func (m *Network) InitKernelParams() []KernelParam {
	return m.synapseParams(func(sg *SynapseGroup) []string {
		return []string{sg.ConnectivityInitCode}
	})
}

func (m *Network) synapseParams(code func(*SynapseGroup) []string) []KernelParam {
	var out []KernelParam
	for _, sg := range m.SynapseGroups {
		for _, egp := range sg.ExtraGlobalParams {
			if referenced(egp.Name, code(sg)...) {
				out = append(out, KernelParam{Name: egp.Name + sg.Name, Type: egp.Type})
			}
		}
	}
	return sortParams(out)
}
