package model

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCanPushPullTruthTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		host, device, zeroCopy bool
		want                   bool
	}{
		{false, false, false, false},
		{true, false, false, false},
		{false, true, false, false},
		{true, true, false, true},
		{false, false, true, false},
		{true, false, true, false},
		{false, true, true, false},
		{true, true, true, false},
	}
	for _, tc := range cases {
		var loc VarLocation
		if tc.host {
			loc |= LocHost
		}
		if tc.device {
			loc |= LocDevice
		}
		if tc.zeroCopy {
			loc |= LocZeroCopy
		}
		if got := loc.CanPushPull(); got != tc.want {
			t.Fatalf("%s: CanPushPull() = %v, want %v", loc, got, tc.want)
		}
	}
}

func TestParseLocation(t *testing.T) {
	t.Parallel()

	cases := map[string]VarLocation{
		"":                      LocHostDevice,
		"host":                  LocHost,
		"device":                LocDevice,
		"host_device":           LocHostDevice,
		"host+device+zero_copy": LocHostDeviceZeroCopy,
		"HOST_DEVICE_ZERO_COPY": LocHostDeviceZeroCopy,
	}
	for in, want := range cases {
		got, err := ParseLocation(in)
		if err != nil {
			t.Fatalf("ParseLocation(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLocation(%q) = %s, want %s", in, got, want)
		}
	}
	for _, bad := range []string{"gpu", "zero_copy", "device_zero_copy", "host+zero_copy"} {
		if _, err := ParseLocation(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func twoPopulationModel() *Network {
	return &Network{
		Name: "net",
		NeuronGroups: []*NeuronGroup{
			{Name: "Pre", Size: 10, Vars: []Var{{Name: "V", Init: "$(gennrand_uniform)"}}},
			{Name: "Post", Size: 20, SimCode: "$(V) += $(gennrand_normal);"},
		},
		SynapseGroups: []*SynapseGroup{{
			Name:                 "PrePost",
			Source:               "Pre",
			Target:               "Post",
			Connectivity:         Ragged,
			DelaySteps:           3,
			MaxConnections:       5,
			SimCode:              "$(addToInSyn, $(g));",
			LearnPostCode:        "$(g) += 0.1;",
			ConnectivityInitCode: "$(addSynapse, 0);",
			Vars:                 []Var{{Name: "g", Init: "0.5"}},
		}},
	}
}

func TestFinalizeDerivesFlags(t *testing.T) {
	t.Parallel()

	m := twoPopulationModel()
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if m.NeuronGroups[0].Name != "Post" {
		t.Fatalf("neuron groups not sorted: %s first", m.NeuronGroups[0].Name)
	}

	pre, _ := m.NeuronGroup("Pre")
	post, _ := m.NeuronGroup("Post")
	sg, _ := m.SynapseGroup("PrePost")

	if pre.NumDelaySlots() != 4 || !pre.DelayRequired() {
		t.Fatalf("pre delay slots = %d, want 4", pre.NumDelaySlots())
	}
	if !pre.TrueSpikeRequired() {
		t.Fatalf("pre should emit true spikes")
	}
	if !post.TrueSpikeRequired() {
		t.Fatalf("post should emit true spikes for postsynaptic learning")
	}
	if !pre.InitRNGRequired() || pre.SimRNGRequired() {
		t.Fatalf("pre rng flags: init=%v sim=%v", pre.InitRNGRequired(), pre.SimRNGRequired())
	}
	if !post.SimRNGRequired() {
		t.Fatalf("post should require a simulation rng")
	}
	if sg.Src() != pre || sg.Trg() != post {
		t.Fatalf("synapse group references not resolved")
	}
	if sg.MaxSourceConnections != pre.Size {
		t.Fatalf("maxSourceConnections default = %d, want %d", sg.MaxSourceConnections, pre.Size)
	}
	if !sg.SparseInitRequired() {
		t.Fatalf("ragged group with weight init should require sparse init")
	}
	if got := sg.AxonalDelaySlot("dd_"); got != "((dd_spkQuePtrPre + 1) % 4)" {
		t.Fatalf("AxonalDelaySlot = %q", got)
	}
}

func TestFinalizeRejectsUnsupportedCombinations(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Network)
	}{
		{"presynaptic dense", func(m *Network) {
			m.SynapseGroups[0].Connectivity = Dense
			m.SynapseGroups[0].Span = SpanPresynaptic
		}},
		{"bitmask dynamics", func(m *Network) {
			m.SynapseGroups[0].Connectivity = Bitmask
			m.SynapseGroups[0].LearnPostCode = ""
			m.SynapseGroups[0].Vars = nil
			m.SynapseGroups[0].SynapseDynamicsCode = "$(addToInSyn, 1.0);"
		}},
		{"unknown target", func(m *Network) { m.SynapseGroups[0].Target = "Nope" }},
		{"bad size", func(m *Network) { m.NeuronGroups[0].Size = 0 }},
		{"too many connections", func(m *Network) { m.SynapseGroups[0].MaxConnections = 100 }},
		{"zero-copy var without host", func(m *Network) {
			m.NeuronGroups[0].Vars[0].Location = LocDevice | LocZeroCopy
		}},
		{"zero-copy inSyn without device", func(m *Network) {
			m.SynapseGroups[0].InSynLocation = LocHost | LocZeroCopy
		}},
		{"host connectivity on device only", func(m *Network) {
			sg := m.SynapseGroups[0]
			sg.LearnPostCode = ""
			sg.ConnectivityInitCode = ""
			sg.ConnectivityLocation = LocDevice
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := twoPopulationModel()
			tc.mutate(m)
			err := m.Finalize()
			if !errors.Is(err, ErrInvalidModel) {
				t.Fatalf("expected ErrInvalidModel, got %v", err)
			}
		})
	}
}

func TestFinalizeAcceptsHostConnectivity(t *testing.T) {
	t.Parallel()

	for _, conn := range []Connectivity{Ragged, Bitmask} {
		m := twoPopulationModel()
		sg := m.SynapseGroups[0]
		sg.Connectivity = conn
		sg.LearnPostCode = ""
		sg.ConnectivityInitCode = ""
		if conn == Bitmask {
			sg.Vars = nil
		}
		if err := m.Finalize(); err != nil {
			t.Fatalf("%s without connectivityInitCode: %v", conn, err)
		}
		if sg.SparseConnectivityInitRequired() {
			t.Fatalf("%s: connectivity should be built on the host", conn)
		}
	}

	// remap building still needs device-side connectivity
	m := twoPopulationModel()
	m.SynapseGroups[0].ConnectivityInitCode = ""
	if err := m.Finalize(); !errors.Is(err, ErrInvalidModel) {
		t.Fatalf("postsynaptic learning without connectivityInitCode: expected ErrInvalidModel, got %v", err)
	}
}

func TestCheckFinalized(t *testing.T) {
	t.Parallel()

	m := twoPopulationModel()
	if err := m.CheckFinalized(); !errors.Is(err, ErrNotFinalized) {
		t.Fatalf("expected ErrNotFinalized, got %v", err)
	}
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := m.CheckFinalized(); err != nil {
		t.Fatalf("CheckFinalized after Finalize: %v", err)
	}
}

func TestDendriticDelayDetection(t *testing.T) {
	t.Parallel()

	m := twoPopulationModel()
	m.SynapseGroups[0].SimCode = "$(addToInSynDelay, $(g), 2);"
	m.SynapseGroups[0].MaxDendriticDelaySteps = 4
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !m.PreSynapseResetRequired() || m.NumPreSynapseResetGroups() != 1 {
		t.Fatalf("expected one pre-synapse reset group")
	}
	sg := m.SynapseGroups[0]
	if got := sg.DendriticDelayOffset("dd_", "$(1)"); got != "(((dd_denDelayPtrPrePost + $(1)) % 4) * 20) + " {
		t.Fatalf("DendriticDelayOffset = %q", got)
	}
}

func TestLoadYAMLAndJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "net.yaml")
	yamlSrc := `name: net
precision: double
neuronGroups:
  - name: Exc
    size: 100
    thresholdCode: "$(V) >= 30.0"
    vars:
      - name: V
        init: "-65.0"
        location: host_device_zero_copy
`
	if err := os.WriteFile(yamlPath, []byte(yamlSrc), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	m, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	if m.Precision != "double" || m.TimePrecision != "double" {
		t.Fatalf("precision = %s/%s", m.Precision, m.TimePrecision)
	}
	if !m.ZeroCopyInUse() {
		t.Fatalf("expected zero-copy in use")
	}

	jsonPath := filepath.Join(dir, "net.json")
	jsonSrc := `{"name":"net","neuronGroups":[{"name":"Exc","size":100,"vars":[{"name":"V","init":"-65.0","location":"host_device_zero_copy"}],"thresholdCode":"$(V) >= 30.0"}],"precision":"double"}`
	if err := os.WriteFile(jsonPath, []byte(jsonSrc), 0o644); err != nil {
		t.Fatalf("write json: %v", err)
	}
	m2, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load json: %v", err)
	}

	fp1, err := m.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fp2, err := m2.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("fingerprints differ for equivalent models")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte("name: net\nneuronGroupz: []\n"), FormatYAML)
	if !errors.Is(err, ErrInvalidModel) {
		t.Fatalf("expected ErrInvalidModel, got %v", err)
	}
}
