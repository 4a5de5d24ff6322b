package driver

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// OfflineFile is the YAML layout of an offline device description.
type OfflineFile struct {
	DriverVersion int                `yaml:"driverVersion"`
	Devices       []DeviceProperties `yaml:"devices"`
}

// Offline serves device properties from a file and kernel resources from
// the ptxas -v output nvcc leaves next to each compiled module. It lets the
// optimizer run on machines without a GPU.
type Offline struct {
	version int
	devices []DeviceProperties
}

func NewOffline(version int, devices []DeviceProperties) *Offline {
	out := &Offline{version: version, devices: make([]DeviceProperties, len(devices))}
	for i, d := range devices {
		d.Ordinal = i
		if d.WarpSize == 0 {
			d.WarpSize = 32
		}
		out.devices[i] = d
	}
	return out
}

func LoadOffline(path string) (*Offline, error) {
	if path == "" {
		return nil, fmt.Errorf("offline driver requires a device file")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device file: %w", err)
	}
	var f OfflineFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse device file %s: %w", path, err)
	}
	for i, d := range f.Devices {
		if d.Major <= 0 || d.MultiProcessorCount <= 0 || d.MaxThreadsPerBlock <= 0 || d.MaxThreadsPerMultiProcessor <= 0 {
			return nil, fmt.Errorf("device file %s: device %d (%s) is missing compute capability or thread limits", path, i, d.Name)
		}
	}
	return NewOffline(f.DriverVersion, f.Devices), nil
}

func (o *Offline) DeviceCount() (int, error) { return len(o.devices), nil }

func (o *Offline) Properties(ordinal int) (DeviceProperties, error) {
	if ordinal < 0 || ordinal >= len(o.devices) {
		return DeviceProperties{}, fmt.Errorf("%w: %d", ErrUnknownDevice, ordinal)
	}
	return o.devices[ordinal], nil
}

func (o *Offline) Version() (int, error) { return o.version, nil }

func (o *Offline) OpenContext(ordinal int) (Context, error) {
	if ordinal < 0 || ordinal >= len(o.devices) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDevice, ordinal)
	}
	return offlineContext{}, nil
}

type offlineContext struct{}

func (offlineContext) SetCurrent() error { return nil }
func (offlineContext) Close() error      { return nil }

// LoadModule reads <module>.nvcc.log for the module compiled to path.
func (offlineContext) LoadModule(path string) (Module, error) {
	logPath := strings.TrimSuffix(path, ".cubin") + ".nvcc.log"
	f, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("offline module %s: %w", path, err)
	}
	defer f.Close()
	funcs, err := ParsePtxasLog(f)
	if err != nil {
		return nil, fmt.Errorf("offline module %s: %w", path, err)
	}
	return offlineModule(funcs), nil
}

type offlineModule map[string]FuncAttributes

func (m offlineModule) Function(name string) (FuncAttributes, bool, error) {
	attr, ok := m[name]
	return attr, ok, nil
}

func (offlineModule) Unload() error { return nil }

var (
	entryRE = regexp.MustCompile(`Compiling entry function '([^']+)'`)
	otherRE = regexp.MustCompile(`Compiling function '([^']+)'`)
	usedRE  = regexp.MustCompile(`Used (\d+) registers(?:, (\d+) bytes smem)?`)
)

// ParsePtxasLog extracts per-kernel register and static shared memory use
// from ptxas -v output.
func ParsePtxasLog(r io.Reader) (map[string]FuncAttributes, error) {
	out := make(map[string]FuncAttributes)
	current := ""
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if m := entryRE.FindStringSubmatch(line); m != nil {
			current = m[1]
			continue
		}
		if otherRE.MatchString(line) {
			current = ""
			continue
		}
		m := usedRE.FindStringSubmatch(line)
		if m == nil || current == "" {
			continue
		}
		regs, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("parse registers for %s: %w", current, err)
		}
		smem := 0
		if m[2] != "" {
			if smem, err = strconv.Atoi(m[2]); err != nil {
				return nil, fmt.Errorf("parse shared memory for %s: %w", current, err)
			}
		}
		out[current] = FuncAttributes{NumRegs: regs, SharedSizeBytes: smem}
		current = ""
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
