package cuda

import (
	"fmt"
	"strings"

	"github.com/samcharles93/spikegen/internal/backend/cuda/driver"
)

const (
	BlockSizeOccupancy = "occupancy"
	BlockSizeManual    = "manual"
)

// Occupancy models, as recorded with stored tunings.
const (
	OccupancyStandard      = "standard"
	OccupancyRegisterAware = "register-aware"
)

// Preferences are the user-facing knobs of the CUDA backend.
type Preferences struct {
	// AutoChooseDevice runs the optimizer on every device and keeps the best.
	// When false the device with the most global memory is used.
	AutoChooseDevice bool   `yaml:"auto_device" json:"autoChooseDevice"`
	OptimizeCode     bool   `yaml:"optimize" json:"optimizeCode"`
	DebugCode        bool   `yaml:"debug" json:"debugCode"`
	ShowPtxInfo      bool   `yaml:"show_ptx_info" json:"showPtxInfo"`
	UserNvccFlags    string `yaml:"nvcc_flags" json:"userNvccFlags"`

	// BlockSizeSelect is "occupancy" or "manual".
	BlockSizeSelect  string     `yaml:"block_size_select" json:"blockSizeSelect"`
	ManualBlockSizes BlockSizes `yaml:"-" json:"-"`

	// RegisterAwareOccupancy enables per-warp register accounting on
	// devices newer than compute capability 1.x.
	RegisterAwareOccupancy bool `yaml:"register_aware_occupancy" json:"registerAwareOccupancy"`
}

func DefaultPreferences() Preferences {
	return Preferences{
		AutoChooseDevice: true,
		OptimizeCode:     true,
		BlockSizeSelect:  BlockSizeOccupancy,
		ManualBlockSizes: UniformBlockSizes(warpSize),
	}
}

// Validate normalises BlockSizeSelect and checks manual sizes.
func (p *Preferences) Validate() error {
	switch strings.ToLower(strings.TrimSpace(p.BlockSizeSelect)) {
	case "", BlockSizeOccupancy:
		p.BlockSizeSelect = BlockSizeOccupancy
	case BlockSizeManual:
		p.BlockSizeSelect = BlockSizeManual
		if p.ManualBlockSizes == (BlockSizes{}) {
			p.ManualBlockSizes = UniformBlockSizes(warpSize)
		}
		if err := p.ManualBlockSizes.Validate(); err != nil {
			return fmt.Errorf("manual block sizes: %w", err)
		}
	default:
		return fmt.Errorf("unknown block size selection %q (expected occupancy or manual)", p.BlockSizeSelect)
	}
	return nil
}

func architecture(major, minor int) string {
	return fmt.Sprintf("sm_%d%d", major, minor)
}

func nvccFlags(p Preferences, major, minor int) string {
	flags := "-std=c++11 --compiler-options '-fPIC' -x cu -arch " + architecture(major, minor)
	flags += " " + p.UserNvccFlags
	if p.OptimizeCode {
		flags += ` -O3 -use_fast_math -Xcompiler "-ffast-math"`
	}
	if p.DebugCode {
		flags += " -O0 -g -G"
	}
	if p.ShowPtxInfo {
		flags += ` -Xptxas "-v"`
	}
	return flags
}

// OccupancyModel names the occupancy calculation the optimizer uses under p.
// Block sizes tuned under one model are not valid under the other.
func (p Preferences) OccupancyModel() string {
	if p.RegisterAwareOccupancy {
		return OccupancyRegisterAware
	}
	return OccupancyStandard
}

// CompilerFlagsFor returns the nvcc flags a backend for dev would use.
func CompilerFlagsFor(p Preferences, dev driver.DeviceProperties) string {
	return nvccFlags(p, dev.Major, dev.Minor)
}

func linkFlags(major, minor int) string {
	return "--shared --linker-options '-fPIC' -arch " + architecture(major, minor)
}
