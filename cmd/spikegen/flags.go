package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spikegen/internal/backend/cuda"
)

var (
	outDir          string
	storeKind       string
	storePath       string
	driverMode      string
	deviceFile      string
	nvccPath        string
	nvccFlags       string
	optimizeCode    bool
	debugCode       bool
	autoDevice      bool
	blockSizeSelect string
	blockSizes      []string
	registerAware   bool
	logLevel        string
	logFormat       string
	debug           bool
)

func outputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "output directory for generated sources (default $SPIKEGEN_OUT_DIR/<model> or ./out/<model>)",
			Destination: &outDir,
		},
	}
}

func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "store",
			Usage:       "tuning store backend (sqlite, memory)",
			Value:       "sqlite",
			Destination: &storeKind,
		},
		&cli.StringFlag{
			Name:        "store-path",
			Usage:       "path to the sqlite tuning database",
			Destination: &storePath,
		},
	}
}

func driverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "driver",
			Usage:       "cuda driver (auto, native, offline)",
			Value:       "auto",
			Destination: &driverMode,
		},
		&cli.StringFlag{
			Name:        "device-file",
			Usage:       "YAML device description used by the offline driver",
			Destination: &deviceFile,
		},
	}
}

func backendFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "nvcc",
			Usage:       "path to nvcc (default $SPIKEGEN_NVCC or nvcc)",
			Destination: &nvccPath,
		},
		&cli.StringFlag{
			Name:        "nvcc-flags",
			Usage:       "extra flags passed to nvcc",
			Destination: &nvccFlags,
		},
		&cli.BoolFlag{
			Name:        "optimize",
			Usage:       "compile with -O3 and fast math",
			Value:       true,
			Destination: &optimizeCode,
		},
		&cli.BoolFlag{
			Name:        "debug-code",
			Usage:       "compile device code with debug information",
			Destination: &debugCode,
		},
		&cli.BoolFlag{
			Name:        "auto-device",
			Usage:       "optimize for every device and pick the best",
			Value:       true,
			Destination: &autoDevice,
		},
		&cli.StringFlag{
			Name:        "block-size-select",
			Usage:       "block size selection (occupancy, manual)",
			Value:       cuda.BlockSizeOccupancy,
			Destination: &blockSizeSelect,
		},
		&cli.StringSliceFlag{
			Name:        "block-size",
			Usage:       "manual block size as kernel=size, repeatable",
			Destination: &blockSizes,
		},
		&cli.BoolFlag{
			Name:        "register-aware",
			Usage:       "account for per-warp register allocation in occupancy estimates",
			Destination: &registerAware,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// preferences builds backend preferences from the flag values.
func preferences() (cuda.Preferences, error) {
	p := cuda.DefaultPreferences()
	p.AutoChooseDevice = autoDevice
	p.OptimizeCode = optimizeCode
	p.DebugCode = debugCode
	p.UserNvccFlags = nvccFlags
	p.BlockSizeSelect = blockSizeSelect
	p.RegisterAwareOccupancy = registerAware
	if len(blockSizes) > 0 {
		sizes, err := parseBlockSizes(blockSizes)
		if err != nil {
			return p, err
		}
		p.ManualBlockSizes = sizes
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// parseBlockSizes reads kernel=size pairs. Kernels not named keep the warp
// size.
func parseBlockSizes(values []string) (cuda.BlockSizes, error) {
	m := make(map[string]int, len(values))
	for _, v := range values {
		for _, pair := range strings.Split(v, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			name, size, ok := strings.Cut(pair, "=")
			if !ok {
				return cuda.BlockSizes{}, fmt.Errorf("block size %q: expected kernel=size", pair)
			}
			n, err := strconv.Atoi(strings.TrimSpace(size))
			if err != nil {
				return cuda.BlockSizes{}, fmt.Errorf("block size %q: %w", pair, err)
			}
			m[strings.TrimSpace(name)] = n
		}
	}
	return cuda.BlockSizesFromMap(m)
}
