package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spikegen/internal/backend/cuda"
	"github.com/samcharles93/spikegen/internal/pipeline"
)

func tuneCmd() *cli.Command {
	var keepProbes bool

	flags := append(outputFlags(), backendFlags()...)
	flags = append(flags, driverFlags()...)
	flags = append(flags, storeFlags()...)
	flags = append(flags, &cli.BoolFlag{
		Name:        "keep-probes",
		Usage:       "keep the probe sources and compiler logs",
		Destination: &keepProbes,
	})

	return &cli.Command{
		Name:      "tune",
		Usage:     "Optimize block sizes for a model and store the result",
		ArgsUsage: "MODEL",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyRunConfig(cmd, LoadConfig())

			m, err := loadModelArg(cmd)
			if err != nil {
				return err
			}
			prefs, err := preferences()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			// Probe builds go to a scratch directory unless asked to keep them.
			dir := outDir
			if keepProbes || dir != "" {
				if dir, err = resolveOutDir(outDir, m.Name); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			} else {
				tmp, err := os.MkdirTemp("", "spikegen-tune-")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				defer func() { _ = os.RemoveAll(tmp) }()
				dir = filepath.Join(tmp, m.Name)
			}

			svc, cleanup, err := newService(ctx, "cli", true)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer cleanup()

			res, err := svc.Tune(ctx, pipeline.Request{Model: m, OutDir: dir, Prefs: prefs})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: tune: %v", err), 1)
			}
			probeDir := ""
			if keepProbes {
				probeDir = dir
			}
			printResult(res, probeDir)
			return nil
		},
	}
}

func printKernels(res pipeline.Result) {
	fmt.Printf("  %-30s %6s %12s %6s\n", "KERNEL", "BLOCK", "OCCUPANCY", "SMALL")
	for _, k := range cuda.Kernels() {
		size, ok := res.BlockSizes[k.String()]
		if !ok {
			continue
		}
		rec, tuned := res.Kernels[k]
		if !tuned {
			if len(res.Kernels) > 0 {
				// not used by this model
				continue
			}
			fmt.Printf("  %-30s %6d %12s %6s\n", k, size, "-", "-")
			continue
		}
		small := "no"
		if rec.SmallModel {
			small = "yes"
		}
		fmt.Printf("  %-30s %6d %12d %6s\n", k, size, rec.Occupancy, small)
	}
}
