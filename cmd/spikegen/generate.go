package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spikegen/internal/model"
	"github.com/samcharles93/spikegen/internal/pipeline"
)

func generateCmd() *cli.Command {
	var (
		reuseTuning bool
		saveTuning  bool
	)

	flags := append(outputFlags(), backendFlags()...)
	flags = append(flags, driverFlags()...)
	flags = append(flags, storeFlags()...)
	flags = append(flags,
		&cli.BoolFlag{
			Name:        "reuse-tuning",
			Usage:       "use a stored tuning for this model and device instead of running the optimizer",
			Destination: &reuseTuning,
		},
		&cli.BoolFlag{
			Name:        "save-tuning",
			Usage:       "store the optimizer result for later --reuse-tuning runs",
			Destination: &saveTuning,
		},
	)

	return &cli.Command{
		Name:      "generate",
		Aliases:   []string{"gen"},
		Usage:     "Generate CUDA sources for a model",
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
			dir, err := resolveOutDir(outDir, m.Name)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			svc, cleanup, err := newService(ctx, "cli", reuseTuning || saveTuning)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer cleanup()

			res, err := svc.Generate(ctx, pipeline.Request{
				Model:       m,
				OutDir:      dir,
				Prefs:       prefs,
				ReuseTuning: reuseTuning,
				SaveTuning:  saveTuning,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: generate: %v", err), 1)
			}
			printResult(res, dir)
			return nil
		},
	}
}

// loadModelArg loads the model named by the first argument.
func loadModelArg(cmd *cli.Command) (*model.Network, error) {
	path := strings.TrimSpace(cmd.Args().First())
	if path == "" {
		return nil, cli.Exit("error: a model file is required", 1)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: stat model path %q: %v", path, err), 1)
	}
	m, err := model.Load(path)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
	}
	return m, nil
}

func printResult(res pipeline.Result, dir string) {
	fmt.Printf("model:   %s\n", res.Model)
	fmt.Printf("device:  %d %s (%s, sm_%d)\n", res.Device.Ordinal, res.Device.Name, res.Device.PCIBusID, res.Device.SMVersion())
	if dir != "" {
		fmt.Printf("output:  %s\n", dir)
	}
	switch {
	case res.Reused:
		fmt.Printf("tuning:  reused %s\n", res.TuningID)
	case res.TuningID != "":
		fmt.Printf("tuning:  saved %s\n", res.TuningID)
	}
	fmt.Println()
	printKernels(res)
}
