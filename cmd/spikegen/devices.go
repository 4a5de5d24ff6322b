package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spikegen/internal/backend"
	"github.com/samcharles93/spikegen/internal/backend/cuda"
)

func devicesCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:  "devices",
		Usage: "List CUDA devices and their limits",
		Flags: append(driverFlags(),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print devices as JSON",
				Destination: &asJSON,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyRunConfig(cmd, LoadConfig())

			svc, cleanup, err := newService(ctx, "cli", false)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer cleanup()

			devices, version, err := svc.Devices(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"driverVersion": version, "devices": devices})
			}
			if len(devices) == 0 {
				return cli.Exit(fmt.Sprintf("error: %v", cuda.ErrNoDevices), 1)
			}

			fmt.Printf("CUDA driver %d.%d (drivers in this build: %s)\n\n", version/1000, (version%1000)/10, backend.Available())
			for _, d := range devices {
				fmt.Printf("  %d. %-32s %s\n", d.Ordinal, d.Name, d.PCIBusID)
				fmt.Printf("     compute %d.%d, %d SMs, %s global memory\n",
					d.Major, d.Minor, d.MultiProcessorCount, formatBytes(d.TotalGlobalMem))
				fmt.Printf("     %d threads/block, %d threads/SM, %s smem/block, %d regs/SM\n",
					d.MaxThreadsPerBlock, d.MaxThreadsPerMultiProcessor, formatBytes(uint64(d.SharedMemPerBlock)), d.RegsPerMultiprocessor)
			}
			fmt.Printf("\n%d device(s) found\n", len(devices))
			return nil
		},
	}
}

func formatBytes(bytes uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
