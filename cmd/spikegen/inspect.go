package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spikegen/internal/backend/cuda"
	"github.com/samcharles93/spikegen/internal/model"
	"github.com/samcharles93/spikegen/internal/store"
)

func inspectCmd() *cli.Command {
	var showTunings bool

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show a model's groups, kernel thread counts and stored tunings",
		ArgsUsage: "MODEL",
		Flags: append(storeFlags(),
			&cli.BoolFlag{
				Name:        "tunings",
				Usage:       "list stored tunings for this model",
				Destination: &showTunings,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyRunConfig(cmd, LoadConfig())

			m, err := loadModelArg(cmd)
			if err != nil {
				return err
			}
			fingerprint, err := m.Fingerprint()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			writeModelSummary(os.Stdout, m, fingerprint)

			if !showTunings {
				return nil
			}
			st, err := openStore(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = st.Close() }()
			records, err := st.ListTunings(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: list tunings: %v", err), 1)
			}
			writeTunings(os.Stdout, records, fingerprint)
			return nil
		},
	}
}

func writeModelSummary(w io.Writer, m *model.Network, fingerprint string) {
	_, _ = fmt.Fprintf(w, "model:       %s\n", m.Name)
	_, _ = fmt.Fprintf(w, "precision:   %s (time %s)\n", m.Precision, m.TimePrecision)
	_, _ = fmt.Fprintf(w, "dt:          %g\n", m.DT)
	_, _ = fmt.Fprintf(w, "fingerprint: %s\n", fingerprint)

	_, _ = fmt.Fprintf(w, "\nNeuron groups:\n")
	for _, ng := range m.NeuronGroups {
		_, _ = fmt.Fprintf(w, "  %-24s %8d neurons  delay slots %d", ng.Name, ng.Size, ng.NumDelaySlots())
		if ng.SpikeTimeRequired() {
			_, _ = fmt.Fprint(w, "  spike times")
		}
		if ng.SpikeEventRequired() {
			_, _ = fmt.Fprint(w, "  spike events")
		}
		_, _ = fmt.Fprintln(w)
	}

	if len(m.SynapseGroups) > 0 {
		_, _ = fmt.Fprintf(w, "\nSynapse groups:\n")
		for _, sg := range m.SynapseGroups {
			_, _ = fmt.Fprintf(w, "  %-24s %s -> %s  %s, %s span", sg.Name, sg.Source, sg.Target, sg.Connectivity, sg.Span)
			if sg.Connectivity == model.Ragged {
				_, _ = fmt.Fprintf(w, ", max %d connections", sg.MaxConnections)
			}
			if sg.DelaySteps > 0 {
				_, _ = fmt.Fprintf(w, ", delay %d", sg.DelaySteps)
			}
			_, _ = fmt.Fprintln(w)
		}
	}

	_, _ = fmt.Fprintf(w, "\nKernel threads (unpadded):\n")
	sizes := cuda.GroupSizes(m)
	for _, k := range cuda.Kernels() {
		total := 0
		for _, n := range sizes[k] {
			total += n
		}
		if total == 0 {
			continue
		}
		_, _ = fmt.Fprintf(w, "  %-30s %10d in %d group(s)\n", k, total, len(sizes[k]))
	}
}

func writeTunings(w io.Writer, records []store.TuningRecord, fingerprint string) {
	n := 0
	_, _ = fmt.Fprintf(w, "\nStored tunings:\n")
	for _, r := range records {
		if r.Fingerprint != fingerprint {
			continue
		}
		n++
		_, _ = fmt.Fprintf(w, "  %s  %s  %-24s %s  %s  [%s]\n", r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.DeviceName, r.PCIBusID, r.Flags, r.OccupancyModel)
	}
	if n == 0 {
		_, _ = fmt.Fprintf(w, "  none\n")
	}
}
