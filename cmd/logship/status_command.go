package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"logship/internal/deletion"
	"logship/internal/queue"
	"logship/internal/registry"
)

func newStatusCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and registry state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}

			ledger, err := registry.Open(cfg)
			if err != nil {
				return err
			}
			defer ledger.Close()
			registrySize, err := ledger.Size(cmd.Context())
			if err != nil {
				return err
			}

			var rows [][]string
			err = withQueue(cc, cmd, func(ctx context.Context, store *queue.Store) error {
				health, err := store.Health(ctx)
				if err != nil {
					return err
				}
				rows = append(rows,
					[]string{"Queue pending", strconv.Itoa(health.Pending)},
					[]string{"Queue in flight", strconv.Itoa(health.InFlight)},
					[]string{"Queue failed", strconv.Itoa(health.Failed)},
				)
				return nil
			})
			if err != nil {
				return err
			}
			rows = append(rows,
				[]string{"Registry records", strconv.Itoa(registrySize)},
				[]string{"Vehicle", cfg.VehicleID},
				[]string{"State directory", cfg.Paths.StateDir},
				[]string{"Watched roots", strconv.Itoa(len(cfg.Watches))},
			)

			prober := deletion.StatfsProber{}
			for _, rule := range cfg.Watches {
				usage, err := prober.UsagePercent(rule.Root)
				if err != nil {
					rows = append(rows, []string{"Disk usage " + rule.Root, "unavailable"})
					continue
				}
				rows = append(rows, []string{"Disk usage " + rule.Root, fmt.Sprintf("%.1f%%", usage)})
			}

			out := renderTable([]string{"Item", "Value"}, rows, []columnAlignment{alignLeft, alignLeft})
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}
