package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show record counts and release sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			defer ctx.close()
			store, err := ctx.buildStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			st, err := store.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to load state: %w", err)
			}

			report := pipeline.NewStatusReport(st)
			if ctx.jsonOutput() {
				return writeJSON(cmd, report)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(report))
			return nil
		},
	}
}

func renderStatus(report pipeline.StatusReport) string {
	updated := "never"
	if report.LastUpdated != nil && !report.LastUpdated.IsZero() {
		updated = humanize.Time(report.LastUpdated.Time)
	}

	rows := [][]string{
		{"Last updated", updated},
		{"Records", strconv.Itoa(report.Total)},
		{"Discovered", strconv.Itoa(report.Counts[models.VideoStatusDiscovered])},
		{"Ingested", strconv.Itoa(report.Counts[models.VideoStatusIngested])},
		{"Published", strconv.Itoa(report.Counts[models.VideoStatusPublished])},
		{"Pending upload", humanize.IBytes(uint64(report.PendingBytes))},
	}
	out := renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignRight})
	if len(report.Batches) == 0 {
		return out + "\nNo releases yet"
	}
	return out + "\n" + renderBatches(report.Batches)
}
