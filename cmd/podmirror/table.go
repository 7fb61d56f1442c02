package main

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderSummary(sum pipeline.Summary) string {
	rows := [][]string{
		{"Run", sum.RunID},
		{"Stage", sum.Stage},
		{"New", strconv.Itoa(sum.New)},
		{"Skipped", strconv.Itoa(sum.Skipped)},
		{"Published", strconv.Itoa(sum.Published)},
		{"Failed", strconv.Itoa(sum.Failed)},
		{"Total records", strconv.Itoa(sum.Total)},
	}
	if sum.Stage == pipeline.StageFeed || sum.Stage == pipeline.StageRun {
		rows = append(rows, []string{"Feed episodes", strconv.Itoa(sum.FeedEpisodes)})
	}
	rows = append(rows, []string{"Duration", sum.Duration.Round(time.Millisecond).String()})

	out := renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignRight})
	if len(sum.Batches) > 0 {
		out += "\n" + renderBatches(sum.Batches)
	}
	return out
}

func renderBatches(batches []models.ReleaseBatch) string {
	rows := make([][]string, 0, len(batches))
	for _, b := range batches {
		rows = append(rows, []string{
			b.Tag,
			strconv.Itoa(b.Episodes),
			humanize.IBytes(uint64(b.CumulativeBytes)),
		})
	}
	return renderTable([]string{"Release", "Episodes", "Size"}, rows, []columnAlignment{alignLeft, alignRight, alignRight})
}
