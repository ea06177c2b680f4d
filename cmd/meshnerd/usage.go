package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"meshnerd/cmd/meshnerd/ui"
	"meshnerd/internal/usage"
)

// usageCmd reports aggregated token usage
var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage aggregated by provider, model, and operation",
	RunE:  runUsage,
}

func runUsage(cmd *cobra.Command, args []string) error {
	styles := ui.DefaultStyles()

	tracker, err := usage.NewTracker(resolveWorkspace())
	if err != nil {
		return err
	}

	stats := tracker.Stats()
	if stats.Total.Requests == 0 {
		fmt.Println(styles.Muted.Render("No usage recorded yet."))
		return nil
	}

	table := ui.NewSimpleTable("Token usage", []string{"Scope", "Requests", "Input", "Output", "Total"})
	addUsageRow(table, "total", stats.Total)

	providers := make([]string, 0, len(stats.ByProvider))
	for p := range stats.ByProvider {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		addUsageRow(table, "provider/"+p, stats.ByProvider[p])
	}

	models := make([]string, 0, len(stats.ByModel))
	for m := range stats.ByModel {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		addUsageRow(table, "model/"+m, stats.ByModel[m])
	}

	ops := make([]string, 0, len(stats.ByOperation))
	for op := range stats.ByOperation {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		addUsageRow(table, "op/"+op, stats.ByOperation[op])
	}

	fmt.Print(table.View(styles))
	return nil
}

func addUsageRow(table *ui.SimpleTable, scope string, counts usage.TokenCounts) {
	table.AddRow(scope,
		strconv.FormatInt(counts.Requests, 10),
		strconv.FormatInt(counts.Input, 10),
		strconv.FormatInt(counts.Output, 10),
		strconv.FormatInt(counts.Total, 10))
}
