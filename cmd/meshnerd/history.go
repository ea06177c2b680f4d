package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"meshnerd/cmd/meshnerd/ui"
	"meshnerd/internal/history"
)

var historyLimit int

// historyCmd lists past generations
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded generations",
	RunE:  runHistoryList,
}

// historyShowCmd renders one generation in detail
var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one generation, full or prefix ID",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

func init() {
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries to list")
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	styles := ui.DefaultStyles()

	store, err := history.NewStore(resolveWorkspace())
	if err != nil {
		return err
	}
	defer store.Close()

	gens, err := store.List(historyLimit)
	if err != nil {
		return err
	}
	if len(gens) == 0 {
		fmt.Println(styles.Muted.Render("No generations recorded yet."))
		return nil
	}

	table := ui.NewSimpleTable("Generation history", []string{"ID", "Created", "Status", "Model", "Images"})
	for _, gen := range gens {
		table.AddRow(
			shortID(gen.ID),
			gen.CreatedAt.Format("2006-01-02 15:04"),
			gen.Status,
			gen.Model,
			strconv.Itoa(gen.ImageCount),
		)
	}
	fmt.Print(table.View(styles))
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := history.NewStore(resolveWorkspace())
	if err != nil {
		return err
	}
	defer store.Close()

	gen, err := resolveGeneration(store, args[0])
	if err != nil {
		return err
	}

	md := historyMarkdown(gen)
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Print(md)
		return nil
	}
	out, err := renderer.Render(md)
	if err != nil {
		fmt.Print(md)
		return nil
	}
	fmt.Print(out)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// resolveGeneration accepts a full ID or a unique prefix, git style.
func resolveGeneration(store *history.Store, id string) (*history.Generation, error) {
	if gen, err := store.Get(id); err == nil {
		return gen, nil
	}

	gens, err := store.List(10000)
	if err != nil {
		return nil, err
	}
	var match *history.Generation
	for i := range gens {
		if !strings.HasPrefix(gens[i].ID, id) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("generation prefix %q is ambiguous", id)
		}
		match = &gens[i]
	}
	if match == nil {
		return nil, fmt.Errorf("generation %s not found", id)
	}
	return match, nil
}

func historyMarkdown(gen *history.Generation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Generation %s\n\n", gen.ID)
	fmt.Fprintf(&sb, "- **Created:** %s\n", gen.CreatedAt.Format("Mon, 02 Jan 2006 15:04:05 MST"))
	fmt.Fprintf(&sb, "- **Status:** %s\n", gen.Status)
	fmt.Fprintf(&sb, "- **Backend:** %s / %s\n", gen.Provider, gen.Model)
	fmt.Fprintf(&sb, "- **Images:** %d\n", gen.ImageCount)
	if gen.ScriptPath != "" {
		fmt.Fprintf(&sb, "- **Script:** `%s`\n", gen.ScriptPath)
	}
	if gen.MeshPath != "" {
		fmt.Fprintf(&sb, "- **Mesh:** `%s`\n", gen.MeshPath)
	}

	if len(gen.Dimensions) > 0 {
		names := make([]string, 0, len(gen.Dimensions))
		for name := range gen.Dimensions {
			names = append(names, name)
		}
		sort.Strings(names)

		sb.WriteString("\n## Dimensions\n\n")
		sb.WriteString("| Name | Value |\n|------|-------|\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "| %s | %s |\n", name, strconv.FormatFloat(gen.Dimensions[name], 'f', -1, 64))
		}
	}

	if gen.Error != "" {
		sb.WriteString("\n## Failure\n\n```\n")
		sb.WriteString(gen.Error)
		sb.WriteString("\n```\n")
	}
	return sb.String()
}
