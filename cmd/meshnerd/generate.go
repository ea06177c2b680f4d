package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshnerd/cmd/meshnerd/ui"
	"meshnerd/internal/builder"
	"meshnerd/internal/config"
)

var (
	genProvider string
	genModel    string
	genOutput   string
	genFallback bool
	genCollapse bool
	genTimeout  time.Duration
	genPlain    bool
)

// generateCmd runs the drawings-to-mesh pipeline once
var generateCmd = &cobra.Command{
	Use:   "generate [image]...",
	Short: "Generate a 3D model from technical drawing images",
	Long: `Runs the full pipeline on one or more side-view drawings:

  1. Load the images and charge the admission quotas
  2. Send the drawings to the vision model with the CAD analysis prompt
  3. Extract the OpenSCAD program and dimensions from the reply
  4. Compile the script to an STL mesh with OpenSCAD

Artifacts (model.scad, model.stl, dimensions.json) land in the output
directory.

Example:
  meshnerd generate front.png side.png top.png -o ./bracket`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVar(&genProvider, "provider", "", "Model provider: anthropic or gemini")
	generateCmd.Flags().StringVar(&genModel, "model", "", "Model name override for the active provider")
	generateCmd.Flags().StringVarP(&genOutput, "output", "o", "", "Artifact output directory")
	generateCmd.Flags().BoolVar(&genFallback, "fallback", false, "Substitute a labeled unit cube when the reply is unusable")
	generateCmd.Flags().BoolVar(&genCollapse, "collapse-cylinders", false, "Collapse diameter/length dimensions into width/height/depth")
	generateCmd.Flags().DurationVar(&genTimeout, "timeout", 10*time.Minute, "Overall generation timeout")
	generateCmd.Flags().BoolVar(&genPlain, "plain", false, "Disable the spinner UI")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), genTimeout)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	applyGenerateFlags(cmd, cfg)

	b, err := builder.FromConfig(cfg, resolveWorkspace())
	if err != nil {
		return err
	}
	defer b.Close()

	req := builder.Request{ImagePaths: args}

	var res *builder.Result
	if useSpinnerUI() {
		res, err = runGenerateSpinner(ctx, cancel, b, req)
	} else {
		logger.Info("Generating model",
			zap.Int("images", len(args)),
			zap.String("provider", b.Provider()),
			zap.String("model", b.Model()))
		res, err = b.GenerateModel(ctx, req)
	}
	if err != nil {
		return err
	}

	printGenerateResult(res)
	return nil
}

// applyGenerateFlags layers explicit flags over the loaded config.
func applyGenerateFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("provider") {
		cfg.Provider = genProvider
	}
	if cmd.Flags().Changed("model") {
		switch cfg.Provider {
		case "gemini":
			cfg.Gemini.Model = genModel
		default:
			cfg.Anthropic.Model = genModel
		}
	}
	if cmd.Flags().Changed("output") {
		cfg.Builder.OutputDir = genOutput
	}
	if cmd.Flags().Changed("fallback") {
		cfg.Builder.FallbackModel = genFallback
	}
	if cmd.Flags().Changed("collapse-cylinders") {
		cfg.Builder.CollapseCylinderDims = genCollapse
	}
}

func useSpinnerUI() bool {
	if genPlain {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

func printGenerateResult(res *builder.Result) {
	styles := ui.DefaultStyles()

	fmt.Println()
	if res.Degraded {
		fmt.Println(styles.Warning.Render("⚠ Degraded output: fallback model substituted"))
		fmt.Println(styles.Muted.Render("  cause: " + res.DegradedCause.Error()))
	} else {
		fmt.Println(styles.Success.Render("✓ Model generated"))
	}
	fmt.Printf("  %s %s\n", styles.Bold.Render("Script:"), res.ScadPath)
	fmt.Printf("  %s %s\n", styles.Bold.Render("Mesh:  "), res.StlPath)
	fmt.Printf("  %s %s\n", styles.Bold.Render("Dims:  "), res.DimensionsPath)

	if len(res.Dimensions) > 0 {
		names := make([]string, 0, len(res.Dimensions))
		for name := range res.Dimensions {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Println()
		table := ui.NewSimpleTable("Dimensions", []string{"Name", "Value"})
		for _, name := range names {
			table.AddRow(name, strconv.FormatFloat(res.Dimensions[name], 'f', -1, 64))
		}
		fmt.Print(table.View(styles))
	}
}
