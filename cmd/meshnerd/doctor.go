package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"meshnerd/cmd/meshnerd/ui"
	"meshnerd/internal/config"
	"meshnerd/internal/history"
	"meshnerd/internal/scad"
)

// doctorCmd verifies the local setup end to end
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that config, credentials, OpenSCAD, and local state are usable",
	RunE:  runDoctor,
}

type doctorCheck struct {
	name string
	run  func() (string, error)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	styles := ui.DefaultStyles()
	workspace := resolveWorkspace()

	var cfg *config.Config

	checks := []doctorCheck{
		{
			name: "config",
			run: func() (string, error) {
				path := resolveConfigPath()
				loaded, err := config.Load(path)
				if err != nil {
					return "", err
				}
				cfg = loaded
				if _, statErr := os.Stat(path); statErr != nil {
					return "defaults (no config file)", nil
				}
				return path, nil
			},
		},
		{
			name: "provider",
			run: func() (string, error) {
				if cfg == nil {
					return "", errors.New("config not loaded")
				}
				if err := cfg.Validate(); err != nil {
					return "", err
				}
				return cfg.Provider, nil
			},
		},
		{
			name: "openscad",
			run: func() (string, error) {
				if cfg != nil && cfg.Scad.Binary != "" {
					if _, err := os.Stat(cfg.Scad.Binary); err != nil {
						return "", err
					}
					return cfg.Scad.Binary, nil
				}
				return scad.Locate()
			},
		},
		{
			name: "state dir",
			run: func() (string, error) {
				dir := config.Dir(workspace)
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return "", err
				}
				probe := filepath.Join(dir, ".doctor-probe")
				if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
					return "", err
				}
				os.Remove(probe)
				return dir, nil
			},
		},
		{
			name: "history db",
			run: func() (string, error) {
				store, err := history.NewStore(workspace)
				if err != nil {
					return "", err
				}
				defer store.Close()
				n, err := store.Count()
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%d generations recorded", n), nil
			},
		},
	}

	failed := 0
	for _, check := range checks {
		detail, err := check.run()
		if err != nil {
			failed++
			fmt.Printf("%s %-12s %s\n", styles.Error.Render("✗"), check.name, styles.Muted.Render(err.Error()))
			continue
		}
		fmt.Printf("%s %-12s %s\n", styles.Success.Render("✓"), check.name, styles.Muted.Render(detail))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(checks))
	}
	fmt.Println(styles.Success.Render("All checks passed"))
	return nil
}
