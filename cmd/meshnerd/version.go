package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Overridden at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "1.0.0"
	commit  = ""
)

// versionCmd prints the build version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the meshnerd version",
	Run: func(cmd *cobra.Command, args []string) {
		if commit != "" {
			fmt.Printf("meshnerd %s (%s)\n", version, commit)
			return
		}
		fmt.Printf("meshnerd %s\n", version)
	},
}
