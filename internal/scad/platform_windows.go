//go:build windows

package scad

import (
	"os"
	"path/filepath"
)

// wellKnownPaths returns the standard OpenSCAD install locations on Windows.
func wellKnownPaths() []string {
	paths := []string{
		`C:\Program Files\OpenSCAD\openscad.exe`,
		`C:\Program Files (x86)\OpenSCAD\openscad.exe`,
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "AppData", "Local", "Programs", "OpenSCAD", "openscad.exe"))
	}
	return paths
}
