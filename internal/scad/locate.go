// =============================================================================
// SCAD - OPENSCAD TOOLCHAIN
// =============================================================================
// Wraps the OpenSCAD command-line binary: locating it on the host, compiling
// generated scripts into STL meshes, and writing the artifact files the rest
// of the pipeline hands around. OpenSCAD is the only external tool meshNERD
// shells out to.

package scad

import (
	"fmt"
	"os"
	"os/exec"

	"meshnerd/internal/logging"
)

// Locate finds the OpenSCAD binary. PATH wins; the usual install
// locations for the platform are checked after.
func Locate() (string, error) {
	if path, err := exec.LookPath("openscad"); err == nil {
		logging.ScadDebug("Found openscad in PATH: %s", path)
		return path, nil
	}

	for _, path := range wellKnownPaths() {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			logging.ScadDebug("Found openscad at well-known path: %s", path)
			return path, nil
		}
	}

	return "", fmt.Errorf("OpenSCAD not found. Please install it from https://openscad.org/downloads.html and make sure it is in your PATH or installed in the default location")
}
