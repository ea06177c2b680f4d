//go:build darwin

package scad

// wellKnownPaths returns the standard OpenSCAD install locations on macOS.
func wellKnownPaths() []string {
	return []string{
		"/Applications/OpenSCAD.app/Contents/MacOS/OpenSCAD",
		"/opt/homebrew/bin/openscad",
		"/usr/local/bin/openscad",
	}
}
