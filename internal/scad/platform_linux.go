//go:build linux

package scad

// wellKnownPaths returns the standard OpenSCAD install locations on Linux.
func wellKnownPaths() []string {
	return []string{
		"/usr/bin/openscad",
		"/usr/local/bin/openscad",
		"/snap/bin/openscad",
		"/var/lib/flatpak/exports/bin/org.openscad.OpenSCAD",
	}
}
