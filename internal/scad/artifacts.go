package scad

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"meshnerd/internal/logging"
)

// Artifact file names within an output directory.
const (
	ScriptFileName     = "model.scad"
	MeshFileName       = "model.stl"
	DimensionsFileName = "dimensions.json"
)

// MeshPath returns where Compile places the mesh for an output directory.
func MeshPath(dir string) string {
	return filepath.Join(dir, MeshFileName)
}

// WriteScript writes the OpenSCAD script into dir, creating dir if needed.
func WriteScript(dir, script string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(dir, ScriptFileName)
	if err := os.WriteFile(path, []byte(script), 0644); err != nil {
		logging.Audit().FileOp(path, 0, false, err.Error())
		return "", fmt.Errorf("failed to write script: %w", err)
	}

	logging.Scad("Wrote script: %s (%d bytes)", path, len(script))
	logging.Audit().FileOp(path, int64(len(script)), true, "")
	return path, nil
}

// WriteDimensions writes the named dimensions as indented JSON.
func WriteDimensions(dir string, dims map[string]float64) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	data, err := json.MarshalIndent(dims, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal dimensions: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(dir, DimensionsFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		logging.Audit().FileOp(path, 0, false, err.Error())
		return "", fmt.Errorf("failed to write dimensions: %w", err)
	}

	logging.Scad("Wrote dimensions: %s (%d keys)", path, len(dims))
	logging.Audit().FileOp(path, int64(len(data)), true, "")
	return path, nil
}
