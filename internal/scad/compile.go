package scad

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"meshnerd/internal/logging"
)

// ExternalToolError reports a failed OpenSCAD invocation with whatever
// the tool wrote to stderr.
type ExternalToolError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *ExternalToolError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %v\n%s", e.Command, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *ExternalToolError) Unwrap() error { return e.Err }

// Compiler renders OpenSCAD scripts into STL meshes.
type Compiler struct {
	binary  string
	timeout time.Duration
}

// CompilerConfig holds configuration for the compiler.
type CompilerConfig struct {
	// Binary is the openscad executable. Empty means locate it.
	Binary string
	// Timeout bounds a single render.
	Timeout time.Duration
}

// DefaultCompilerConfig returns sensible defaults.
func DefaultCompilerConfig() CompilerConfig {
	return CompilerConfig{
		Timeout: 120 * time.Second,
	}
}

// NewCompiler creates a compiler, locating the OpenSCAD binary.
func NewCompiler() (*Compiler, error) {
	return NewCompilerWithConfig(DefaultCompilerConfig())
}

// NewCompilerWithConfig creates a compiler with custom config.
func NewCompilerWithConfig(config CompilerConfig) (*Compiler, error) {
	binary := config.Binary
	if binary == "" {
		located, err := Locate()
		if err != nil {
			return nil, err
		}
		binary = located
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &Compiler{
		binary:  binary,
		timeout: timeout,
	}, nil
}

// Binary returns the resolved openscad executable path.
func (c *Compiler) Binary() string { return c.binary }

// Compile renders scadPath into stlPath.
func (c *Compiler) Compile(ctx context.Context, scadPath, stlPath string) error {
	timer := logging.StartTimer(logging.CategoryScad, "OpenSCAD render")
	defer timer.Stop()

	execCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, c.binary, "-o", stlPath, scadPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Scad("Rendering %s -> %s", scadPath, stlPath)
	start := time.Now()
	err := cmd.Run()
	durMs := time.Since(start).Milliseconds()

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s", c.timeout)
		}
		stderrText := strings.TrimSpace(stderr.String())
		logging.ScadError("OpenSCAD failed: %v", err)
		if stderrText != "" {
			logging.ScadError("OpenSCAD stderr:\n%s", stderrText)
		}
		logging.Audit().ToolExec("openscad", "render", durMs, false, err.Error())
		return &ExternalToolError{
			Command: fmt.Sprintf("%s -o %s %s", c.binary, stlPath, scadPath),
			Stderr:  stderrText,
			Err:     err,
		}
	}

	logging.Scad("Render completed in %dms", durMs)
	logging.Audit().ToolExec("openscad", "render", durMs, true, "")
	return nil
}
