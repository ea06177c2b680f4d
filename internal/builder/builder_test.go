package builder

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"meshnerd/internal/extract"
	"meshnerd/internal/history"
	"meshnerd/internal/quota"
	"meshnerd/internal/scad"
	"meshnerd/internal/usage"
	"meshnerd/internal/vision"
)

var pngSig = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

func writeTestImage(t *testing.T, dir, name string) string {
	t.Helper()
	data := append(append([]byte{}, pngSig...), make([]byte, 24)...)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write test image: %v", err)
	}
	return path
}

// fakeOpenSCAD writes a shell script standing in for the real binary.
// Invocations arrive as: $1=-o $2=<stl> $3=<scad>.
func fakeOpenSCAD(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool uses a shell script")
	}
	path := filepath.Join(t.TempDir(), "openscad")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to write fake tool: %v", err)
	}
	return path
}

type stubBackend struct {
	reply     string
	err       error
	sends     int
	gotImages int
	gotPrompt string
}

func (s *stubBackend) Send(_ context.Context, images []vision.ImageAttachment, prompt string) (string, error) {
	s.sends++
	s.gotImages = len(images)
	s.gotPrompt = prompt
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func (s *stubBackend) Provider() string { return "anthropic" }
func (s *stubBackend) Model() string    { return "claude-3-7-sonnet-20250219" }

func testController(t *testing.T) *quota.Controller {
	t.Helper()
	c, err := quota.NewController(quota.ControllerConfig{
		Provider: "anthropic",
		Quotas: []quota.Config{
			{Name: quota.InputTokens, Capacity: 1 << 20, Window: time.Minute},
			{Name: quota.OutputTokens, Capacity: 1 << 20, Window: time.Minute},
			{Name: quota.Requests, Capacity: 1000, Window: time.Minute},
		},
	})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	return c
}

// testBuilder assembles a Builder against a fake tool and fresh state
// dirs. mutate adjusts the config before construction.
func testBuilder(t *testing.T, backend vision.Backend, toolBody string, mutate func(*Config)) (*Builder, string) {
	t.Helper()

	outDir := filepath.Join(t.TempDir(), "out")
	compiler, err := scad.NewCompilerWithConfig(scad.CompilerConfig{
		Binary:  fakeOpenSCAD(t, toolBody),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create compiler: %v", err)
	}

	workspace := t.TempDir()
	tracker, err := usage.NewTracker(workspace)
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}
	store, err := history.NewStore(workspace)
	if err != nil {
		t.Fatalf("Failed to create history store: %v", err)
	}

	cfg := Config{
		Backend:   backend,
		Quotas:    testController(t),
		Compiler:  compiler,
		Usage:     tracker,
		History:   store,
		OutputDir: outDir,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	b, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create builder: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, outDir
}

func TestGenerateModelSuccess(t *testing.T) {
	reply := "Sure, here you go:\n" +
		`{"openscad_code": "$fn=64;\ncube([10, 5, 2]);", "dimensions": {"width": 10, "height": 5}}` +
		"\nEnjoy!"
	backend := &stubBackend{reply: reply}
	b, outDir := testBuilder(t, backend, `echo "solid fake" > "$2"`, nil)

	imgDir := t.TempDir()
	req := Request{ImagePaths: []string{
		writeTestImage(t, imgDir, "front.png"),
		writeTestImage(t, imgDir, "side.png"),
	}}

	res, err := b.GenerateModel(context.Background(), req)
	if err != nil {
		t.Fatalf("GenerateModel failed: %v", err)
	}

	if res.Degraded {
		t.Error("expected a non-degraded result")
	}
	if res.ID == "" {
		t.Error("expected a job ID")
	}

	if res.ScadPath != filepath.Join(outDir, "model.scad") {
		t.Errorf("unexpected script path: %s", res.ScadPath)
	}
	script, err := os.ReadFile(res.ScadPath)
	if err != nil {
		t.Fatalf("Failed to read script: %v", err)
	}
	if string(script) != "$fn=64;\ncube([10, 5, 2]);\n" {
		t.Errorf("unexpected script content: %q", script)
	}

	mesh, err := os.ReadFile(res.StlPath)
	if err != nil {
		t.Fatalf("Failed to read mesh: %v", err)
	}
	if string(mesh) != "solid fake\n" {
		t.Errorf("unexpected mesh content: %q", mesh)
	}

	dimsData, err := os.ReadFile(res.DimensionsPath)
	if err != nil {
		t.Fatalf("Failed to read dimensions: %v", err)
	}
	var dims map[string]float64
	if err := json.Unmarshal(dimsData, &dims); err != nil {
		t.Fatalf("dimensions file is not valid JSON: %v", err)
	}
	if dims["width"] != 10 || dims["height"] != 5 {
		t.Errorf("unexpected dimensions: %v", dims)
	}

	if backend.gotImages != 2 {
		t.Errorf("expected 2 images sent, got %d", backend.gotImages)
	}
	if !strings.Contains(backend.gotPrompt, "CAD expert") {
		t.Error("prompt missing the CAD expert framing")
	}
	if !strings.Contains(backend.gotPrompt, "openscad_code") {
		t.Error("prompt missing the reply format contract")
	}

	stats := b.Usage().Stats()
	if stats.Total.Requests != 1 {
		t.Errorf("expected 1 tracked request, got %d", stats.Total.Requests)
	}
	wantInput := vision.EstimateRequestTokens(2)
	if stats.Total.Input != wantInput {
		t.Errorf("expected input tokens %d, got %d", wantInput, stats.Total.Input)
	}
	if stats.Total.Output != int64(2*len(reply)) {
		t.Errorf("expected output tokens %d, got %d", 2*len(reply), stats.Total.Output)
	}

	gens, err := b.History().List(10)
	if err != nil {
		t.Fatalf("Failed to list history: %v", err)
	}
	if len(gens) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(gens))
	}
	if gens[0].ID != res.ID || gens[0].Status != history.StatusOK {
		t.Errorf("unexpected history record: id=%s status=%s", gens[0].ID, gens[0].Status)
	}
	if gens[0].MeshPath != res.StlPath {
		t.Errorf("history mesh path %s does not match result %s", gens[0].MeshPath, res.StlPath)
	}

	// Input estimate, request slot, and reply tokens each passed admission.
	if admissions := b.Quotas().Metrics().TotalAdmissions; admissions != 3 {
		t.Errorf("expected 3 quota admissions, got %d", admissions)
	}
}

func TestGenerateModelRequiresImages(t *testing.T) {
	b, _ := testBuilder(t, &stubBackend{reply: "{}"}, `exit 0`, nil)

	_, err := b.GenerateModel(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected an error for empty image list")
	}
	if !strings.Contains(err.Error(), "at least one image") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGenerateModelExtractFailurePropagates(t *testing.T) {
	backend := &stubBackend{reply: "I cannot describe this part."}
	b, outDir := testBuilder(t, backend, `echo "solid fake" > "$2"`, nil)

	img := writeTestImage(t, t.TempDir(), "front.png")
	_, err := b.GenerateModel(context.Background(), Request{ImagePaths: []string{img}})
	if err == nil {
		t.Fatal("expected an extraction error")
	}
	var exErr *extract.ExtractionError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected ExtractionError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "no object found") {
		t.Errorf("unexpected error: %v", err)
	}

	if _, statErr := os.Stat(filepath.Join(outDir, "model.scad")); !os.IsNotExist(statErr) {
		t.Error("no script should be written without a fallback")
	}

	gens, listErr := b.History().List(10)
	if listErr != nil {
		t.Fatalf("Failed to list history: %v", listErr)
	}
	if len(gens) != 1 || gens[0].Status != history.StatusFailed {
		t.Fatalf("expected one failed history record, got %v", gens)
	}
	if !strings.Contains(gens[0].Error, "no object found") {
		t.Errorf("history record missing the cause: %q", gens[0].Error)
	}
}

func TestGenerateModelFallbackOnExtractFailure(t *testing.T) {
	backend := &stubBackend{reply: "I cannot describe this part."}
	b, _ := testBuilder(t, backend, `echo "solid fallback" > "$2"`, func(cfg *Config) {
		cfg.FallbackModel = true
	})

	img := writeTestImage(t, t.TempDir(), "front.png")
	res, err := b.GenerateModel(context.Background(), Request{ImagePaths: []string{img}})
	if err != nil {
		t.Fatalf("GenerateModel failed: %v", err)
	}

	if !res.Degraded {
		t.Fatal("expected a degraded result")
	}
	if res.DegradedCause == nil || !strings.Contains(res.DegradedCause.Error(), "no object found") {
		t.Errorf("unexpected degraded cause: %v", res.DegradedCause)
	}

	script, err := os.ReadFile(res.ScadPath)
	if err != nil {
		t.Fatalf("Failed to read script: %v", err)
	}
	if !strings.Contains(string(script), "Fallback model: 1x1x1 cube") {
		t.Errorf("script is not the labeled fallback: %q", script)
	}

	if res.Dimensions["width"] != 1 || res.Dimensions["height"] != 1 || res.Dimensions["depth"] != 1 {
		t.Errorf("unexpected fallback dimensions: %v", res.Dimensions)
	}

	gens, err := b.History().List(10)
	if err != nil {
		t.Fatalf("Failed to list history: %v", err)
	}
	if len(gens) != 1 || gens[0].Status != history.StatusDegraded {
		t.Fatalf("expected one degraded history record, got %v", gens)
	}
}

func TestGenerateModelSendErrorSkipsFallback(t *testing.T) {
	backend := &stubBackend{err: errors.New("rate limit exceeded (429)")}
	b, outDir := testBuilder(t, backend, `echo "solid fake" > "$2"`, func(cfg *Config) {
		cfg.FallbackModel = true
	})

	img := writeTestImage(t, t.TempDir(), "front.png")
	_, err := b.GenerateModel(context.Background(), Request{ImagePaths: []string{img}})
	if err == nil {
		t.Fatal("expected the send error to propagate")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("unexpected error: %v", err)
	}

	// The fallback rescues bad replies, not failed requests.
	if _, statErr := os.Stat(filepath.Join(outDir, "model.scad")); !os.IsNotExist(statErr) {
		t.Error("no fallback artifacts should exist after a send failure")
	}

	gens, listErr := b.History().List(10)
	if listErr != nil {
		t.Fatalf("Failed to list history: %v", listErr)
	}
	if len(gens) != 1 || gens[0].Status != history.StatusFailed {
		t.Fatalf("expected one failed history record, got %v", gens)
	}
}

func TestGenerateModelFallbackOnCompileFailure(t *testing.T) {
	reply := `{"openscad_code": "bad_module(;", "dimensions": {"width": 4}}`
	backend := &stubBackend{reply: reply}
	toolBody := `if grep -q "Fallback model" "$3"; then
  echo "solid fallback" > "$2"
  exit 0
fi
echo "Parser error in line 1" >&2
exit 1`
	b, _ := testBuilder(t, backend, toolBody, func(cfg *Config) {
		cfg.FallbackModel = true
	})

	img := writeTestImage(t, t.TempDir(), "front.png")
	res, err := b.GenerateModel(context.Background(), Request{ImagePaths: []string{img}})
	if err != nil {
		t.Fatalf("GenerateModel failed: %v", err)
	}

	if !res.Degraded {
		t.Fatal("expected a degraded result")
	}
	var toolErr *scad.ExternalToolError
	if !errors.As(res.DegradedCause, &toolErr) {
		t.Fatalf("expected ExternalToolError cause, got %T: %v", res.DegradedCause, res.DegradedCause)
	}
	if !strings.Contains(toolErr.Stderr, "Parser error") {
		t.Errorf("cause missing compiler stderr: %q", toolErr.Stderr)
	}

	mesh, err := os.ReadFile(res.StlPath)
	if err != nil {
		t.Fatalf("Failed to read mesh: %v", err)
	}
	if string(mesh) != "solid fallback\n" {
		t.Errorf("unexpected mesh content: %q", mesh)
	}
}

func TestGenerateModelCollapsePerRequest(t *testing.T) {
	reply := `{"openscad_code": "cylinder(h=50, d=12);", "dimensions": {"shaft_diameter": 12, "body_length": 40, "tip_length": 10}}`
	backend := &stubBackend{reply: reply}
	b, _ := testBuilder(t, backend, `echo "solid fake" > "$2"`, nil)

	img := writeTestImage(t, t.TempDir(), "front.png")
	res, err := b.GenerateModel(context.Background(), Request{
		ImagePaths:           []string{img},
		CollapseCylinderDims: true,
	})
	if err != nil {
		t.Fatalf("GenerateModel failed: %v", err)
	}

	want := map[string]float64{"width": 12, "height": 12, "depth": 50}
	for name, v := range want {
		if res.Dimensions[name] != v {
			t.Errorf("dimension %s: expected %v, got %v", name, v, res.Dimensions[name])
		}
	}
	if len(res.Dimensions) != len(want) {
		t.Errorf("expected collapsed triple, got %v", res.Dimensions)
	}
}

func TestNewValidatesCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil || !strings.Contains(err.Error(), "backend") {
		t.Errorf("expected backend error, got %v", err)
	}
	if _, err := New(Config{Backend: &stubBackend{}}); err == nil || !strings.Contains(err.Error(), "quota") {
		t.Errorf("expected quota error, got %v", err)
	}
	if _, err := New(Config{Backend: &stubBackend{}, Quotas: testController(t)}); err == nil || !strings.Contains(err.Error(), "compiler") {
		t.Errorf("expected compiler error, got %v", err)
	}
}
