package builder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"meshnerd/internal/extract"
	"meshnerd/internal/history"
	"meshnerd/internal/logging"
	"meshnerd/internal/quota"
	"meshnerd/internal/scad"
	"meshnerd/internal/usage"
	"meshnerd/internal/vision"
)

// =============================================================================
// BUILDER - DRAWINGS TO MESH PIPELINE
// =============================================================================
//
// The Builder runs one generation end to end: load the drawing images,
// clear the provider's admission quotas, send the vision request, recover
// the script and dimensions from the reply, and hand the script to
// OpenSCAD for meshing. Every collaborator is injected at construction;
// nothing here reaches for ambient state.
//
// Admission order matters: the prompt estimate and the request slot are
// charged before the call goes out, the reply charge lands once the reply
// size is known. A saturated quota blocks the job, it never rejects it.

// Config wires a Builder.
type Config struct {
	Backend  vision.Backend
	Quotas   *quota.Controller
	Compiler *scad.Compiler
	Usage    *usage.Tracker // optional
	History  *history.Store // optional

	// OutputDir receives model.scad, model.stl, and dimensions.json.
	// Requests can override it per job.
	OutputDir string
	// MaxImageBytes caps each input image's size.
	MaxImageBytes int64
	// FallbackModel substitutes a labeled unit cube when extraction or
	// compilation fails. Off by default: failures propagate unchanged.
	FallbackModel bool
	// CollapseCylinderDims folds diameter/length measurements into a
	// width/height/depth triple after extraction.
	CollapseCylinderDims bool
}

// Builder turns multi-view drawings into mesh artifacts.
type Builder struct {
	backend  vision.Backend
	quotas   *quota.Controller
	compiler *scad.Compiler
	usage    *usage.Tracker
	history  *history.Store

	outputDir     string
	maxImageBytes int64
	fallback      bool
	collapse      bool
}

// New creates a Builder. Backend, Quotas, and Compiler are required;
// usage tracking and history are skipped when absent.
func New(cfg Config) (*Builder, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("builder requires a vision backend")
	}
	if cfg.Quotas == nil {
		return nil, fmt.Errorf("builder requires a quota controller")
	}
	if cfg.Compiler == nil {
		return nil, fmt.Errorf("builder requires a compiler")
	}

	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = "output"
	}
	maxImageBytes := cfg.MaxImageBytes
	if maxImageBytes <= 0 {
		maxImageBytes = 20 << 20
	}

	return &Builder{
		backend:       cfg.Backend,
		quotas:        cfg.Quotas,
		compiler:      cfg.Compiler,
		usage:         cfg.Usage,
		history:       cfg.History,
		outputDir:     outputDir,
		maxImageBytes: maxImageBytes,
		fallback:      cfg.FallbackModel,
		collapse:      cfg.CollapseCylinderDims,
	}, nil
}

// Provider returns the backend's provider label.
func (b *Builder) Provider() string { return b.backend.Provider() }

// Model returns the backend's model identifier.
func (b *Builder) Model() string { return b.backend.Model() }

// Quotas returns the admission controller for metrics reporting.
func (b *Builder) Quotas() *quota.Controller { return b.quotas }

// Usage returns the usage tracker, nil when tracking is disabled.
func (b *Builder) Usage() *usage.Tracker { return b.usage }

// History returns the history store, nil when history is disabled.
func (b *Builder) History() *history.Store { return b.history }

// Close flushes usage data and closes the history store.
func (b *Builder) Close() error {
	if b.usage != nil {
		if err := b.usage.Save(); err != nil {
			logging.BuilderWarn("Failed to save usage data: %v", err)
		}
	}
	if b.history != nil {
		return b.history.Close()
	}
	return nil
}

// Request is one generation job.
type Request struct {
	// ImagePaths are the drawing views, at least one.
	ImagePaths []string
	// OutputDir overrides the configured artifact directory when set.
	OutputDir string
	// CollapseCylinderDims enables the dimension collapse for this job
	// in addition to the configured default.
	CollapseCylinderDims bool
}

// Result reports the artifacts of a finished generation.
type Result struct {
	ID             string
	ScadPath       string
	StlPath        string
	DimensionsPath string
	Dimensions     map[string]float64

	// Degraded marks a fallback substitution; DegradedCause carries the
	// failure that triggered it.
	Degraded      bool
	DegradedCause error
}

// job carries the identifiers one generation threads through logging,
// history, and the audit trail.
type job struct {
	id       string
	started  time.Time
	provider string
	model    string
	images   int
	outDir   string
}

// GenerateModel runs the full pipeline for one request.
func (b *Builder) GenerateModel(ctx context.Context, req Request) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryBuilder, "GenerateModel")
	defer timer.Stop()

	if len(req.ImagePaths) == 0 {
		return nil, fmt.Errorf("at least one image path is required")
	}

	j := &job{
		id:       uuid.NewString(),
		started:  time.Now(),
		provider: b.backend.Provider(),
		model:    b.backend.Model(),
		images:   len(req.ImagePaths),
		outDir:   req.OutputDir,
	}
	if j.outDir == "" {
		j.outDir = b.outputDir
	}

	logging.Builder("job %s: generating from %d views via %s/%s", j.id, j.images, j.provider, j.model)
	logging.Audit().GenerationStart(j.id, j.provider, j.model, j.images)

	images, err := vision.LoadImages(req.ImagePaths, b.maxImageBytes)
	if err != nil {
		return nil, b.fail(j, "load_images", err)
	}

	inputEstimate := vision.EstimateRequestTokens(len(images))
	if err := b.quotas.ConsumeAll(ctx,
		quota.Demand{Name: quota.InputTokens, Amount: inputEstimate},
		quota.Demand{Name: quota.Requests, Amount: 1},
	); err != nil {
		return nil, b.fail(j, "admission", err)
	}

	callStart := time.Now()
	reply, err := b.backend.Send(ctx, images, generationPrompt)
	callMs := time.Since(callStart).Milliseconds()
	if err != nil {
		logging.Audit().LLMCall(j.provider, j.model, inputEstimate, 0, callMs, false, err.Error())
		return nil, b.fail(j, "send", err)
	}

	outputTokens := vision.EstimateReplyTokens(reply)
	logging.Audit().LLMCall(j.provider, j.model, inputEstimate, outputTokens, callMs, true, "")
	if err := b.quotas.ConsumeIfPresent(ctx, quota.OutputTokens, outputTokens); err != nil {
		return nil, b.fail(j, "admission", err)
	}
	if b.usage != nil {
		b.usage.Track(j.provider, j.model, "generate", inputEstimate, outputTokens)
	}

	ex := extract.New(extract.Config{CollapseCylinderDims: b.collapse || req.CollapseCylinderDims})
	record, err := ex.Extract(reply)
	if err != nil {
		return b.degrade(ctx, j, "extract", err)
	}

	result, err := b.writeAndCompile(ctx, j.outDir, record.ScriptText, record.Dimensions)
	if err != nil {
		return b.degrade(ctx, j, "artifacts", err)
	}
	result.ID = j.id

	b.record(&history.Generation{
		ID:         j.id,
		Provider:   j.provider,
		Model:      j.model,
		ImageCount: j.images,
		ScriptPath: result.ScadPath,
		MeshPath:   result.StlPath,
		Dimensions: result.Dimensions,
		Status:     history.StatusOK,
	})
	logging.Audit().GenerationComplete(j.id, history.StatusOK, time.Since(j.started).Milliseconds())
	logging.Builder("job %s: wrote %s", j.id, result.StlPath)
	return result, nil
}

// writeAndCompile writes the script, renders the mesh, and dumps the
// dimensions next to it.
func (b *Builder) writeAndCompile(ctx context.Context, dir, script string, dims map[string]float64) (*Result, error) {
	scadPath, err := scad.WriteScript(dir, script)
	if err != nil {
		return nil, err
	}

	stlPath := scad.MeshPath(dir)
	if err := b.compiler.Compile(ctx, scadPath, stlPath); err != nil {
		return nil, err
	}

	dimsPath, err := scad.WriteDimensions(dir, dims)
	if err != nil {
		return nil, err
	}

	return &Result{
		ScadPath:       scadPath,
		StlPath:        stlPath,
		DimensionsPath: dimsPath,
		Dimensions:     dims,
	}, nil
}

// degrade substitutes the labeled unit cube when the fallback is enabled.
// The substitution is loud: the cause lands in the result, the history
// record, and the audit trail. With the fallback disabled the cause
// propagates unchanged.
func (b *Builder) degrade(ctx context.Context, j *job, stage string, cause error) (*Result, error) {
	if !b.fallback {
		return nil, b.fail(j, stage, cause)
	}

	logging.BuilderWarn("job %s: %s failed, substituting fallback model: %v", j.id, stage, cause)

	result, err := b.writeAndCompile(ctx, j.outDir, fallbackScript, fallbackDimensions())
	if err != nil {
		return nil, b.fail(j, "fallback", fmt.Errorf("fallback model failed: %v (after %s failure: %w)", err, stage, cause))
	}
	result.ID = j.id
	result.Degraded = true
	result.DegradedCause = cause

	b.record(&history.Generation{
		ID:         j.id,
		Provider:   j.provider,
		Model:      j.model,
		ImageCount: j.images,
		ScriptPath: result.ScadPath,
		MeshPath:   result.StlPath,
		Dimensions: result.Dimensions,
		Status:     history.StatusDegraded,
		Error:      cause.Error(),
	})
	logging.Audit().GenerationComplete(j.id, history.StatusDegraded, time.Since(j.started).Milliseconds())
	return result, nil
}

// fail records a failed generation and hands back the error unchanged.
func (b *Builder) fail(j *job, stage string, err error) error {
	logging.BuilderError("job %s: %s failed: %v", j.id, stage, err)
	logging.Audit().GenerationError(j.id, stage, err)
	b.record(&history.Generation{
		ID:         j.id,
		Provider:   j.provider,
		Model:      j.model,
		ImageCount: j.images,
		Status:     history.StatusFailed,
		Error:      err.Error(),
	})
	return err
}

// record writes a history row, tolerating a disabled store.
func (b *Builder) record(gen *history.Generation) {
	if b.history == nil {
		return
	}
	if err := b.history.Record(gen); err != nil {
		logging.BuilderWarn("Failed to record generation %s: %v", gen.ID, err)
	}
}
