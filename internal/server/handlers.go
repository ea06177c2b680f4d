package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"meshnerd/internal/builder"
	"meshnerd/internal/extract"
	"meshnerd/internal/history"
	"meshnerd/internal/logging"
	"meshnerd/internal/scad"
	"meshnerd/internal/usage"
)

// GenerateRequest is the JSON body for POST /generate-3d-model. The side
// fields match the original wire format; any subset may be set as long as
// at least one path is present.
type GenerateRequest struct {
	Side1Path string `json:"side1_path"`
	Side2Path string `json:"side2_path"`
	Side3Path string `json:"side3_path"`
	Side4Path string `json:"side4_path"`

	OutputDir            string `json:"output_dir"`
	CollapseCylinderDims bool   `json:"collapse_cylinder_dims"`
}

func (r *GenerateRequest) imagePaths() []string {
	var paths []string
	for _, p := range []string{r.Side1Path, r.Side2Path, r.Side3Path, r.Side4Path} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// GenerateResponse reports the artifacts of a finished generation.
type GenerateResponse struct {
	ID       string `json:"id"`
	StlPath  string `json:"stl_path"`
	ScadPath string `json:"scad_path"`
	// BrepPath carries the dimensions dump for clients of the old wire
	// format.
	BrepPath      string             `json:"brep_path"`
	Dimensions    map[string]float64 `json:"dimensions"`
	Degraded      bool               `json:"degraded,omitempty"`
	DegradedCause string             `json:"degraded_cause,omitempty"`
}

// handleGenerate runs the full pipeline on the supplied drawing images.
// Accepts either the JSON body above or a multipart form with files under
// the "images" field.
func (s *Server) handleGenerate(c *gin.Context) {
	var req builder.Request

	if c.ContentType() == "multipart/form-data" {
		paths, cleanup, err := s.saveUploads(c)
		if err != nil {
			writeRequestError(c, err)
			return
		}
		defer cleanup()
		req.ImagePaths = paths
		req.OutputDir = c.PostForm("output_dir")
		req.CollapseCylinderDims = c.PostForm("collapse_cylinder_dims") == "true"
	} else {
		var body GenerateRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			writeRequestError(c, err)
			return
		}
		req.ImagePaths = body.imagePaths()
		req.OutputDir = body.OutputDir
		req.CollapseCylinderDims = body.CollapseCylinderDims
	}

	if len(req.ImagePaths) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one side image path is required"})
		return
	}

	reqLog := logging.WithRequestID(logging.CategoryServer, requestID(c))
	reqLog.Info("generation requested (%d images)", len(req.ImagePaths))

	res, err := s.builder.GenerateModel(c.Request.Context(), req)
	if err != nil {
		writeGenerateError(c, err)
		return
	}

	resp := GenerateResponse{
		ID:         res.ID,
		StlPath:    res.StlPath,
		ScadPath:   res.ScadPath,
		BrepPath:   res.DimensionsPath,
		Dimensions: res.Dimensions,
		Degraded:   res.Degraded,
	}
	if res.DegradedCause != nil {
		resp.DegradedCause = res.DegradedCause.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// saveUploads writes the multipart image files to a temp directory and
// returns their paths in form order plus the cleanup for the directory.
func (s *Server) saveUploads(c *gin.Context) ([]string, func(), error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, nil, err
	}
	files := form.File["images"]
	if len(files) == 0 {
		return nil, nil, errors.New(`no image uploads in form field "images"`)
	}

	dir, err := os.MkdirTemp("", "meshnerd-upload-")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	paths := make([]string, 0, len(files))
	for i, fh := range files {
		dst := filepath.Join(dir, strconv.Itoa(i)+"_"+filepath.Base(fh.Filename))
		if err := c.SaveUploadedFile(fh, dst); err != nil {
			cleanup()
			return nil, nil, err
		}
		paths = append(paths, dst)
	}
	return paths, cleanup, nil
}

// writeRequestError maps malformed-request failures, keeping the
// oversized-body case on its own status.
func writeRequestError(c *gin.Context, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// writeGenerateError maps pipeline failures onto HTTP statuses: unreadable
// inputs are the client's fault, model and tool failures are upstream.
func writeGenerateError(c *gin.Context, err error) {
	var pathErr *os.PathError
	var extractErr *extract.ExtractionError
	var toolErr *scad.ExternalToolError
	switch {
	case errors.As(err, &pathErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &extractErr), errors.As(err, &toolErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// handleHealthz reports liveness and the active backend.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"provider":  s.builder.Provider(),
		"model":     s.builder.Model(),
	})
}

// handleUsage returns the aggregated token accounting.
func (s *Server) handleUsage(c *gin.Context) {
	tracker := s.builder.Usage()
	if tracker == nil {
		c.JSON(http.StatusOK, usage.AggregatedStats{})
		return
	}
	c.JSON(http.StatusOK, tracker.Stats())
}

// HistoryEntry is the wire form of one recorded generation.
type HistoryEntry struct {
	ID         string             `json:"id"`
	CreatedAt  time.Time          `json:"created_at"`
	Provider   string             `json:"provider"`
	Model      string             `json:"model"`
	ImageCount int                `json:"image_count"`
	ScriptPath string             `json:"script_path,omitempty"`
	MeshPath   string             `json:"mesh_path,omitempty"`
	Dimensions map[string]float64 `json:"dimensions,omitempty"`
	Status     string             `json:"status"`
	Error      string             `json:"error,omitempty"`
}

func historyEntry(gen *history.Generation) HistoryEntry {
	return HistoryEntry{
		ID:         gen.ID,
		CreatedAt:  gen.CreatedAt,
		Provider:   gen.Provider,
		Model:      gen.Model,
		ImageCount: gen.ImageCount,
		ScriptPath: gen.ScriptPath,
		MeshPath:   gen.MeshPath,
		Dimensions: gen.Dimensions,
		Status:     gen.Status,
		Error:      gen.Error,
	}
}

// handleHistory lists recorded generations, newest first.
func (s *Server) handleHistory(c *gin.Context) {
	store := s.builder.History()
	if store == nil {
		c.JSON(http.StatusOK, []HistoryEntry{})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	gens, err := store.List(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]HistoryEntry, 0, len(gens))
	for i := range gens {
		resp = append(resp, historyEntry(&gens[i]))
	}
	c.JSON(http.StatusOK, resp)
}

// handleHistoryShow returns one recorded generation by ID.
func (s *Server) handleHistoryShow(c *gin.Context) {
	store := s.builder.History()
	if store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "generation not found"})
		return
	}

	gen, err := store.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "generation not found"})
		return
	}
	c.JSON(http.StatusOK, historyEntry(gen))
}
