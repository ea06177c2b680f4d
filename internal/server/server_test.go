package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshnerd/internal/builder"
	"meshnerd/internal/history"
	"meshnerd/internal/quota"
	"meshnerd/internal/scad"
	"meshnerd/internal/usage"
	"meshnerd/internal/vision"
)

const goodReply = "Here is the model:\n" +
	`{"openscad_code": "$fn=64;\ncube([4, 3, 2]);", "dimensions": {"width": 4, "height": 3, "depth": 2}}` +
	"\nDone."

var pngSig = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

type stubBackend struct {
	reply string
	err   error
}

func (s *stubBackend) Send(_ context.Context, _ []vision.ImageAttachment, _ string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func (s *stubBackend) Provider() string { return "anthropic" }
func (s *stubBackend) Model() string    { return "claude-3-7-sonnet-20250219" }

func writeTestImage(t *testing.T, dir, name string) string {
	t.Helper()
	data := append(append([]byte{}, pngSig...), make([]byte, 24)...)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func fakeOpenSCAD(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool uses a shell script")
	}
	path := filepath.Join(t.TempDir(), "openscad")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

// setupTestServer assembles a server over a builder with stubbed
// collaborators. mutate adjusts the builder config before construction.
func setupTestServer(t *testing.T, backend vision.Backend, toolBody string, mutate func(*builder.Config)) (*Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	compiler, err := scad.NewCompilerWithConfig(scad.CompilerConfig{
		Binary:  fakeOpenSCAD(t, toolBody),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	ctrl, err := quota.NewController(quota.ControllerConfig{
		Provider: "anthropic",
		Quotas: []quota.Config{
			{Name: quota.InputTokens, Capacity: 1 << 20, Window: time.Minute},
			{Name: quota.OutputTokens, Capacity: 1 << 20, Window: time.Minute},
			{Name: quota.Requests, Capacity: 1000, Window: time.Minute},
		},
	})
	require.NoError(t, err)

	workspace := t.TempDir()
	tracker, err := usage.NewTracker(workspace)
	require.NoError(t, err)
	store, err := history.NewStore(workspace)
	require.NoError(t, err)

	outDir := filepath.Join(t.TempDir(), "out")
	cfg := builder.Config{
		Backend:   backend,
		Quotas:    ctrl,
		Compiler:  compiler,
		Usage:     tracker,
		History:   store,
		OutputDir: outDir,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := builder.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	srv, err := NewServer(b, Config{Listen: ":0"})
	require.NoError(t, err)
	return srv, outDir
}

func postJSON(t *testing.T, srv *Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	jsonBody, err := json.Marshal(body)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", path, bytes.NewBuffer(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHandleHealthz(t *testing.T) {
	srv, _ := setupTestServer(t, &stubBackend{reply: goodReply}, `echo "solid fake" > "$2"`, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/healthz", nil)
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
	assert.Contains(t, w.Body.String(), "anthropic")
}

func TestHandleGenerateJSON(t *testing.T) {
	srv, outDir := setupTestServer(t, &stubBackend{reply: goodReply}, `echo "solid fake" > "$2"`, nil)

	imgDir := t.TempDir()
	body := GenerateRequest{
		Side1Path: writeTestImage(t, imgDir, "front.png"),
		Side2Path: writeTestImage(t, imgDir, "side.png"),
	}
	w := postJSON(t, srv, "/generate-3d-model", body)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp GenerateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, filepath.Join(outDir, "model.stl"), resp.StlPath)
	assert.Equal(t, filepath.Join(outDir, "dimensions.json"), resp.BrepPath)
	assert.False(t, resp.Degraded)
	assert.Equal(t, 4.0, resp.Dimensions["width"])

	mesh, err := os.ReadFile(resp.StlPath)
	require.NoError(t, err)
	assert.Equal(t, "solid fake\n", string(mesh))
}

func TestHandleGenerateRequiresImages(t *testing.T) {
	srv, _ := setupTestServer(t, &stubBackend{reply: goodReply}, `echo "solid fake" > "$2"`, nil)

	w := postJSON(t, srv, "/generate-3d-model", GenerateRequest{})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "at least one side image")
}

func TestHandleGenerateMalformedJSON(t *testing.T) {
	srv, _ := setupTestServer(t, &stubBackend{reply: goodReply}, `echo "solid fake" > "$2"`, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/generate-3d-model", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGenerateMissingImageFile(t *testing.T) {
	srv, _ := setupTestServer(t, &stubBackend{reply: goodReply}, `echo "solid fake" > "$2"`, nil)

	body := GenerateRequest{Side1Path: filepath.Join(t.TempDir(), "nope.png")}
	w := postJSON(t, srv, "/generate-3d-model", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "failed to stat image")
}

func TestHandleGenerateExtractFailure(t *testing.T) {
	srv, _ := setupTestServer(t, &stubBackend{reply: "no structured payload here"}, `echo "solid fake" > "$2"`, nil)

	body := GenerateRequest{Side1Path: writeTestImage(t, t.TempDir(), "front.png")}
	w := postJSON(t, srv, "/generate-3d-model", body)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "no object found")
}

func TestHandleGenerateToolFailure(t *testing.T) {
	srv, _ := setupTestServer(t, &stubBackend{reply: goodReply},
		`echo "Parser error in line 1" >&2; exit 1`, nil)

	body := GenerateRequest{Side1Path: writeTestImage(t, t.TempDir(), "front.png")}
	w := postJSON(t, srv, "/generate-3d-model", body)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "Parser error")
}

func TestHandleGenerateDegraded(t *testing.T) {
	srv, outDir := setupTestServer(t, &stubBackend{reply: "garbage reply"}, `echo "solid fake" > "$2"`,
		func(cfg *builder.Config) { cfg.FallbackModel = true })

	body := GenerateRequest{Side1Path: writeTestImage(t, t.TempDir(), "front.png")}
	w := postJSON(t, srv, "/generate-3d-model", body)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp GenerateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.DegradedCause, "no object found")
	assert.Equal(t, 1.0, resp.Dimensions["width"])

	script, err := os.ReadFile(filepath.Join(outDir, "model.scad"))
	require.NoError(t, err)
	assert.Contains(t, string(script), "Fallback model: 1x1x1 cube")
}

func TestHandleGenerateMultipart(t *testing.T) {
	srv, _ := setupTestServer(t, &stubBackend{reply: goodReply}, `echo "solid fake" > "$2"`, nil)

	imgData := append(append([]byte{}, pngSig...), make([]byte, 24)...)
	outDir := filepath.Join(t.TempDir(), "uploads-out")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range []string{"front.png", "side.png"} {
		part, err := mw.CreateFormFile("images", name)
		require.NoError(t, err)
		_, err = part.Write(imgData)
		require.NoError(t, err)
	}
	require.NoError(t, mw.WriteField("output_dir", outDir))
	require.NoError(t, mw.Close())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/generate-3d-model", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp GenerateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, filepath.Join(outDir, "model.stl"), resp.StlPath)
	_, err := os.Stat(resp.StlPath)
	assert.NoError(t, err)
}

func TestHandleGenerateMultipartNoFiles(t *testing.T) {
	srv, _ := setupTestServer(t, &stubBackend{reply: goodReply}, `echo "solid fake" > "$2"`, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("output_dir", "somewhere"))
	require.NoError(t, mw.Close())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/generate-3d-model", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `form field "images"`)
}

func TestHandleUsage(t *testing.T) {
	srv, _ := setupTestServer(t, &stubBackend{reply: goodReply}, `echo "solid fake" > "$2"`, nil)

	body := GenerateRequest{Side1Path: writeTestImage(t, t.TempDir(), "front.png")}
	w := postJSON(t, srv, "/generate-3d-model", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/usage", nil)
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var stats usage.AggregatedStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Total.Requests)
	assert.NotZero(t, stats.Total.Input)
}

func TestHandleHistoryListAndShow(t *testing.T) {
	srv, _ := setupTestServer(t, &stubBackend{reply: goodReply}, `echo "solid fake" > "$2"`, nil)

	body := GenerateRequest{Side1Path: writeTestImage(t, t.TempDir(), "front.png")}
	w := postJSON(t, srv, "/generate-3d-model", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var gen GenerateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &gen))

	w = httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/history", nil)
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var entries []HistoryEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, gen.ID, entries[0].ID)
	assert.Equal(t, history.StatusOK, entries[0].Status)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/v1/history/"+gen.ID, nil)
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var entry HistoryEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
	assert.Equal(t, gen.ID, entry.ID)
	assert.Equal(t, 1, entry.ImageCount)
}

func TestHandleHistoryShowNotFound(t *testing.T) {
	srv, _ := setupTestServer(t, &stubBackend{reply: goodReply}, `echo "solid fake" > "$2"`, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/history/non-existent", nil)
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleHistoryInvalidLimit(t *testing.T) {
	srv, _ := setupTestServer(t, &stubBackend{reply: goodReply}, `echo "solid fake" > "$2"`, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/history?limit=x", nil)
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid limit")
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := setupTestServer(t, &stubBackend{reply: goodReply}, `echo "solid fake" > "$2"`, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/generate-3d-model", nil)
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRequestIDEcho(t *testing.T) {
	srv, _ := setupTestServer(t, &stubBackend{reply: goodReply}, `echo "solid fake" > "$2"`, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "trace-me-123")
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, "trace-me-123", w.Header().Get("X-Request-ID"))
}

func TestNewServerRequiresBuilder(t *testing.T) {
	_, err := NewServer(nil, DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "builder")
}
