package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"meshnerd/internal/logging"
)

// Statuses a generation can end in.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

// Generation is one recorded pipeline run.
type Generation struct {
	ID         string
	CreatedAt  time.Time
	Provider   string
	Model      string
	ImageCount int
	ScriptPath string
	MeshPath   string
	Dimensions map[string]float64
	Status     string
	Error      string
}

// Store keeps generation records in SQLite at .meshnerd/history.db.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewStore opens (creating if needed) the history database for a workspace.
func NewStore(workspacePath string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryHistory, "NewStore")
	defer timer.Stop()

	stateDir := filepath.Join(workspacePath, ".meshnerd")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .meshnerd dir: %w", err)
	}

	path := filepath.Join(stateDir, "history.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.HistoryDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.HistoryDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.HistoryDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.History("Generation history ready at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	generationsTable := `
	CREATE TABLE IF NOT EXISTS generations (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		image_count INTEGER NOT NULL DEFAULT 0,
		script_path TEXT NOT NULL DEFAULT '',
		mesh_path TEXT NOT NULL DEFAULT '',
		dimensions TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_generations_created ON generations(created_at);
	`

	if _, err := s.db.Exec(generationsTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record persists one generation. An empty ID gets a fresh UUID and a zero
// CreatedAt is stamped with the current time; both are written back to gen.
func (s *Store) Record(gen *Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen.ID == "" {
		gen.ID = uuid.NewString()
	}
	if gen.CreatedAt.IsZero() {
		gen.CreatedAt = time.Now().UTC()
	}
	if gen.Status == "" {
		gen.Status = StatusOK
	}

	dims := gen.Dimensions
	if dims == nil {
		dims = map[string]float64{}
	}
	dimsJSON, _ := json.Marshal(dims)

	_, err := s.db.Exec(
		`INSERT INTO generations (id, created_at, provider, model, image_count, script_path, mesh_path, dimensions, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gen.ID, gen.CreatedAt, gen.Provider, gen.Model, gen.ImageCount,
		gen.ScriptPath, gen.MeshPath, string(dimsJSON), gen.Status, gen.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record generation: %w", err)
	}

	logging.HistoryDebug("Recorded generation %s (%s/%s status=%s)", gen.ID, gen.Provider, gen.Model, gen.Status)
	return nil
}

// List retrieves generations newest first. A limit <= 0 means 50.
func (s *Store) List(limit int) ([]Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, created_at, provider, model, image_count, script_path, mesh_path, dimensions, status, error
		 FROM generations
		 ORDER BY created_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gens []Generation
	for rows.Next() {
		var gen Generation
		var dimsJSON string
		if err := rows.Scan(&gen.ID, &gen.CreatedAt, &gen.Provider, &gen.Model, &gen.ImageCount,
			&gen.ScriptPath, &gen.MeshPath, &dimsJSON, &gen.Status, &gen.Error); err != nil {
			continue
		}
		if dimsJSON != "" {
			json.Unmarshal([]byte(dimsJSON), &gen.Dimensions)
		}
		gens = append(gens, gen)
	}

	return gens, nil
}

// Get retrieves a single generation by ID.
func (s *Store) Get(id string) (*Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var gen Generation
	var dimsJSON string
	err := s.db.QueryRow(
		`SELECT id, created_at, provider, model, image_count, script_path, mesh_path, dimensions, status, error
		 FROM generations WHERE id = ?`,
		id,
	).Scan(&gen.ID, &gen.CreatedAt, &gen.Provider, &gen.Model, &gen.ImageCount,
		&gen.ScriptPath, &gen.MeshPath, &dimsJSON, &gen.Status, &gen.Error)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("generation %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if dimsJSON != "" {
		json.Unmarshal([]byte(dimsJSON), &gen.Dimensions)
	}

	return &gen, nil
}

// Count returns the number of recorded generations.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM generations").Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
