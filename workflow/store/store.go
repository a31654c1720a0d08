// Package store persists workflow definitions as one JSON document per
// workflow under <dir>/workflows, with an in-memory index for reads.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/supervisor/common/logger"
	"github.com/lyzr/supervisor/workflow/sdk"
)

// ErrNotFound is returned when a workflow id is not in the index.
var ErrNotFound = errors.New("workflow not found")

// Store loads, validates, and saves workflow definitions. Reads come from
// the in-memory index; writes go to disk atomically (write-to-temp +
// rename) and are serialized per workflow id.
type Store struct {
	dir string
	log *logger.Logger

	mu    sync.RWMutex
	index map[string]*sdk.WorkflowDefinition

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a store rooted at <dataDir>/workflows.
func New(dataDir string, log *logger.Logger) (*Store, error) {
	dir := filepath.Join(dataDir, "workflows")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workflows dir: %w", err)
	}
	return &Store{
		dir:   dir,
		log:   log,
		index: make(map[string]*sdk.WorkflowDefinition),
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the directory definitions live in.
func (s *Store) Dir() string { return s.dir }

// Load reads every .json document in the directory and rebuilds the index.
// Malformed or invalid documents are skipped with a warning so one bad file
// cannot take every workflow down.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read workflows dir: %w", err)
	}

	index := make(map[string]*sdk.WorkflowDefinition)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		wf, err := s.readFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.log.Warn("skipping malformed workflow file",
				"file", entry.Name(),
				"error", err)
			continue
		}
		index[wf.ID] = wf
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()

	s.log.Info("workflows loaded", "count", len(index))
	return nil
}

// Get returns a workflow by id.
func (s *Store) Get(id string) (*sdk.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return wf, nil
}

// List returns every indexed workflow.
func (s *Store) List() []*sdk.WorkflowDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*sdk.WorkflowDefinition, 0, len(s.index))
	for _, wf := range s.index {
		out = append(out, wf)
	}
	return out
}

// Save validates and persists a workflow: updatedAt is stamped, createdAt
// is ensured, and the version counter is bumped. Write-write contention on
// the same id is serialized by a per-id mutex.
func (s *Store) Save(wf *sdk.WorkflowDefinition) error {
	if err := wf.Validate(); err != nil {
		return err
	}

	lock := s.idLock(wf.ID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	if wf.Metadata.CreatedAt.IsZero() {
		wf.Metadata.CreatedAt = now
	}
	wf.Metadata.UpdatedAt = now
	wf.Metadata.Version++

	if err := s.writeFile(wf); err != nil {
		return err
	}

	s.mu.Lock()
	s.index[wf.ID] = wf
	s.mu.Unlock()

	return nil
}

// Delete removes the file and the index entry.
func (s *Store) Delete(id string) error {
	lock := s.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	_, ok := s.index[id]
	delete(s.index, id)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete workflow file: %w", err)
	}
	return nil
}

// Import installs a workflow payload under a freshly minted id, regardless
// of the id the payload carries, so imports can never collide with existing
// documents.
func (s *Store) Import(payload []byte) (*sdk.WorkflowDefinition, error) {
	var wf sdk.WorkflowDefinition
	if err := json.Unmarshal(payload, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow payload: %w", err)
	}

	wf.Metadata.Replaces = wf.ID
	wf.ID = uuid.NewString()
	wf.Metadata.CreatedAt = time.Time{}
	wf.Metadata.UpdatedAt = time.Time{}
	wf.Metadata.Version = 0

	if err := s.Save(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Export serializes the indexed form of a workflow.
func (s *Store) Export(id string) ([]byte, error) {
	wf, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize workflow: %w", err)
	}
	return raw, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) idLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *Store) readFile(path string) (*sdk.WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var wf sdk.WorkflowDefinition
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// writeFile writes atomically so concurrent readers never observe a torn
// document.
func (s *Store) writeFile(wf *sdk.WorkflowDefinition) error {
	raw, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize workflow: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, wf.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write workflow: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(wf.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename workflow file: %w", err)
	}
	return nil
}
