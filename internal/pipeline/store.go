package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrRunNotFound is returned when a run id has no checkpoint.
var ErrRunNotFound = errors.New("run not found")

// Store manages run checkpoints on disk, one directory per run id.
type Store struct {
	baseDir string // defaults to ~/.testforge/runs
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.testforge/runs, creating the directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return OpenStore(filepath.Join(home, ".testforge", "runs"))
}

// OpenStore returns a Store at dir, creating it if needed.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

func (s *Store) checkpointPath(runID string) string {
	return filepath.Join(s.runDir(runID), "checkpoint.json")
}

// ArtifactPath returns a path inside the run's directory for auxiliary output
// such as exported reports.
func (s *Store) ArtifactPath(runID, name string) string {
	return filepath.Join(s.runDir(runID), name)
}

// TimestampFormat is RFC 3339 with fixed-width nanoseconds, so checkpoint
// timestamps compare as strings and distinguish saves within one second.
const TimestampFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Save writes cp atomically, keeping the original creation time when the
// run already has a checkpoint.
func (s *Store) Save(cp *Checkpoint) error {
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint has no run id")
	}
	now := time.Now().UTC().Format(TimestampFormat)
	if cp.CreatedAt == "" {
		if prev, err := s.Load(cp.RunID); err == nil && prev.CreatedAt != "" {
			cp.CreatedAt = prev.CreatedAt
		} else {
			cp.CreatedAt = now
		}
	}
	cp.UpdatedAt = now
	if err := WriteJSON(s.checkpointPath(cp.RunID), cp); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", cp.RunID, err)
	}
	return nil
}

// Load reads the checkpoint for runID.
func (s *Store) Load(runID string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := ReadJSON(s.checkpointPath(runID), &cp); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		return nil, err
	}
	return &cp, nil
}

// List returns all checkpoints, newest first, optionally filtered by status.
// Pass "" for statusFilter to return all runs.
func (s *Store) List(statusFilter RunStatus) ([]Checkpoint, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []Checkpoint
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cp, err := s.Load(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if statusFilter == "" || cp.Status == statusFilter {
			runs = append(runs, *cp)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt == runs[j].CreatedAt {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].CreatedAt > runs[j].CreatedAt
	})
	return runs, nil
}

// Delete removes all data for a run.
func (s *Store) Delete(runID string) error {
	dir := s.runDir(runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return os.RemoveAll(dir)
}
