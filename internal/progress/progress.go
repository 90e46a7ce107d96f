// Package progress maintains the on-disk progress projection. The file is a
// derived, regenerable view of orchestrator and workflow state for outside
// readers; it is never read back as a source of truth.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/sprintloop/internal/workflow"
)

// Status is the run status exposed to outside readers.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusBlocked Status = "blocked"
)

// Record is one progress.json document.
type Record struct {
	RunID     string    `json:"run_id"`
	Status    Status    `json:"status"`
	Tested    bool      `json:"tested"`
	Timestamp time.Time `json:"timestamp"`
	Notes     string    `json:"notes,omitempty"`
	Blocker   string    `json:"blocker,omitempty"`
}

// FromRun projects a workflow run into a progress record.
func FromRun(run *workflow.Run, now time.Time) Record {
	rec := Record{
		RunID:     run.ID,
		Status:    StatusPending,
		Tested:    run.Tested(),
		Timestamp: now.UTC(),
	}
	switch run.Phase {
	case workflow.PhaseDone:
		rec.Status = StatusDone
		if run.Review != nil {
			rec.Notes = fmt.Sprintf("review %s, score %d", run.Review.Recommendation, run.Review.Score)
		}
	case workflow.PhaseBlocked:
		rec.Status = StatusBlocked
		rec.Blocker = run.Blocker
	default:
		rec.Notes = fmt.Sprintf("phase %s", run.Phase)
	}
	return rec
}

// Writer writes the projection atomically so outside readers never observe
// a torn file.
type Writer struct {
	mu   sync.Mutex
	path string
}

func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) Write(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress record: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".progress-*")
	if err != nil {
		return fmt.Errorf("create temp progress file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close progress: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish progress: %w", err)
	}
	return nil
}

// Read loads the current projection, for display only.
func (w *Writer) Read() (Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := os.ReadFile(w.path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode progress record: %w", err)
	}
	return rec, nil
}
