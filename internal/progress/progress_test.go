package progress

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/sprintloop/internal/workflow"
)

func TestFromRun_Projections(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		run  *workflow.Run
		want Record
	}{
		{
			name: "in-flight run is pending",
			run:  &workflow.Run{ID: "r1", Phase: workflow.PhaseEditing},
			want: Record{RunID: "r1", Status: StatusPending, Notes: "phase EDITING"},
		},
		{
			name: "done run carries review outcome",
			run: &workflow.Run{
				ID:    "r2",
				Phase: workflow.PhaseDone,
				Review: &workflow.ReviewDocument{
					Score: 90, Recommendation: workflow.RecommendApprove, TestsPassed: true,
				},
			},
			want: Record{RunID: "r2", Status: StatusDone, Tested: true, Notes: "review approve, score 90"},
		},
		{
			name: "blocked run carries blocker",
			run:  &workflow.Run{ID: "r3", Phase: workflow.PhaseBlocked, Blocker: "REVIEW task abc failed after 3 attempts: TIMEOUT"},
			want: Record{RunID: "r3", Status: StatusBlocked, Blocker: "REVIEW task abc failed after 3 attempts: TIMEOUT"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromRun(tt.run, now)
			tt.want.Timestamp = now
			if got != tt.want {
				t.Errorf("FromRun() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestWriter_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	w := NewWriter(path)

	rec := Record{RunID: "r1", Status: StatusDone, Tested: true, Timestamp: time.Now().UTC().Truncate(time.Second)}
	if err := w.Write(rec); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := w.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.RunID != rec.RunID || got.Status != rec.Status || got.Tested != rec.Tested {
		t.Errorf("Read() = %+v, want %+v", got, rec)
	}
}

func TestWriter_NeverExposesTornFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	w := NewWriter(path)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				rec := Record{RunID: "r1", Status: StatusPending, Timestamp: time.Now()}
				if err := w.Write(rec); err != nil {
					t.Errorf("Write: %v", err)
					return
				}
			}
		}(i)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				t.Errorf("read: %v", err)
				return
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				t.Errorf("reader observed torn progress file: %v", err)
				return
			}
		}
	}()
	wg.Wait()
	<-done

	if _, err := w.Read(); err != nil {
		t.Fatalf("final Read() error = %v", err)
	}
}

func TestWriter_OverwritesPriorProjection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	w := NewWriter(path)

	if err := w.Write(Record{RunID: "r1", Status: StatusPending}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Write(Record{RunID: "r1", Status: StatusBlocked, Blocker: "EDIT task x failed"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := w.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Status != StatusBlocked || got.Blocker == "" {
		t.Errorf("Read() = %+v, want the latest projection", got)
	}
}
