package progress

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/sprintloop/internal/bus"
	"github.com/basket/sprintloop/internal/workflow"
)

// runSource resolves run ids to run snapshots.
type runSource interface {
	Get(runID string) (*workflow.Run, bool)
}

// Tracker refreshes the projection from run phase events on the bus.
type Tracker struct {
	writer *Writer
	runs   runSource
	logger *slog.Logger
	now    func() time.Time
}

func NewTracker(writer *Writer, runs runSource, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{writer: writer, runs: runs, logger: logger, now: time.Now}
}

// Run consumes run events until ctx is done. A projection write failure is
// logged and skipped; the projection is regenerable from the next event.
func (t *Tracker) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("run.")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			phase, ok := ev.Payload.(bus.RunPhaseEvent)
			if !ok {
				continue
			}
			run, ok := t.runs.Get(phase.RunID)
			if !ok {
				continue
			}
			if err := t.writer.Write(FromRun(run, t.now())); err != nil {
				t.logger.Warn("progress projection not updated", "run_id", phase.RunID, "error", err)
			}
		}
	}
}
