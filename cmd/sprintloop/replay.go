package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/basket/sprintloop/internal/config"
	"github.com/basket/sprintloop/internal/eventlog"
	"github.com/basket/sprintloop/internal/orchestrator"
	"github.com/basket/sprintloop/internal/task"
)

func runReplayCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print reconstructed tasks as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: sprintloop replay [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	// Read-only so inspecting history never appends to the session chain.
	store, err := eventlog.OpenReadOnly(ctx, cfg.EventLogPath())
	if errors.Is(err, os.ErrNotExist) {
		fmt.Println("event log is empty")
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "event log open: %v\n", err)
		return 1
	}
	defer store.Close()

	events, err := store.ReadAll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read event history: %v\n", err)
		return 1
	}
	if len(events) == 0 {
		fmt.Println("event log is empty")
		return 0
	}

	folded := orchestrator.Fold(events)
	tasks := make([]task.Task, 0, len(folded))
	for _, t := range folded {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(tasks); err != nil {
			fmt.Fprintf(os.Stderr, "encode tasks: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("%d events, %d tasks\n\n", len(events), len(tasks))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tKIND\tSTATE\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.ID, t.Kind, t.State, t.Attempt,
			t.UpdatedAt.Local().Format(time.RFC3339), t.LastError)
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "write tasks: %v\n", err)
		return 1
	}
	return 0
}
