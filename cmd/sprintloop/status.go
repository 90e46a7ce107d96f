package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/basket/sprintloop/internal/config"
	"github.com/basket/sprintloop/internal/progress"
	"github.com/basket/sprintloop/internal/provider"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: sprintloop status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	rec, err := progress.NewWriter(cfg.ProgressPath()).Read()
	switch {
	case os.IsNotExist(err):
		fmt.Println("no runs recorded yet")
	case err != nil:
		fmt.Fprintf(os.Stderr, "read progress: %v\n", err)
		return 1
	default:
		fmt.Printf("run:     %s\n", rec.RunID)
		fmt.Printf("status:  %s\n", rec.Status)
		fmt.Printf("tested:  %t\n", rec.Tested)
		fmt.Printf("updated: %s\n", rec.Timestamp.Local().Format(time.RFC3339))
		if rec.Notes != "" {
			fmt.Printf("notes:   %s\n", rec.Notes)
		}
		if rec.Blocker != "" {
			fmt.Printf("blocker: %s\n", rec.Blocker)
		}
	}

	stats, err := provider.ReadStats(cfg.RoutingLogPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "read routing stats: %v\n", err)
		return 1
	}
	if len(stats) == 0 {
		return 0
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tATTEMPTS\tOK\tFAIL\tAVG MS\tTOKENS\tCOST USD")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%.4f\n",
			s.Provider, s.Attempts, s.Successes, s.Failures, s.AvgMs, s.Tokens, s.CostUSD)
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "write stats: %v\n", err)
		return 1
	}
	return 0
}
