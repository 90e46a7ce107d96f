package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/basket/sprintloop/internal/task"
)

// Review recommendations.
const (
	RecommendApprove          = "approve"
	RecommendChangesRequested = "changes-requested"
	RecommendBlocked          = "blocked"
)

// ReviewDocument is the structured outcome of the reviewing phase.
type ReviewDocument struct {
	Score          int      `json:"score"`
	Findings       []string `json:"findings"`
	Recommendation string   `json:"recommendation"`
	TestsPassed    bool     `json:"tests_passed"`
	Provider       string   `json:"provider,omitempty"`
}

// Evidence is the change evidence aggregated into the REVIEW prompt.
type Evidence struct {
	DiffSummary string `json:"diff_summary"`
	TestOutput  string `json:"test_output"`
	TestsPassed bool   `json:"tests_passed"`
	LintOutput  string `json:"lint_output"`
	LintPassed  bool   `json:"lint_passed"`
}

// EvidenceCollector supplies review evidence. Diff, test, and lint signals
// are produced by external collaborators, not by the pipeline itself.
type EvidenceCollector interface {
	Collect(ctx context.Context) (Evidence, error)
}

// CommandEvidence shells out for evidence. Empty command slices skip their
// signal; a failing test or lint command is an outcome, not an error.
type CommandEvidence struct {
	Dir     string
	DiffCmd []string
	TestCmd []string
	LintCmd []string
}

// DefaultCommandEvidence reviews a git workspace with go test and go vet.
func DefaultCommandEvidence(dir string) *CommandEvidence {
	return &CommandEvidence{
		Dir:     dir,
		DiffCmd: []string{"git", "diff", "--stat"},
		TestCmd: []string{"go", "test", "./..."},
		LintCmd: []string{"go", "vet", "./..."},
	}
}

func (c *CommandEvidence) Collect(ctx context.Context) (Evidence, error) {
	var ev Evidence
	if len(c.DiffCmd) > 0 {
		out, _, err := c.run(ctx, c.DiffCmd)
		if err != nil {
			return ev, fmt.Errorf("collect diff summary: %w", err)
		}
		ev.DiffSummary = out
	}
	if len(c.TestCmd) > 0 {
		out, passed, err := c.run(ctx, c.TestCmd)
		if err != nil {
			return ev, fmt.Errorf("collect test outcome: %w", err)
		}
		ev.TestOutput = out
		ev.TestsPassed = passed
	}
	if len(c.LintCmd) > 0 {
		out, passed, err := c.run(ctx, c.LintCmd)
		if err != nil {
			return ev, fmt.Errorf("collect lint outcome: %w", err)
		}
		ev.LintOutput = out
		ev.LintPassed = passed
	}
	return ev, nil
}

// run executes a collaborator command. A non-zero exit is reported through
// the passed flag; only failures to start the command are errors.
func (c *CommandEvidence) run(ctx context.Context, argv []string) (string, bool, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = c.Dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := truncate(buf.String(), 16*1024)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, false, nil
		}
		return out, false, err
	}
	return out, true, nil
}

// ParseReview extracts the structured review from model output.
func ParseReview(content, provider string) (*ReviewDocument, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, task.NewError(task.ErrorKindUnknown, "model output contains no review document")
	}
	score := gjson.Get(raw, "score")
	rec := gjson.Get(raw, "recommendation")
	if !score.Exists() || !rec.Exists() {
		return nil, task.NewError(task.ErrorKindUnknown, "review document missing score or recommendation")
	}
	switch rec.String() {
	case RecommendApprove, RecommendChangesRequested, RecommendBlocked:
	default:
		return nil, task.NewError(task.ErrorKindUnknown,
			fmt.Sprintf("review recommendation %q is not one of approve, changes-requested, blocked", rec.String()))
	}

	doc := &ReviewDocument{
		Score:          int(score.Int()),
		Recommendation: rec.String(),
		Provider:       provider,
	}
	for _, f := range gjson.Get(raw, "findings").Array() {
		doc.Findings = append(doc.Findings, f.String())
	}
	return doc, nil
}

// WriteReview persists the review document under the reviews directory.
func WriteReview(dir, runID string, doc *ReviewDocument) (string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal review: %w", err)
	}
	path := filepath.Join(dir, runID+".review.json")
	if err := writeFileAtomic(path, append(data, '\n')); err != nil {
		return "", fmt.Errorf("write review: %w", err)
	}
	return path, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}

func reviewPrompt(run *Run, ev Evidence) string {
	var sb strings.Builder
	sb.WriteString("Review the changes applied for sprint ")
	sb.WriteString(run.SprintRef)
	sb.WriteString(".\n\nPlan:\n")
	if run.Plan != nil {
		for _, t := range run.Plan.Tasks {
			fmt.Fprintf(&sb, "- [%s] %s\n", t.ID, t.Description)
		}
	}
	sb.WriteString("\nApplied edits:\n")
	for _, res := range run.Applied {
		fmt.Fprintf(&sb, "- %s verified=%t changed=%t\n", res.ResourceID, res.Verified, res.Changed)
	}
	fmt.Fprintf(&sb, "\nDiff summary:\n%s\n", ev.DiffSummary)
	fmt.Fprintf(&sb, "\nTests passed: %t\n%s\n", ev.TestsPassed, ev.TestOutput)
	fmt.Fprintf(&sb, "\nLint passed: %t\n%s\n", ev.LintPassed, ev.LintOutput)
	sb.WriteString("\nRespond with a JSON object {\"score\": 0-100, \"findings\": [...], \"recommendation\": \"approve\"|\"changes-requested\"|\"blocked\"}.\n")
	return sb.String()
}
