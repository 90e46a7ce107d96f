package actuator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/sprintloop/internal/task"
)

func newTestActuator(t *testing.T) (*FileActuator, string) {
	t.Helper()
	root := t.TempDir()
	a, err := NewFileActuator(root, filepath.Join(root, ".backups"), nil)
	if err != nil {
		t.Fatalf("NewFileActuator: %v", err)
	}
	return a, root
}

func writeFixture(t *testing.T, root, name, contents string) {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func readBack(t *testing.T, root, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, name))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	return string(data)
}

func TestApply_Replace(t *testing.T) {
	a, root := newTestActuator(t)
	writeFixture(t, root, "config.yaml", "retries: 2\ntimeout: 30\n")

	res, err := a.Apply(context.Background(), Instruction{
		ResourceID: "config.yaml",
		Op:         OpReplace,
		Anchor:     "retries: 2",
		Content:    "retries: 5",
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !res.Verified || !res.Changed {
		t.Errorf("result = %+v, want Verified and Changed", res)
	}
	if got := readBack(t, root, "config.yaml"); got != "retries: 5\ntimeout: 30\n" {
		t.Errorf("contents = %q", got)
	}
	if res.BackupPath == "" {
		t.Error("BackupPath empty, want snapshot of pre-apply contents")
	}
	snapshot, err := os.ReadFile(res.BackupPath)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(snapshot) != "retries: 2\ntimeout: 30\n" {
		t.Errorf("backup = %q, want original contents", snapshot)
	}
}

func TestApply_ReplaceContentContainingAnchor(t *testing.T) {
	a, root := newTestActuator(t)
	writeFixture(t, root, "greet.txt", "Hello\n")
	in := Instruction{
		ResourceID: "greet.txt",
		Op:         OpReplace,
		Anchor:     "Hello",
		Content:    "Hello, world",
	}

	res, err := a.Apply(context.Background(), in)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !res.Verified || !res.Changed {
		t.Errorf("result = %+v, want Verified and Changed", res)
	}
	if got := readBack(t, root, "greet.txt"); got != "Hello, world\n" {
		t.Errorf("contents = %q, want %q", got, "Hello, world\n")
	}

	// Re-apply must short-circuit, not replace the anchor a second time.
	second, err := a.Apply(context.Background(), in)
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if !second.Verified || second.Changed {
		t.Errorf("second apply = %+v, want Verified and not Changed", second)
	}
	if got := readBack(t, root, "greet.txt"); got != "Hello, world\n" {
		t.Errorf("contents after re-apply = %q, want %q", got, "Hello, world\n")
	}
}

func TestApply_InsertAfterAnchorLine(t *testing.T) {
	a, root := newTestActuator(t)
	writeFixture(t, root, "main.go", "package main\n\nfunc main() {}\n")

	res, err := a.Apply(context.Background(), Instruction{
		ResourceID: "main.go",
		Op:         OpInsert,
		Anchor:     "package main",
		Content:    "\nimport \"fmt\"",
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !res.Verified {
		t.Errorf("result = %+v, want Verified", res)
	}
	want := "package main\n\nimport \"fmt\"\n\nfunc main() {}\n"
	if got := readBack(t, root, "main.go"); got != want {
		t.Errorf("contents = %q, want %q", got, want)
	}
}

func TestApply_AppendCreatesMissingFile(t *testing.T) {
	a, root := newTestActuator(t)

	res, err := a.Apply(context.Background(), Instruction{
		ResourceID: "notes/todo.md",
		Op:         OpAppend,
		Content:    "- ship it",
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !res.Verified || !res.Changed {
		t.Errorf("result = %+v, want Verified and Changed", res)
	}
	if res.BackupPath != "" {
		t.Errorf("BackupPath = %q for a created file, want empty", res.BackupPath)
	}
	if got := readBack(t, root, "notes/todo.md"); got != "- ship it\n" {
		t.Errorf("contents = %q", got)
	}
}

func TestApply_IsIdempotent(t *testing.T) {
	a, root := newTestActuator(t)
	writeFixture(t, root, "config.yaml", "retries: 2\n")
	in := Instruction{ResourceID: "config.yaml", Op: OpReplace, Anchor: "retries: 2", Content: "retries: 5"}

	first, err := a.Apply(context.Background(), in)
	if err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}
	second, err := a.Apply(context.Background(), in)
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if !second.Verified || second.Changed {
		t.Errorf("second apply = %+v, want Verified and not Changed", second)
	}
	if first.Evidence != second.Evidence {
		t.Errorf("evidence differs across idempotent applies: %q vs %q", first.Evidence, second.Evidence)
	}
	if got := readBack(t, root, "config.yaml"); got != "retries: 5\n" {
		t.Errorf("contents = %q after re-apply", got)
	}
}

func TestApply_MissingTargetClassified(t *testing.T) {
	a, _ := newTestActuator(t)

	_, err := a.Apply(context.Background(), Instruction{
		ResourceID: "absent.txt",
		Op:         OpReplace,
		Anchor:     "x",
		Content:    "y",
	})
	if err == nil {
		t.Fatal("Apply() error = nil, want target unavailable")
	}
	if got := task.Classify(err); got != task.ErrorKindTargetUnavailable {
		t.Errorf("Classify(err) = %v, want %v", got, task.ErrorKindTargetUnavailable)
	}
}

func TestApply_AnchorNotFoundClassified(t *testing.T) {
	a, root := newTestActuator(t)
	writeFixture(t, root, "f.txt", "hello\n")

	_, err := a.Apply(context.Background(), Instruction{
		ResourceID: "f.txt",
		Op:         OpInsert,
		Anchor:     "no such line",
		Content:    "x",
	})
	if err == nil {
		t.Fatal("Apply() error = nil, want target unavailable")
	}
	if got := task.Classify(err); got != task.ErrorKindTargetUnavailable {
		t.Errorf("Classify(err) = %v, want %v", got, task.ErrorKindTargetUnavailable)
	}
}

func TestApply_RejectsEscapingPaths(t *testing.T) {
	a, _ := newTestActuator(t)

	for _, resource := range []string{"../outside.txt", "/etc/passwd", "a/../../b.txt"} {
		_, err := a.Apply(context.Background(), Instruction{
			ResourceID: resource,
			Op:         OpAppend,
			Content:    "x",
		})
		if err == nil {
			t.Errorf("Apply(%q) error = nil, want path rejection", resource)
			continue
		}
		if got := task.Classify(err); got != task.ErrorKindInvalidPayload {
			t.Errorf("Classify(err) for %q = %v, want %v", resource, got, task.ErrorKindInvalidPayload)
		}
	}
}

func TestApply_ValidatesInstruction(t *testing.T) {
	a, _ := newTestActuator(t)
	tests := []struct {
		name string
		in   Instruction
	}{
		{"missing resource", Instruction{Op: OpAppend, Content: "x"}},
		{"unknown op", Instruction{ResourceID: "f", Op: "delete", Content: "x"}},
		{"missing content", Instruction{ResourceID: "f", Op: OpAppend}},
		{"insert without anchor", Instruction{ResourceID: "f", Op: OpInsert, Content: "x"}},
		{"replace without anchor", Instruction{ResourceID: "f", Op: OpReplace, Content: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Apply(context.Background(), tt.in)
			if err == nil {
				t.Fatal("Apply() error = nil, want validation error")
			}
			if got := task.Classify(err); got != task.ErrorKindInvalidPayload {
				t.Errorf("Classify(err) = %v, want %v", got, task.ErrorKindInvalidPayload)
			}
		})
	}
}

func TestRollback_RestoresSnapshot(t *testing.T) {
	a, root := newTestActuator(t)
	writeFixture(t, root, "f.txt", "v1\n")

	res, err := a.Apply(context.Background(), Instruction{
		ResourceID: "f.txt",
		Op:         OpReplace,
		Anchor:     "v1",
		Content:    "v2",
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := a.Rollback(context.Background(), res); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if got := readBack(t, root, "f.txt"); got != "v1\n" {
		t.Errorf("contents after rollback = %q, want %q", got, "v1\n")
	}
}

func TestRollback_WithoutBackupRejected(t *testing.T) {
	a, _ := newTestActuator(t)
	err := a.Rollback(context.Background(), ApplyResult{ResourceID: "f.txt"})
	if err == nil {
		t.Fatal("Rollback() error = nil, want invalid payload")
	}
	if got := task.Classify(err); got != task.ErrorKindInvalidPayload {
		t.Errorf("Classify(err) = %v, want %v", got, task.ErrorKindInvalidPayload)
	}
}
