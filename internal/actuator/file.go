package actuator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/sprintloop/internal/task"
)

// FileActuator applies instructions to files under a single workspace root.
// Paths are resolved through symlinks and confined to the root; the original
// file is snapshotted to the backup directory before every mutation.
type FileActuator struct {
	root      string
	backupDir string
	logger    *slog.Logger
	now       func() time.Time
}

func NewFileActuator(root, backupDir string, logger *slog.Logger) (*FileActuator, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileActuator{root: abs, backupDir: backupDir, logger: logger, now: time.Now}, nil
}

// resolve confines a resource id to the workspace root. Symlinks in the
// parent are evaluated first so a link cannot smuggle the path outside.
func (a *FileActuator) resolve(resourceID string) (string, error) {
	if resourceID == "" || filepath.IsAbs(resourceID) {
		return "", task.NewError(task.ErrorKindInvalidPayload, "resource id must be a relative path")
	}
	resolved := filepath.Join(a.root, filepath.Clean(resourceID))
	if evaluated, err := filepath.EvalSymlinks(filepath.Dir(resolved)); err == nil {
		resolved = filepath.Join(evaluated, filepath.Base(resolved))
	}
	if resolved != a.root && !strings.HasPrefix(resolved, a.root+string(os.PathSeparator)) {
		return "", task.NewError(task.ErrorKindInvalidPayload,
			fmt.Sprintf("resource %q escapes the workspace root", resourceID))
	}
	return resolved, nil
}

// Apply runs one instruction to completion: validate, snapshot, mutate
// atomically, then verify the post-condition by re-reading the file. An
// instruction already in effect returns Verified with Changed false and
// writes nothing.
func (a *FileActuator) Apply(ctx context.Context, in Instruction) (ApplyResult, error) {
	if err := in.Validate(); err != nil {
		return ApplyResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return ApplyResult{}, task.WrapError(task.ErrorKindCancelled, "apply cancelled", err)
	}
	path, err := a.resolve(in.ResourceID)
	if err != nil {
		return ApplyResult{}, err
	}

	original, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if in.Op != OpAppend {
				return ApplyResult{}, task.WrapError(task.ErrorKindTargetUnavailable,
					fmt.Sprintf("resource %q does not exist", in.ResourceID), err)
			}
			original = nil
		} else {
			return ApplyResult{}, task.WrapError(task.ErrorKindTargetUnavailable,
				fmt.Sprintf("read resource %q", in.ResourceID), err)
		}
	}

	if applied(string(original), in) {
		a.logger.Debug("instruction already applied", "resource", in.ResourceID, "op", in.Op)
		return ApplyResult{
			ResourceID: in.ResourceID,
			Verified:   true,
			Changed:    false,
			Evidence:   digest(original),
		}, nil
	}

	mutated, err := mutate(string(original), in)
	if err != nil {
		return ApplyResult{}, err
	}

	backupPath := ""
	if original != nil {
		backupPath, err = a.backup(path, original)
		if err != nil {
			return ApplyResult{}, err
		}
	}

	if err := writeAtomic(path, []byte(mutated)); err != nil {
		return ApplyResult{}, task.WrapError(task.ErrorKindTargetUnavailable,
			fmt.Sprintf("write resource %q", in.ResourceID), err)
	}

	// Verification re-reads the file rather than trusting the buffer we
	// just wrote.
	final, err := os.ReadFile(path)
	if err != nil {
		return ApplyResult{}, task.WrapError(task.ErrorKindVerificationFailed,
			fmt.Sprintf("re-read resource %q", in.ResourceID), err)
	}
	if !applied(string(final), in) {
		a.restore(path, backupPath, original)
		return ApplyResult{}, task.NewError(task.ErrorKindVerificationFailed,
			fmt.Sprintf("post-condition not satisfied on %q after apply", in.ResourceID))
	}

	a.logger.Info("instruction applied",
		"resource", in.ResourceID,
		"op", in.Op,
		"backup", backupPath)
	return ApplyResult{
		ResourceID: in.ResourceID,
		Verified:   true,
		Changed:    true,
		Evidence:   digest(final),
		BackupPath: backupPath,
	}, nil
}

// Rollback restores the pre-apply snapshot recorded in the result. A result
// without a backup (created file or no-op apply) cannot be rolled back.
func (a *FileActuator) Rollback(ctx context.Context, res ApplyResult) error {
	if err := ctx.Err(); err != nil {
		return task.WrapError(task.ErrorKindCancelled, "rollback cancelled", err)
	}
	if res.BackupPath == "" {
		return task.NewError(task.ErrorKindInvalidPayload, "apply result has no backup to restore")
	}
	path, err := a.resolve(res.ResourceID)
	if err != nil {
		return err
	}
	snapshot, err := os.ReadFile(res.BackupPath)
	if err != nil {
		return task.WrapError(task.ErrorKindTargetUnavailable, "read backup "+res.BackupPath, err)
	}
	if err := writeAtomic(path, snapshot); err != nil {
		return task.WrapError(task.ErrorKindTargetUnavailable, "restore "+res.ResourceID, err)
	}
	a.logger.Info("rollback restored snapshot", "resource", res.ResourceID, "backup", res.BackupPath)
	return nil
}

func (a *FileActuator) backup(path string, contents []byte) (string, error) {
	if err := os.MkdirAll(a.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.bak", a.now().UTC().Format("20060102T150405.000"), filepath.Base(path))
	backupPath := filepath.Join(a.backupDir, name)
	if err := os.WriteFile(backupPath, contents, 0o600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backupPath, nil
}

func (a *FileActuator) restore(path, backupPath string, original []byte) {
	if original == nil {
		if err := os.Remove(path); err != nil {
			a.logger.Warn("restore after failed verification could not remove file", "path", path, "error", err)
		}
		return
	}
	if err := writeAtomic(path, original); err != nil {
		a.logger.Warn("restore after failed verification failed", "path", path, "backup", backupPath, "error", err)
	}
}

// applied reports whether the instruction's post-condition already holds.
func applied(contents string, in Instruction) bool {
	switch in.Op {
	case OpAppend:
		return strings.HasSuffix(strings.TrimRight(contents, "\n"), strings.TrimRight(in.Content, "\n")) && contents != ""
	case OpReplace:
		if !strings.Contains(contents, in.Content) {
			return false
		}
		// A replacement that contains its own anchor (extending a line)
		// legitimately leaves the anchor text present.
		if strings.Contains(in.Content, in.Anchor) {
			return true
		}
		return !strings.Contains(contents, in.Anchor)
	case OpInsert:
		idx := strings.Index(contents, in.Anchor)
		if idx < 0 {
			return false
		}
		lineEnd := strings.IndexByte(contents[idx:], '\n')
		if lineEnd < 0 {
			return false
		}
		rest := contents[idx+lineEnd+1:]
		return strings.HasPrefix(rest, strings.TrimRight(in.Content, "\n")+"\n")
	}
	return false
}

func mutate(contents string, in Instruction) (string, error) {
	switch in.Op {
	case OpAppend:
		if contents != "" && !strings.HasSuffix(contents, "\n") {
			contents += "\n"
		}
		out := contents + in.Content
		if !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		return out, nil
	case OpReplace:
		if !strings.Contains(contents, in.Anchor) {
			return "", task.NewError(task.ErrorKindTargetUnavailable,
				fmt.Sprintf("anchor not found in %q", in.ResourceID))
		}
		return strings.Replace(contents, in.Anchor, in.Content, 1), nil
	case OpInsert:
		idx := strings.Index(contents, in.Anchor)
		if idx < 0 {
			return "", task.NewError(task.ErrorKindTargetUnavailable,
				fmt.Sprintf("anchor not found in %q", in.ResourceID))
		}
		lineEnd := strings.IndexByte(contents[idx:], '\n')
		insertion := in.Content
		if !strings.HasSuffix(insertion, "\n") {
			insertion += "\n"
		}
		if lineEnd < 0 {
			return contents + "\n" + insertion, nil
		}
		pos := idx + lineEnd + 1
		return contents[:pos] + insertion + contents[pos:], nil
	}
	return "", task.NewError(task.ErrorKindInvalidPayload, "unknown op "+string(in.Op))
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".apply-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
