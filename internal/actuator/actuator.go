// Package actuator applies edit instructions to local resources. Every apply
// is verified against its own post-condition before it is reported done, and
// re-applying an already-applied instruction is a no-op.
package actuator

import (
	"context"

	"github.com/basket/sprintloop/internal/task"
)

// Op is the edit operation of an instruction.
type Op string

const (
	OpInsert  Op = "insert"
	OpReplace Op = "replace"
	OpAppend  Op = "append"
)

func (o Op) Valid() bool {
	switch o {
	case OpInsert, OpReplace, OpAppend:
		return true
	}
	return false
}

// Instruction is one idempotent edit against a resource.
//
// For insert, Anchor is an existing line and Content is inserted on the line
// after it. For replace, Anchor is the exact text to replace with Content.
// For append, Anchor is unused and Content is appended to the resource,
// creating it when absent.
type Instruction struct {
	ResourceID string `json:"resource_id"`
	Op         Op     `json:"op"`
	Anchor     string `json:"anchor,omitempty"`
	Content    string `json:"content"`
}

// Validate reports whether the instruction is well formed, before any
// resource is touched.
func (in Instruction) Validate() error {
	if in.ResourceID == "" {
		return task.NewError(task.ErrorKindInvalidPayload, "instruction missing resource_id")
	}
	if !in.Op.Valid() {
		return task.NewError(task.ErrorKindInvalidPayload, "unknown op "+string(in.Op))
	}
	if in.Content == "" {
		return task.NewError(task.ErrorKindInvalidPayload, "instruction missing content")
	}
	if (in.Op == OpInsert || in.Op == OpReplace) && in.Anchor == "" {
		return task.NewError(task.ErrorKindInvalidPayload, string(in.Op)+" requires an anchor")
	}
	return nil
}

// ApplyResult reports a verified apply. Changed is false when the
// instruction was already in effect and nothing was written.
type ApplyResult struct {
	ResourceID string `json:"resource_id"`
	Verified   bool   `json:"verified"`
	Changed    bool   `json:"changed"`
	// Evidence is the SHA-256 of the resource after the apply.
	Evidence   string `json:"evidence"`
	BackupPath string `json:"backup_path,omitempty"`
}

// Actuator applies instructions to an edit target.
type Actuator interface {
	Apply(ctx context.Context, in Instruction) (ApplyResult, error)
	Rollback(ctx context.Context, res ApplyResult) error
}
