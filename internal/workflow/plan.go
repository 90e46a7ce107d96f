package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/basket/sprintloop/internal/actuator"
	"github.com/basket/sprintloop/internal/task"
)

// FallbackProvider marks a plan synthesized locally because no provider
// could be reached.
const FallbackProvider = "fallback"

// PlanTask is one unit of planned work. Tasks that change a resource carry
// the edit instruction to hand to the actuator.
type PlanTask struct {
	ID           string                `json:"id"`
	Description  string                `json:"description"`
	Priority     int                   `json:"priority"`
	Dependencies []string              `json:"dependencies,omitempty"`
	Estimate     string                `json:"estimate,omitempty"`
	Instruction  *actuator.Instruction `json:"instruction,omitempty"`
}

// PlanDocument is the structured output of the planning phase.
type PlanDocument struct {
	Tasks          []PlanTask `json:"tasks"`
	GeneratedAt    time.Time  `json:"generated_at"`
	SourceProvider string     `json:"source_provider"`
}

const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "description"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "description": {"type": "string", "minLength": 1},
          "priority": {"type": "integer", "minimum": 0},
          "dependencies": {"type": "array", "items": {"type": "string"}},
          "estimate": {"type": "string"},
          "instruction": {
            "type": "object",
            "required": ["resource_id", "op", "content"],
            "properties": {
              "resource_id": {"type": "string", "minLength": 1},
              "op": {"enum": ["insert", "replace", "append"]},
              "anchor": {"type": "string"},
              "content": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    },
    "generated_at": {"type": "string"},
    "source_provider": {"type": "string"}
  }
}`

var planSchema = mustCompileSchema(planSchemaJSON)

func mustCompileSchema(schemaJSON string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("unmarshal plan schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.schema.json", doc); err != nil {
		panic(fmt.Sprintf("add plan schema resource: %v", err))
	}
	schema, err := c.Compile("plan.schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile plan schema: %v", err))
	}
	return schema
}

// ParsePlan extracts the plan JSON from model output, validates it against
// the plan schema, and stamps provenance. Model output may wrap the document
// in prose or a fenced block.
func ParsePlan(content, sourceProvider string, now time.Time) (*PlanDocument, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, task.NewError(task.ErrorKindUnknown, "model output contains no plan document")
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, task.WrapError(task.ErrorKindUnknown, "plan document is not valid JSON", err)
	}
	if err := planSchema.Validate(parsed); err != nil {
		return nil, task.WrapError(task.ErrorKindUnknown, "plan document failed schema validation", err)
	}

	// Stamp provenance the model does not know about.
	if raw, err = sjson.Set(raw, "source_provider", sourceProvider); err != nil {
		return nil, fmt.Errorf("stamp source_provider: %w", err)
	}
	if raw, err = sjson.Set(raw, "generated_at", now.UTC().Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("stamp generated_at: %w", err)
	}

	var doc PlanDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, task.WrapError(task.ErrorKindUnknown, "decode plan document", err)
	}
	return &doc, nil
}

// FallbackPlan synthesizes the deterministic offline plan. Its single task
// asks for a manual pass over the sprint; there is no instruction to apply,
// so the editing phase is a verified no-op and the run keeps moving.
func FallbackPlan(sprintRef string, now time.Time) *PlanDocument {
	return &PlanDocument{
		Tasks: []PlanTask{
			{
				ID:          "fallback-1",
				Description: fmt.Sprintf("Review sprint %q manually: no provider was reachable to derive tasks", sprintRef),
				Priority:    1,
				Estimate:    "manual",
			},
		},
		GeneratedAt:    now.UTC(),
		SourceProvider: FallbackProvider,
	}
}

// WritePlan persists the plan document under the plans directory, one file
// per run, written atomically.
func WritePlan(dir, runID string, doc *PlanDocument) (string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal plan: %w", err)
	}
	path := filepath.Join(dir, runID+".plan.json")
	if err := writeFileAtomic(path, append(data, '\n')); err != nil {
		return "", fmt.Errorf("write plan: %w", err)
	}
	return path, nil
}

// extractJSON finds the JSON object in model output: a json-fenced block, a
// generic fenced block, or the first balanced object in raw text.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); gjson.Valid(candidate) {
				return candidate
			}
		}
	}
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); gjson.Valid(candidate) {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if candidate := balancedObject(text[i:]); candidate != "" && gjson.Valid(candidate) {
			return candidate
		}
	}
	return ""
}

func balancedObject(text string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[:i+1]
				}
			}
		}
	}
	return ""
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
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
