package persistence

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/clawforge/internal/workqueue"
)

// textKeys are probed in order when a result map carries its text under
// one of several conventional names.
var textKeys = []string{"text", "final_output", "message", "summary", "output", "content"}

// NormalizeOutput reduces a heterogeneous result (plain text, a worker
// Result, a nested payload map or a structured error) to an Output.
// finalOutput wins over any text found in result; errMsg is used only when
// no text was found.
func NormalizeOutput(result any, finalOutput, errMsg string) Output {
	out := fromResult(result, 0)
	if s := strings.TrimSpace(finalOutput); s != "" {
		out.Text = s
	}
	if out.Text == "" && errMsg != "" {
		out.Text = "Task failed: " + errMsg
	}
	return out
}

func fromResult(result any, depth int) Output {
	if depth > 3 {
		return Output{}
	}
	switch v := result.(type) {
	case nil:
		return Output{}
	case string:
		return Output{Text: strings.TrimSpace(v)}
	case []byte:
		return Output{Text: strings.TrimSpace(string(v))}
	case error:
		return Output{Text: v.Error()}
	case workqueue.Result:
		return fromWorkerResult(v)
	case *workqueue.Result:
		if v == nil {
			return Output{}
		}
		return fromWorkerResult(*v)
	case map[string]any:
		return fromMap(v, depth)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Output{Text: fmt.Sprint(v)}
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return Output{Text: strings.TrimSpace(string(b))}
		}
		return fromMap(m, depth)
	}
}

func fromWorkerResult(r workqueue.Result) Output {
	out := Output{Text: strings.TrimSpace(r.Text), UI: r.UI}
	out.Files = append(out.Files, r.Payload.Files...)
	if out.Text == "" && r.Error != "" {
		out.Text = "Task failed: " + r.Error
	}
	return out
}

func fromMap(m map[string]any, depth int) Output {
	var out Output
	for _, key := range textKeys {
		if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
			out.Text = strings.TrimSpace(s)
			break
		}
	}
	if ui, ok := m["ui"].(map[string]any); ok {
		out.UI = ui
	}
	out.Files = decodeFiles(m["files"])
	for _, nestedKey := range []string{"payload", "result", "data"} {
		nested, ok := m[nestedKey]
		if !ok {
			continue
		}
		inner := fromResult(nested, depth+1)
		if out.Text == "" {
			out.Text = inner.Text
		}
		if out.UI == nil {
			out.UI = inner.UI
		}
		out.Files = append(out.Files, inner.Files...)
	}
	if out.Text == "" {
		if e, ok := m["error"].(string); ok && e != "" {
			out.Text = "Task failed: " + e
		} else if e, ok := m["error"].(map[string]any); ok {
			if msg, ok := e["message"].(string); ok && msg != "" {
				out.Text = "Task failed: " + msg
			}
		}
	}
	return out
}

func decodeFiles(v any) []workqueue.File {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var files []workqueue.File
	if err := json.Unmarshal(b, &files); err != nil {
		return nil
	}
	kept := files[:0]
	for _, f := range files {
		if f.Path != "" {
			kept = append(kept, f)
		}
	}
	return kept
}

// mergeOutput fills gaps in explicit with values derived from the result.
func mergeOutput(explicit, derived Output) Output {
	if explicit.Text == "" {
		explicit.Text = derived.Text
	}
	if explicit.UI == nil {
		explicit.UI = derived.UI
	}
	if len(explicit.Files) == 0 {
		explicit.Files = derived.Files
	}
	return explicit
}
