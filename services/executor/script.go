package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/datatypes"

	"taskpilot/services/task"
)

// Step is one browser operation.
type Step struct {
	Op          string   `json:"op"`
	Name        string   `json:"name,omitempty"`
	URL         string   `json:"url,omitempty"`
	Selector    string   `json:"selector,omitempty"`
	Value       string   `json:"value,omitempty"`
	Values      []string `json:"values,omitempty"`
	Files       []string `json:"files,omitempty"`
	Key         string   `json:"key,omitempty"`
	Script      string   `json:"script,omitempty"`
	State       string   `json:"state,omitempty"`
	WaitUntil   string   `json:"wait_until,omitempty"`
	Var         string   `json:"var,omitempty"`
	Text        string   `json:"text,omitempty"`
	Description string   `json:"description,omitempty"`
	DurationMS  int      `json:"duration_ms,omitempty"`
	TimeoutMS   int      `json:"timeout_ms,omitempty"`
	Retries     int      `json:"retries,omitempty"`
}

func (s Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

func (s Step) label() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Selector != "" {
		return s.Op + " " + s.Selector
	}
	if s.URL != "" {
		return s.Op + " " + s.URL
	}
	return s.Op
}

// body picks the task's program: workflow_data first, then script_content.
func body(t *task.Task) []byte {
	if len(bytes.TrimSpace(t.WorkflowData)) > 0 && string(bytes.TrimSpace(t.WorkflowData)) != "null" {
		return t.WorkflowData
	}
	return []byte(t.ScriptContent)
}

// decodeSteps accepts a bare JSON array or an object with a "steps" array.
func decodeSteps[T any](raw []byte) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("task has no script")
	}

	var steps []T
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &steps); err != nil {
			return nil, fmt.Errorf("decode steps: %w", err)
		}
		return steps, nil
	}

	var wrapped struct {
		Steps []T `json:"steps"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return wrapped.Steps, nil
}

// envVars decodes the task's env_vars object. Non-string values are
// rendered with fmt.
func envVars(raw datatypes.JSON) (map[string]string, error) {
	vars := map[string]string{}
	if len(bytes.TrimSpace(raw)) == 0 || string(raw) == "null" {
		return vars, nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode env_vars: %w", err)
	}
	for k, v := range m {
		if s, ok := v.(string); ok {
			vars[k] = s
			continue
		}
		vars[k] = fmt.Sprint(v)
	}
	return vars, nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expand replaces ${NAME} with vars[NAME]; unknown names are left as-is.
func expand(s string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := vars[m[2:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

func expandAll(in []string, vars map[string]string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = expand(s, vars)
	}
	return out
}

// retryPolicy allows retries extra attempts with a short exponential backoff.
func retryPolicy(retries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(max(retries, 0)))
}
