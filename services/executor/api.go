package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"taskpilot/pkg/celengine"
	"taskpilot/services/recorder"
)

const maxResponseBody = 1 << 20

// APIStep is one HTTP call of an API task.
type APIStep struct {
	Name         string            `json:"name"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers"`
	Body         json.RawMessage   `json:"body"`
	TimeoutMS    int               `json:"timeout_ms"`
	Retries      int               `json:"retries"`
	ExpectStatus []int             `json:"expect_status"`
	// Assert is a CEL expression over status, body, headers and vars.
	Assert string `json:"assert"`
	// Extract maps a variable name to a CEL expression; the result is
	// available to later steps as ${name}.
	Extract map[string]string `json:"extract"`
}

func (s APIStep) label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.method() + " " + s.URL
}

func (s APIStep) method() string {
	if s.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(s.Method)
}

func (s APIStep) statusOK(code int) bool {
	if len(s.ExpectStatus) == 0 {
		return code >= 200 && code < 300
	}
	return slices.Contains(s.ExpectStatus, code)
}

// APIExecutor runs a sequence of HTTP calls without a browser.
type APIExecutor struct {
	rec    Recorder
	client *http.Client
	now    func() time.Time
}

func NewAPIExecutor(rec Recorder, client *http.Client) *APIExecutor {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &APIExecutor{rec: rec, client: client, now: time.Now}
}

func (e *APIExecutor) log(ctx context.Context, executionID string, level recorder.Level, msg string, fields map[string]any) {
	_, err := e.rec.Append(ctx, recorder.Entry{ExecutionID: executionID, Level: level, Message: msg, Context: fields})
	if err != nil {
		zap.L().Warn("failed to record execution log", zap.String("execution_id", executionID), zap.Error(err))
	}
}

func (e *APIExecutor) Execute(ctx context.Context, run Run) Result {
	vars, err := envVars(run.Task.EnvVars)
	if err != nil {
		return Err(KindScript, "%v", err)
	}
	steps, err := decodeSteps[APIStep](body(run.Task))
	if err != nil {
		return Err(KindScript, "invalid script: %v", err)
	}

	total := len(steps)
	for i, step := range steps {
		if ctx.Err() != nil {
			return ctxFailure(ctx)
		}

		url := expand(step.URL, vars)
		fields := map[string]any{"step": i + 1, "method": step.method(), "url": url}
		e.log(ctx, run.ExecutionID, recorder.LevelInfo, fmt.Sprintf("step %d/%d: %s %s", i+1, total, step.method(), url), fields)

		var resp celengine.Response
		start := e.now()
		err := backoff.Retry(func() error {
			var err error
			resp, err = e.call(ctx, step, url, vars)
			if err != nil {
				return err
			}
			if !step.statusOK(resp.Status) {
				err = fmt.Errorf("unexpected status %d", resp.Status)
				if resp.Status < 500 {
					return backoff.Permanent(err)
				}
				return err
			}
			return nil
		}, backoff.WithContext(retryPolicy(step.Retries), ctx))

		if err != nil {
			if ctx.Err() != nil {
				return ctxFailure(ctx)
			}
			fields["error"] = err.Error()
			if resp.Status != 0 {
				fields["status"] = resp.Status
				fields["body"] = truncate(string(resp.Body), 512)
			}
			detail := fmt.Sprintf("step %d/%d (%s) failed: %v", i+1, total, step.label(), err)
			e.log(ctx, run.ExecutionID, recorder.LevelError, detail, fields)
			return Err(KindHTTP, "%s", detail)
		}

		e.log(ctx, run.ExecutionID, recorder.LevelInfo, fmt.Sprintf("step %d/%d: HTTP %d", i+1, total, resp.Status), map[string]any{
			"step":        i + 1,
			"status":      resp.Status,
			"duration_ms": e.now().Sub(start).Milliseconds(),
		})

		if step.Assert != "" {
			ok, err := celengine.Evaluate(step.Assert, resp)
			if err != nil || !ok {
				detail := fmt.Sprintf("step %d/%d (%s) assertion %q failed", i+1, total, step.label(), step.Assert)
				if err != nil {
					detail += ": " + err.Error()
				}
				e.log(ctx, run.ExecutionID, recorder.LevelError, detail, map[string]any{"step": i + 1, "status": resp.Status})
				return Err(KindHTTP, "%s", detail)
			}
		}

		for name, expr := range step.Extract {
			out, err := celengine.EvaluateDynamic(expr, resp)
			if err != nil {
				detail := fmt.Sprintf("step %d/%d (%s) extract %s failed: %v", i+1, total, step.label(), name, err)
				e.log(ctx, run.ExecutionID, recorder.LevelError, detail, map[string]any{"step": i + 1})
				return Err(KindHTTP, "%s", detail)
			}
			vars[name] = fmt.Sprint(out)
		}
	}

	return Ok(fmt.Sprintf("%d requests completed", total))
}

func (e *APIExecutor) call(ctx context.Context, step APIStep, url string, vars map[string]string) (celengine.Response, error) {
	if step.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	var reqBody io.Reader
	if b := requestBody(step.Body); b != "" {
		reqBody = strings.NewReader(expand(b, vars))
	}

	req, err := http.NewRequestWithContext(ctx, step.method(), url, reqBody)
	if err != nil {
		return celengine.Response{}, backoff.Permanent(err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range step.Headers {
		req.Header.Set(k, expand(v, vars))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return celengine.Response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return celengine.Response{}, err
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return celengine.Response{
		Status:  resp.StatusCode,
		Body:    data,
		Headers: headers,
		Vars:    vars,
	}, nil
}

// requestBody renders a step body: JSON strings are sent verbatim, anything
// else is sent as its JSON encoding.
func requestBody(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
