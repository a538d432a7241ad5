package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"taskpilot/pkg/browser"
	"taskpilot/services/recorder"
)

// BrowserExecutor interprets a task's step list against an allocated tab.
type BrowserExecutor struct {
	rec     Recorder
	cookies CookieStore
	now     func() time.Time
}

func NewBrowserExecutor(rec Recorder, cookies CookieStore) *BrowserExecutor {
	return &BrowserExecutor{rec: rec, cookies: cookies, now: time.Now}
}

// browserRun is the mutable state of one Execute call.
type browserRun struct {
	e     *BrowserExecutor
	run   Run
	tab   browser.Tab
	vars  map[string]string
	shots []string
}

func (e *BrowserExecutor) Execute(ctx context.Context, run Run) Result {
	if run.Tab == nil {
		return Err(KindAllocation, "no browser tab allocated")
	}

	vars, err := envVars(run.Task.EnvVars)
	if err != nil {
		return Err(KindScript, "%v", err)
	}
	steps, err := decodeSteps[Step](body(run.Task))
	if err != nil {
		return Err(KindScript, "invalid script: %v", err)
	}

	r := &browserRun{e: e, run: run, tab: run.Tab, vars: vars}
	res := r.execute(ctx, steps)
	res.Screenshots = append(r.shots, res.Screenshots...)
	return res
}

func (r *browserRun) log(ctx context.Context, level recorder.Level, msg string, fields map[string]any) {
	_, err := r.e.rec.Append(ctx, recorder.Entry{
		ExecutionID: r.run.ExecutionID,
		Level:       level,
		Message:     msg,
		Context:     fields,
	})
	if err != nil {
		zap.L().Warn("failed to record execution log", zap.String("execution_id", r.run.ExecutionID), zap.Error(err))
	}
}

func (r *browserRun) execute(ctx context.Context, steps []Step) Result {
	if login, err := parseLogin(r.run.Task.LoginConfig); err != nil {
		return Err(KindLogin, "%v", err)
	} else if login != nil {
		if res := r.ensureSession(ctx, login); !res.OK() {
			return res
		}
	}

	total := len(steps)
	for i, step := range steps {
		if ctx.Err() != nil {
			return ctxFailure(ctx)
		}

		fields := map[string]any{"step": i + 1, "op": step.Op}
		if step.Selector != "" {
			fields["selector"] = step.Selector
		}
		r.log(ctx, recorder.LevelInfo, fmt.Sprintf("step %d/%d: %s", i+1, total, step.label()), fields)

		start := r.e.now()
		attempt := 0
		err := backoff.RetryNotify(
			func() error {
				attempt++
				return r.do(ctx, step)
			},
			backoff.WithContext(retryPolicy(step.Retries), ctx),
			func(err error, wait time.Duration) {
				r.log(ctx, recorder.LevelWarning, fmt.Sprintf("step %d attempt %d failed, retrying", i+1, attempt), map[string]any{
					"step":     i + 1,
					"error":    err.Error(),
					"retry_in": wait.String(),
				})
			},
		)
		if err != nil {
			if ctx.Err() != nil {
				return ctxFailure(ctx)
			}
			fields["error"] = err.Error()
			fields["attempts"] = attempt
			return r.fail(ctx, KindScript, fmt.Sprintf("step %d/%d (%s) failed: %v", i+1, total, step.label(), err), fields)
		}

		r.log(ctx, recorder.LevelDebug, fmt.Sprintf("step %d completed", i+1), map[string]any{
			"step":        i + 1,
			"duration_ms": r.e.now().Sub(start).Milliseconds(),
		})
	}

	return Ok(fmt.Sprintf("%d steps completed", total))
}

// fail captures the single failure screenshot and records the error log.
func (r *browserRun) fail(ctx context.Context, kind Kind, detail string, fields map[string]any) Result {
	entry := recorder.Entry{
		ExecutionID: r.run.ExecutionID,
		Level:       recorder.LevelError,
		Message:     detail,
		Context:     fields,
	}

	if shot := r.capture(ctx, "failure"); shot != nil {
		entry.ScreenshotPath = shot.Path
	}

	if _, err := r.e.rec.Append(ctx, entry); err != nil {
		zap.L().Warn("failed to record execution log", zap.String("execution_id", r.run.ExecutionID), zap.Error(err))
	}
	return Err(kind, "%s", detail)
}

func (r *browserRun) capture(ctx context.Context, description string) *recorder.Screenshot {
	data, err := r.tab.Screenshot(ctx)
	if err != nil {
		zap.L().Warn("screenshot failed", zap.String("execution_id", r.run.ExecutionID), zap.Error(err))
		return nil
	}
	shot, err := r.e.rec.CaptureScreenshot(ctx, r.run.ExecutionID, description, data)
	if err != nil {
		zap.L().Warn("failed to store screenshot", zap.String("execution_id", r.run.ExecutionID), zap.Error(err))
		return nil
	}
	r.shots = append(r.shots, shot.Path)
	return shot
}

func (r *browserRun) do(ctx context.Context, s Step) error {
	sel := expand(s.Selector, r.vars)
	timeout := s.Timeout()

	switch s.Op {
	case "navigate":
		return r.tab.Navigate(ctx, expand(s.URL, r.vars), browser.NavigateOptions{WaitUntil: s.WaitUntil, Timeout: timeout})
	case "click":
		return r.tab.Click(ctx, sel, timeout)
	case "type":
		return r.tab.Type(ctx, sel, expand(s.Value, r.vars), timeout)
	case "wait_for":
		return r.tab.WaitFor(ctx, sel, s.State, timeout)
	case "select":
		values := s.Values
		if len(values) == 0 && s.Value != "" {
			values = []string{s.Value}
		}
		return r.tab.Select(ctx, sel, expandAll(values, r.vars), timeout)
	case "upload":
		return r.tab.Upload(ctx, sel, expandAll(s.Files, r.vars), timeout)
	case "press":
		return r.tab.Press(ctx, sel, s.Key, timeout)
	case "evaluate":
		out, err := r.tab.Evaluate(ctx, expand(s.Script, r.vars))
		if err != nil {
			return err
		}
		if s.Var != "" {
			r.vars[s.Var] = fmt.Sprint(out)
		}
		return nil
	case "extract":
		if s.Var == "" {
			return backoff.Permanent(errors.New("extract needs a var"))
		}
		text, err := r.tab.Text(ctx, sel, timeout)
		if err != nil {
			return err
		}
		r.vars[s.Var] = strings.TrimSpace(text)
		r.log(ctx, recorder.LevelInfo, fmt.Sprintf("extracted %s", s.Var), map[string]any{"var": s.Var, "value": r.vars[s.Var]})
		return nil
	case "assert_text":
		text, err := r.tab.Text(ctx, sel, timeout)
		if err != nil {
			return err
		}
		if want := expand(s.Text, r.vars); !strings.Contains(text, want) {
			return fmt.Errorf("expected %q in %s, got %q", want, sel, text)
		}
		return nil
	case "screenshot":
		desc := s.Description
		if desc == "" {
			desc = s.label()
		}
		shot := r.capture(ctx, desc)
		if shot == nil {
			return nil
		}
		_, err := r.e.rec.Append(ctx, recorder.Entry{
			ExecutionID:    r.run.ExecutionID,
			Level:          recorder.LevelInfo,
			Message:        "screenshot captured: " + desc,
			ScreenshotPath: shot.Path,
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	case "sleep":
		select {
		case <-time.After(time.Duration(s.DurationMS) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
	default:
		return backoff.Permanent(fmt.Errorf("unknown operation %q", s.Op))
	}
}
