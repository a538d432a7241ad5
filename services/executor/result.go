package executor

import "fmt"

// Kind classifies why an execution failed.
type Kind string

const (
	KindScript     Kind = "script"
	KindLogin      Kind = "login"
	KindHTTP       Kind = "http"
	KindTimeout    Kind = "timeout"
	KindCancelled  Kind = "cancelled"
	KindAllocation Kind = "allocation"
)

// Retryable reports whether the dispatch layer may run the task again.
func (k Kind) Retryable() bool {
	return k != KindCancelled
}

// Failure is the error half of a Result.
type Failure struct {
	Kind   Kind
	Detail string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure: %s", f.Kind, f.Detail)
}

// Result is what an Executor hands back: either a summary or a Failure.
// Screenshots lists the stored captures taken during the run either way.
type Result struct {
	Summary     string
	Failure     *Failure
	Screenshots []string
}

func Ok(summary string) Result {
	return Result{Summary: summary}
}

func Err(kind Kind, format string, args ...any) Result {
	return Result{Failure: &Failure{Kind: kind, Detail: fmt.Sprintf(format, args...)}}
}

func (r Result) OK() bool { return r.Failure == nil }

// Error returns the failure as an error, or nil.
func (r Result) Error() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}
