// Package celengine evaluates CEL expressions against HTTP responses.
package celengine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
)

// Response variables visible to expressions:
//
//	status  int
//	body    dyn (decoded JSON, or the raw string when the body is not JSON)
//	headers map(string, string)
//	vars    map(string, string)
type Response struct {
	Status  int
	Body    []byte
	Headers map[string]string
	Vars    map[string]string
}

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error

	programs sync.Map // expr -> cel.Program
)

func responseEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(
			cel.Variable("status", cel.IntType),
			cel.Variable("body", cel.DynType),
			cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
			cel.Variable("vars", cel.MapType(cel.StringType, cel.StringType)),
		)
	})
	return env, envErr
}

func program(expr string) (cel.Program, error) {
	if p, ok := programs.Load(expr); ok {
		return p.(cel.Program), nil
	}

	e, err := responseEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := e.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := e.Program(ast)
	if err != nil {
		return nil, err
	}

	programs.Store(expr, prg)
	return prg, nil
}

// Validate reports whether expr compiles.
func Validate(expr string) error {
	_, err := program(expr)
	return err
}

// DecodeBody returns the JSON value of body, or body as a string.
func DecodeBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		zap.L().Debug("response body is not JSON", zap.Error(err))
		return string(body)
	}
	return v
}

func activation(r Response) map[string]any {
	headers := r.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	vars := r.Vars
	if vars == nil {
		vars = map[string]string{}
	}
	return map[string]any{
		"status":  int64(r.Status),
		"body":    DecodeBody(r.Body),
		"headers": headers,
		"vars":    vars,
	}
}

// Evaluate runs a boolean expression.
func Evaluate(expr string, r Response) (bool, error) {
	out, err := EvaluateDynamic(expr, r)
	if err != nil {
		return false, err
	}

	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out, out)
	}
	return b, nil
}

// EvaluateDynamic runs expr and returns its native Go value.
func EvaluateDynamic(expr string, r Response) (any, error) {
	prg, err := program(expr)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(activation(r))
	if err != nil {
		return nil, err
	}
	return out.Value(), nil
}
