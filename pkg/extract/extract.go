// Package extract evaluates field-extraction rules against responses.
//
// Rules are CEL expressions over three variables:
//
//	body     the JSON-decoded response body (dyn)
//	status   the HTTP status code (int)
//	headers  the response headers, first value per name (map(string, string))
//
// For example `body.data.items` or `body.items.map(i, i.id)`.
package extract

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/Sternrassler/reqflow/pkg/request"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"google.golang.org/protobuf/types/known/structpb"
)

var jsonValueType = reflect.TypeOf(&structpb.Value{})

// Environment compiles and caches extraction programs.
type Environment struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]Program
}

// NewEnvironment declares the variables visible to extraction rules.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("body", cel.DynType),
		cel.Variable("status", cel.IntType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("extract: build environment: %w", err)
	}
	return &Environment{env: env, programs: make(map[string]Program)}, nil
}

// Program is a compiled extraction rule.
type Program struct {
	source  string
	program cel.Program
}

// Source returns the rule text.
func (p Program) Source() string { return p.source }

// Compile prepares expression, reusing an earlier compilation when possible.
func (e *Environment) Compile(expression string) (Program, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return Program{}, fmt.Errorf("extract: expression required")
	}

	e.mu.RLock()
	p, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("extract: compile %q: %w", expr, issues.Err())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("extract: program %q: %w", expr, err)
	}
	p = Program{source: expr, program: program}

	e.mu.Lock()
	e.programs[expr] = p
	e.mu.Unlock()
	return p, nil
}

// Eval runs the program against vars and returns a plain Go value: maps,
// slices, strings, float64 numbers, bools or nil.
func (p Program) Eval(vars map[string]any) (any, error) {
	if p.program == nil {
		return nil, fmt.Errorf("extract: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("extract: eval %q: %w", p.source, err)
	}
	return native(val)
}

// Evaluate compiles expression and runs it against resp.
func (e *Environment) Evaluate(expression string, resp *request.Response) (any, error) {
	p, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	vars, err := Vars(resp)
	if err != nil {
		return nil, err
	}
	return p.Eval(vars)
}

// EvaluateList is Evaluate for rules that must yield a list.
func (e *Environment) EvaluateList(expression string, resp *request.Response) ([]any, error) {
	v, err := e.Evaluate(expression, resp)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("extract: %q yielded %T, want list", expression, v)
	}
	return list, nil
}

// Vars builds the activation for resp.
func Vars(resp *request.Response) (map[string]any, error) {
	if resp == nil {
		return nil, fmt.Errorf("extract: nil response")
	}
	body, err := resp.JSON()
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[strings.ToLower(name)] = resp.Header.Get(name)
	}
	return map[string]any{
		"body":    body,
		"status":  int64(resp.Status),
		"headers": headers,
	}, nil
}

func native(val ref.Val) (any, error) {
	out, err := val.ConvertToNative(jsonValueType)
	if err != nil {
		return nil, fmt.Errorf("extract: convert %s: %w", val.Type().TypeName(), err)
	}
	return out.(*structpb.Value).AsInterface(), nil
}
