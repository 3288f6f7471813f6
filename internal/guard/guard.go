// Package guard evaluates TDL guard, output and signal expressions with an
// embedded JavaScript runtime (goja).
//
// Expressions are plain JavaScript expressions. Scope entries become global
// variables, so a guard such as `speed > limit && !manual` reads the
// sensors and task outputs the host puts in scope.
package guard

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dop251/goja"

	"github.com/me/tdl/pkg/model"
)

// Evaluator compiles and runs expressions. It is safe for concurrent use;
// every evaluation gets its own runtime.
type Evaluator struct {
	lib      []string
	mu       sync.Mutex
	programs map[string]*goja.Program
}

// New creates an evaluator. lib holds JavaScript run before every
// evaluation, typically helper function definitions.
func New(lib ...string) *Evaluator {
	return &Evaluator{
		lib:      lib,
		programs: make(map[string]*goja.Program),
	}
}

// Check reports whether expr compiles.
func (e *Evaluator) Check(expr string) error {
	if _, err := e.compile(expr); err != nil {
		return &model.GuardError{Expr: expr, Err: err}
	}
	return nil
}

// Evaluate runs a guard and requires a boolean result.
func (e *Evaluator) Evaluate(expr string, scope map[string]any) (bool, error) {
	v, err := e.Value(expr, scope)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &model.GuardError{Expr: expr, Err: fmt.Errorf("expression did not return boolean: %T", v)}
	}
	return b, nil
}

// Value runs an expression and returns its exported Go value. Integers
// come back as int64 and other numbers as float64.
func (e *Evaluator) Value(expr string, scope map[string]any) (any, error) {
	prog, err := e.compile(expr)
	if err != nil {
		return nil, &model.GuardError{Expr: expr, Err: err}
	}
	vm, err := e.setupVM(scope)
	if err != nil {
		return nil, &model.GuardError{Expr: expr, Err: err}
	}
	val, err := vm.RunProgram(prog)
	if err != nil {
		return nil, &model.GuardError{Expr: expr, Err: fmt.Errorf("JavaScript error: %w", err)}
	}
	if goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

func (e *Evaluator) compile(expr string) (*goja.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.programs[expr]; ok {
		return p, nil
	}
	p, err := goja.Compile("expr", "("+expr+"\n)", true)
	if err != nil {
		return nil, err
	}
	e.programs[expr] = p
	return p, nil
}

func (e *Evaluator) setupVM(scope map[string]any) (*goja.Runtime, error) {
	vm := goja.New()
	for i, lib := range e.lib {
		if _, err := vm.RunString(lib); err != nil {
			return nil, fmt.Errorf("lib[%d]: %w", i, err)
		}
	}
	names := make([]string, 0, len(scope))
	for k := range scope {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if err := vm.Set(k, scope[k]); err != nil {
			return nil, fmt.Errorf("set %s: %w", k, err)
		}
	}
	return vm, nil
}
