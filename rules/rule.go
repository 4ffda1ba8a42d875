package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator decides skip conditions and branch expressions against process variables.
type Evaluator interface {
	Evaluate(expression string, vars map[string]interface{}) (bool, error)
	IsValid(expression string) bool
}

// ExprEvaluator evaluates expr-lang expressions. Undefined variables are nil.
// Compiled programs are cached per expression.
type ExprEvaluator struct {
	cache   map[string]*vm.Program
	mu      sync.RWMutex
	derived map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator returns an evaluator with an empty program cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:   make(map[string]*vm.Program),
		derived: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc exposes a derived value under name; f receives the process variables.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.derived[name] = f
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// IsValid reports whether the expression compiles.
func (e *ExprEvaluator) IsValid(expression string) bool {
	if strings.TrimSpace(expression) == "" {
		return false
	}
	_, err := e.program(expression)
	return err == nil
}

// Evaluate runs expression against a copy of vars extended with the derived values.
// A non-boolean result is an error.
func (e *ExprEvaluator) Evaluate(expression string, vars map[string]interface{}) (bool, error) {
	env := make(map[string]interface{}, len(vars)+len(e.derived))
	for k, v := range vars {
		env[k] = v
	}
	e.mu.RLock()
	for k, f := range e.derived {
		env[k] = f(vars)
	}
	e.mu.RUnlock()

	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
