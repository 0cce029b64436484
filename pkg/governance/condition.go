package governance

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/eleanor-project/eje/pkg/contracts"
)

// conditionSet compiles and caches the CEL violation conditions configured
// on rights. Programs are cached per expression; compilation happens on
// first use under a double-checked lock.
type conditionSet struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func newConditionSet() (*conditionSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("report", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &conditionSet{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Eval runs expr against one critic report. A non-bool result is a
// configuration error; an evaluation error (typically a field missing from
// a heterogeneous report) is returned for the caller to downgrade.
func (s *conditionSet) Eval(expr string, report map[string]any) (bool, error) {
	prg, err := s.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"report": report})
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", expr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, contracts.Errorf(contracts.ErrConfiguration, "condition %q does not evaluate to bool", expr)
	}
	return val, nil
}

func (s *conditionSet) program(expr string) (cel.Program, error) {
	s.mu.RLock()
	prg, hit := s.prgCache[expr]
	s.mu.RUnlock()
	if hit {
		return prg, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prg, hit = s.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := s.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, contracts.Errorf(contracts.ErrConfiguration, "compile condition %q: %w", expr, issues.Err())
	}
	prg, err := s.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrConfiguration, "build condition program %q: %w", expr, err)
	}
	s.prgCache[expr] = prg
	return prg, nil
}

// reportMap flattens a critic output into the CEL evaluation scope.
func reportMap(o *contracts.CriticOutput) map[string]any {
	ctx := o.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	return map[string]any{
		"critic":        o.Critic,
		"verdict":       string(o.Verdict),
		"confidence":    o.Confidence,
		"weight":        o.Weight,
		"justification": o.Justification,
		"context":       ctx,
	}
}
