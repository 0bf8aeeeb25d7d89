package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/weftworks/weft/pkg/domain"
)

// placeholderPattern matches one ${{ ... }} binding inside a string value.
var placeholderPattern = regexp.MustCompile(`\$\{\{(.*?)\}\}`)

// identPattern decides which dependency node ids can double as top-level
// expression variables. Ids with dashes or dots are still reachable through
// the nodes map.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// InputBinder resolves ${{ ... }} placeholders in node data against the
// outputs of the node's completed dependencies. Expressions see each
// dependency's output under the dependency's node id (when the id is a
// valid identifier) and all of them under nodes["<id>"]. Compiled programs
// are cached and reused across goroutines.
type InputBinder struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewInputBinder creates an input binder with an empty program cache.
func NewInputBinder() *InputBinder {
	return &InputBinder{cache: make(map[string]*vm.Program)}
}

// Resolve returns a copy of data with every placeholder evaluated. A value
// that is exactly one placeholder keeps the expression's native type; a
// placeholder embedded in a longer string is interpolated as text. Any
// failure is a ValidationError for the node, which fails the node without
// touching sibling branches.
func (b *InputBinder) Resolve(nodeID string, data map[string]interface{}, exec *domain.Execution, deps []string) (map[string]interface{}, error) {
	if data == nil {
		return nil, nil
	}
	if !hasPlaceholders(data) {
		return data, nil
	}

	env := bindingEnv(exec, deps)
	resolved, err := b.resolveValue(data, env)
	if err != nil {
		return nil, &domain.ValidationError{
			NodeID:     nodeID,
			Violations: []string{"input binding: " + err.Error()},
		}
	}
	return resolved.(map[string]interface{}), nil
}

// bindingEnv builds the expression environment from the dependency outputs:
// nodes["<dep>"] always, plus <dep> as a top-level variable when the id is
// identifier-shaped.
func bindingEnv(exec *domain.Execution, deps []string) map[string]interface{} {
	nodes := make(map[string]interface{}, len(deps))
	env := map[string]interface{}{"nodes": nodes}
	if exec == nil {
		return env
	}
	for _, dep := range deps {
		r, ok := exec.NodeResults[dep]
		if !ok || r.Output == nil {
			continue
		}
		nodes[dep] = r.Output
		if identPattern.MatchString(dep) {
			env[dep] = r.Output
		}
	}
	return env
}

func (b *InputBinder) resolveValue(value interface{}, env map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return b.resolveString(v, env)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, nested := range v {
			resolved, err := b.resolveValue(nested, env)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, nested := range v {
			resolved, err := b.resolveValue(nested, env)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func (b *InputBinder) resolveString(s string, env map[string]interface{}) (interface{}, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A string that is exactly one placeholder keeps the evaluated type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return b.evaluate(strings.TrimSpace(s[matches[0][2]:matches[0][3]]), env)
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		out, err := b.evaluate(strings.TrimSpace(s[m[2]:m[3]]), env)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(out))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

func (b *InputBinder) evaluate(expression string, env map[string]interface{}) (interface{}, error) {
	if expression == "" {
		return nil, fmt.Errorf("empty expression")
	}

	prg, err := b.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a
// new one.
func (b *InputBinder) getOrCompile(expression string) (*vm.Program, error) {
	b.mu.RLock()
	if prg, ok := b.cache[expression]; ok {
		b.mu.RUnlock()
		return prg, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if prg, ok := b.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(map[string]interface{}{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}

	b.cache[expression] = prg
	return prg, nil
}

// hasPlaceholders walks a data tree looking for a binding so untemplated
// node data skips the copy entirely.
func hasPlaceholders(value interface{}) bool {
	switch v := value.(type) {
	case string:
		return placeholderPattern.MatchString(v)
	case map[string]interface{}:
		for _, nested := range v {
			if hasPlaceholders(nested) {
				return true
			}
		}
	case []interface{}:
		for _, nested := range v {
			if hasPlaceholders(nested) {
				return true
			}
		}
	}
	return false
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
