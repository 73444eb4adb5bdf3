package lint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/Mindburn-Labs/cap-compiler/pkg/builtins"
	"github.com/Mindburn-Labs/cap-compiler/pkg/diag"
	"github.com/Mindburn-Labs/cap-compiler/pkg/expr"
	"github.com/Mindburn-Labs/cap-compiler/pkg/policy"
)

// celFuncPrefix keeps built-in names clear of the CEL standard library.
const celFuncPrefix = "cap_"

func (r *run) checkPredicateCycles() {
	edges := make(map[string][]string, len(r.predicateIDs))
	for id, idx := range r.predicateIDs {
		op := r.predicates[idx].expr
		if op.err != nil {
			continue
		}
		seen := make(map[string]bool)
		for _, name := range expr.Vars(op.e) {
			if r.isPredicate(name) && !seen[name] {
				seen[name] = true
				edges[id] = append(edges[id], name)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(edges))
	reported := make(map[string]bool)
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		state[id] = visiting
		stack = append(stack, id)
		for _, next := range edges[id] {
			switch state[next] {
			case unvisited:
				visit(next)
			case visiting:
				start := indexOf(stack, next)
				cycle := append([]string{}, stack[start:]...)
				key := cycleKey(cycle)
				if reported[key] {
					continue
				}
				reported[key] = true
				path := append(cycle, next)
				r.report(diag.CodePredicateCycle, "", "predicates form a cycle: %s", strings.Join(path, " -> "))
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
	}

	for i, lp := range r.predicates {
		if r.predicateIDs[lp.pred.ID] != i {
			continue
		}
		if state[lp.pred.ID] == unvisited {
			visit(lp.pred.ID)
		}
	}
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// cycleKey identifies a cycle independently of its starting point.
func cycleKey(cycle []string) string {
	lo := 0
	for i := range cycle {
		if cycle[i] < cycle[lo] {
			lo = i
		}
	}
	rotated := append(append([]string{}, cycle[lo:]...), cycle[:lo]...)
	return strings.Join(rotated, "\x00")
}

// checkPredicateTypes type-checks each predicate as a CEL expression and
// requires a boolean result.
func (r *run) checkPredicateTypes() {
	var usable []loweredPredicate
	for _, lp := range r.predicates {
		if lp.expr.usable() {
			usable = append(usable, lp)
		}
	}
	if len(usable) == 0 {
		return
	}

	env, naming, err := r.celEnv(usable)
	if err != nil {
		for _, lp := range usable {
			r.report(diag.CodeNonBooleanPredicate, "", "predicate %q cannot be type-checked: %v", lp.pred.ID, err)
		}
		return
	}

	for _, lp := range usable {
		src, err := expr.ToCELNamed(lp.expr.e, naming)
		if err != nil {
			r.report(diag.CodeNonBooleanPredicate, "", "predicate %q cannot be type-checked: %v", lp.pred.ID, err)
			continue
		}
		ast, iss := env.Compile(src)
		if iss != nil && iss.Err() != nil {
			r.report(diag.CodeNonBooleanPredicate, "", "predicate %q does not type-check: %v", lp.pred.ID, iss.Err())
			continue
		}
		switch out := ast.OutputType(); out.Kind() {
		case types.BoolKind, types.DynKind:
		default:
			r.report(diag.CodeNonBooleanPredicate, "", "predicate %q evaluates to %s, not bool", lp.pred.ID, out)
		}
	}
}

// celEnv declares every referenced name under a generated identifier and
// every registry function under a prefixed name.
func (r *run) celEnv(preds []loweredPredicate) (*cel.Env, expr.Naming, error) {
	names := make(map[string]bool)
	arity := make(map[string]int)
	for _, lp := range preds {
		for _, name := range expr.Vars(lp.expr.e) {
			names[name] = true
		}
		for _, c := range expr.Calls(lp.expr.e) {
			if c.NumArgs() > arity[c.Func()] {
				arity[c.Func()] = c.NumArgs()
			}
		}
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	ident := make(map[string]string, len(sorted))
	var opts []cel.EnvOption
	for i, name := range sorted {
		id := fmt.Sprintf("v%d", i)
		ident[name] = id
		opts = append(opts, cel.Variable(id, r.celTypeOf(name)))
	}

	for _, fn := range r.reg.Functions() {
		maxArgs := fn.MaxArgs
		if maxArgs < 0 {
			maxArgs = fn.MinArgs
			if arity[fn.Name] > maxArgs {
				maxArgs = arity[fn.Name]
			}
		}
		var overloads []cel.FunctionOpt
		for n := fn.MinArgs; n <= maxArgs; n++ {
			params := make([]*cel.Type, n)
			for i := range params {
				params[i] = cel.DynType
			}
			overloads = append(overloads, cel.Overload(
				fmt.Sprintf("%s%s_%d", celFuncPrefix, fn.Name, n), params, celResultType(fn.Result)))
		}
		opts = append(opts, cel.Function(celFuncPrefix+fn.Name, overloads...))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, expr.Naming{}, err
	}
	naming := expr.Naming{
		Var:  func(name string) string { return ident[name] },
		Func: func(name string) string { return celFuncPrefix + name },
	}
	return env, naming, nil
}

func (r *run) celTypeOf(name string) *cel.Type {
	if t, ok := r.p.Inputs[name]; ok {
		return celInputType(t)
	}
	if r.isPredicate(name) {
		return cel.BoolType
	}
	return cel.DynType
}

func celInputType(t policy.InputType) *cel.Type {
	switch t {
	case policy.InputBool:
		return cel.BoolType
	case policy.InputNumber:
		return cel.DoubleType
	case policy.InputArrayOfHex:
		return cel.ListType(cel.StringType)
	case policy.InputHexDigest, policy.InputString, policy.InputDate:
		return cel.StringType
	default:
		return cel.DynType
	}
}

func celResultType(t builtins.Type) *cel.Type {
	switch t {
	case builtins.TypeBool:
		return cel.BoolType
	case builtins.TypeNumber:
		return cel.DoubleType
	case builtins.TypeString, builtins.TypeDigest, builtins.TypeDate:
		return cel.StringType
	case builtins.TypeList:
		return cel.ListType(cel.DynType)
	default:
		return cel.DynType
	}
}
