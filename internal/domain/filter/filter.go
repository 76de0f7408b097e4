package filter

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/streamgate/streamgate/internal/domain/event"
)

// Kind discriminates the filter variants a subscription may carry.
type Kind int

const (
	KindTypeIn Kind = iota + 1
	KindCorrelationEquals
	KindPriorityGTE
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindTypeIn:
		return "type_in"
	case KindCorrelationEquals:
		return "correlation_equals"
	case KindPriorityGTE:
		return "priority_gte"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Filter is a single match clause. Construct through the factory functions;
// the zero value matches nothing.
type Filter struct {
	Kind      Kind
	Types     []string
	Field     string
	Value     string
	Threshold event.Priority
	Expr      string

	prog cel.Program
}

// TypeIn matches events whose type is in the given set. An empty set matches
// every type.
func TypeIn(types ...string) Filter {
	return Filter{Kind: KindTypeIn, Types: types}
}

// CorrelationEquals matches events whose named correlation field equals value.
func CorrelationEquals(field, value string) Filter {
	return Filter{Kind: KindCorrelationEquals, Field: field, Value: value}
}

// PriorityGTE matches events at or above the given priority.
func PriorityGTE(p event.Priority) Filter {
	return Filter{Kind: KindPriorityGTE, Threshold: p}
}

// Custom compiles a CEL expression over the event envelope. Available
// variables: type, priority, user_id, session_id, agent_id, task_id.
func Custom(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{}, fmt.Errorf("custom filter: empty expression")
	}
	env, err := cel.NewEnv(
		cel.Variable("type", cel.StringType),
		cel.Variable("priority", cel.IntType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("agent_id", cel.StringType),
		cel.Variable("task_id", cel.StringType),
	)
	if err != nil {
		return Filter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return Filter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return Filter{}, err
	}
	return Filter{Kind: KindCustom, Expr: expr, prog: prog}, nil
}

// Match evaluates a single clause. Errors are only possible for KindCustom;
// the caller decides fail-open vs fail-closed.
func (f Filter) Match(ev *event.Event) (bool, error) {
	switch f.Kind {
	case KindTypeIn:
		if len(f.Types) == 0 {
			return true, nil
		}
		return slices.Contains(f.Types, ev.Type), nil
	case KindCorrelationEquals:
		return ev.Correlation.Field(f.Field) == f.Value, nil
	case KindPriorityGTE:
		return ev.Priority >= f.Threshold, nil
	case KindCustom:
		out, _, err := f.prog.Eval(map[string]any{
			"type":       ev.Type,
			"priority":   int64(ev.Priority),
			"user_id":    ev.Correlation.UserID,
			"session_id": ev.Correlation.SessionID,
			"agent_id":   ev.Correlation.AgentID,
			"task_id":    ev.Correlation.TaskID,
		})
		if err != nil {
			return false, fmt.Errorf("custom filter %q: %w", f.Expr, err)
		}
		b, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("custom filter %q: non-boolean result", f.Expr)
		}
		return b, nil
	default:
		return false, nil
	}
}

// Set is a conjunction of clauses. An empty set matches everything.
type Set []Filter

// Matches evaluates all clauses. A clause that errors counts as a pass
// (fail open); the first such error is still returned so the caller can log
// it. The remaining clauses keep their normal veto power.
func (s Set) Matches(ev *event.Event) (bool, error) {
	var evalErr error
	for _, f := range s {
		ok, err := f.Match(ev)
		if err != nil {
			if evalErr == nil {
				evalErr = err
			}
			continue
		}
		if !ok {
			return false, evalErr
		}
	}
	return true, evalErr
}
