package snapshot

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

var evaluatorSerial atomic.Uint64

// newEvaluator returns the configured evaluator, or an expr evaluator whose
// registry also carries the hierarchy helpers bound to s. Helpers registered
// by the caller under the same name take precedence.
func newEvaluator[T any, M any](s *Store[T, M], cfg config) Evaluator {
	if cfg.evaluator != nil {
		return cfg.evaluator
	}
	functions := cfg.functions.Clone()
	for name, fn := range s.hierarchyFunctions() {
		if functions.Has(name) {
			continue
		}
		_ = functions.Register(name, fn)
	}
	opts := []ExprEvaluatorOption{ExprWithFunctionRegistry(functions)}
	if cfg.programCache != nil {
		prefix := "store-" + strconv.FormatUint(evaluatorSerial.Add(1), 10) + "\x00"
		opts = append(opts, ExprWithProgramCache(scopedProgramCache{cache: cfg.programCache, prefix: prefix}))
	}
	return NewExprEvaluator(opts...)
}

func evaluatorEngineName(e Evaluator) string {
	switch e.(type) {
	case nil:
		return "unknown"
	case *exprEvaluator:
		return "expr"
	case *celEvaluator:
		return "cel"
	case *jsEvaluator:
		return "js"
	default:
		return "custom"
	}
}

// EvaluateExpression runs expr against snap using the store evaluator and
// returns the raw result.
func (s *Store[T, M]) EvaluateExpression(snap Snapshot[T, M], expr string) (any, error) {
	if expr == "" {
		return nil, fmt.Errorf("expression must not be empty")
	}
	env, err := snapshotEnv(snap)
	if err != nil {
		return nil, err
	}
	ctx := RuleContext{Snapshot: env, SnapshotID: snap.ID, Store: s.name}.withDefaults()
	engine := evaluatorEngineName(s.evaluator)
	start := time.Now()
	value, evalErr := s.evaluator.Evaluate(ctx, expr)
	evalErr = wrapEvaluationError(engine, expr, ctx, evalErr)
	s.cfg.evaluatorLogger.LogEvaluation(EvaluatorLogEvent{
		Engine:   engine,
		Expr:     expr,
		Store:    s.name,
		Duration: time.Since(start),
		Err:      evalErr,
	})
	if evalErr != nil {
		return nil, evalErr
	}
	return value, nil
}

// compilePredicate turns a boolean expression into a Predicate. Evaluation
// errors and non-boolean results count as no match.
func (s *Store[T, M]) compilePredicate(expr string) (Predicate[T, M], error) {
	engine := evaluatorEngineName(s.evaluator)
	rule, err := s.evaluator.Compile(expr)
	if err != nil {
		return nil, &ValidationError{
			Field: "expression",
			Err:   wrapEvaluationError(engine, expr, RuleContext{Store: s.name}, err),
		}
	}
	return func(snap Snapshot[T, M]) bool {
		env, err := snapshotEnv(snap)
		if err != nil {
			s.logger.Warnw("snapshot not addressable by expression", "store", s.name, "id", snap.ID, "error", err)
			return false
		}
		start := time.Now()
		site := RuleContext{Snapshot: env, SnapshotID: snap.ID, Store: s.name}
		out, evalErr := rule.Evaluate(site)
		evalErr = wrapEvaluationError(engine, expr, site, evalErr)
		s.cfg.evaluatorLogger.LogEvaluation(EvaluatorLogEvent{
			Engine:   engine,
			Expr:     expr,
			Store:    s.name,
			Duration: time.Since(start),
			Err:      evalErr,
		})
		if evalErr != nil {
			return false
		}
		matched, ok := out.(bool)
		return ok && matched
	}, nil
}

// snapshotEnv exposes a snapshot to expressions. Every key is always present
// so cached programs see a stable shape.
func snapshotEnv[T, M any](snap Snapshot[T, M]) (map[string]any, error) {
	data, err := toGeneric(snap.Data)
	if err != nil {
		return nil, &SerializationError{Op: "expression env", ID: snap.ID, Err: err}
	}
	meta, err := toGeneric(snap.Metadata)
	if err != nil {
		return nil, &SerializationError{Op: "expression env", ID: snap.ID, Err: err}
	}
	children := make([]any, 0, len(snap.ChildIDs))
	for _, id := range snap.ChildIDs {
		children = append(children, id)
	}
	return map[string]any{
		"id":        snap.ID,
		"data":      data,
		"metadata":  meta,
		"category":  snap.Category,
		"timestamp": snap.Timestamp,
		"version":   snap.Version,
		"parentId":  snap.ParentID,
		"childIds":  children,
		"encrypted": snap.Encrypted,
	}, nil
}

func toGeneric(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
