package snapshot

import (
	"errors"
	"fmt"
	"strings"
)

// EvaluationError reports an expression that failed to compile or to run.
// SnapshotID names the snapshot the expression ran against; it is empty for
// compile failures.
type EvaluationError struct {
	Engine     string
	Expr       string
	Store      string
	SnapshotID string
	Err        error
}

func (e *EvaluationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "snapshot: %s evaluator %s", e.Engine, describeExpression(e.Expr))
	if e.Store != "" {
		fmt.Fprintf(&b, " store=%s", e.Store)
	}
	if e.SnapshotID != "" {
		fmt.Fprintf(&b, " snapshot=%s", e.SnapshotID)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *EvaluationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func describeExpression(expr string) string {
	if expr == "" {
		return "expr=<empty>"
	}
	return fmt.Sprintf("expr=%q", expr)
}

func wrapEvaluatorError(engine string, err error) error {
	if err == nil {
		return nil
	}
	var evalErr *EvaluationError
	if errors.As(err, &evalErr) || strings.HasPrefix(err.Error(), "snapshot:") {
		return err
	}
	return fmt.Errorf("snapshot: %s evaluator: %w", engine, err)
}

// wrapEvaluationError attaches engine, expression and the store and snapshot
// of site to err. Fields already set on an EvaluationError are kept.
func wrapEvaluationError(engine, expr string, site RuleContext, err error) error {
	if err == nil {
		return nil
	}

	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		if evalErr.Engine == "" {
			evalErr.Engine = engine
		}
		if evalErr.Expr == "" {
			evalErr.Expr = expr
		}
		if evalErr.Store == "" {
			evalErr.Store = site.Store
		}
		if evalErr.SnapshotID == "" {
			evalErr.SnapshotID = site.SnapshotID
		}
		return evalErr
	}

	return &EvaluationError{
		Engine:     engine,
		Expr:       expr,
		Store:      site.Store,
		SnapshotID: site.SnapshotID,
		Err:        err,
	}
}
