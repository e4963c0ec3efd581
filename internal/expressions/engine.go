package expressions

import "context"

// Engine evaluates expressions used by pipeline steps.
// Three implementations: CEL (rule conditions), Expr (image tag templates),
// GoJQ (JSON configuration injection).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
