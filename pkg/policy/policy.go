package policy

import (
	"context"
	"fmt"

	"github.com/polisai/polis-anon/pkg/domain"
)

// Evaluator produces a decision for a single request.
type Evaluator interface {
	Evaluate(ctx context.Context, req domain.Request) (domain.Decision, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, req domain.Request) (domain.Decision, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, req domain.Request) (domain.Decision, error) {
	return f(ctx, req)
}

// Chain composes multiple evaluators, short-circuiting on a denial.
type Chain struct {
	evaluators []Evaluator
}

// NewChain constructs an evaluator chain. Nil evaluators are skipped.
func NewChain(evaluators ...Evaluator) Chain {
	kept := make([]Evaluator, 0, len(evaluators))
	for _, e := range evaluators {
		if e != nil {
			kept = append(kept, e)
		}
	}
	return Chain{evaluators: kept}
}

// Len returns the number of evaluators in the chain.
func (c Chain) Len() int { return len(c.evaluators) }

// Evaluate runs the chain in order. An allow decision hands its headers to the
// next evaluator; a decision without a verdict leaves the request untouched.
func (c Chain) Evaluate(ctx context.Context, req domain.Request) (domain.Decision, error) {
	current := req
	current.Headers = req.Headers.Clone()

	for i, evaluator := range c.evaluators {
		decision, err := evaluator.Evaluate(ctx, current)
		if err != nil {
			return domain.Decision{}, fmt.Errorf("%w: evaluator %d: %w", domain.ErrPolicyEvalFailed, i, err)
		}

		switch decision.Action {
		case domain.ActionDeny:
			return decision, nil
		case domain.ActionAllow:
			current.Headers = decision.Headers.Clone()
		case "":
			// no verdict, keep evaluating with the same headers
		default:
			return domain.Decision{}, fmt.Errorf("%w: unknown action %q", domain.ErrPolicyEvalFailed, decision.Action)
		}
	}

	return domain.Allow(current.Headers), nil
}
