package policy

import "context"

// RuleEvaluator is the built-in decision rule. It never fails.
type RuleEvaluator struct{}

// Decide implements Evaluator.
func (RuleEvaluator) Decide(_ context.Context, facts Facts) (Decision, error) {
	return Evaluate(facts), nil
}

// Evaluate applies the rule in order: unselected resources are never
// restricted, an active override wins next, a zero limit always restricts,
// and otherwise usage is compared against the limit.
func Evaluate(facts Facts) Decision {
	switch {
	case !facts.Selected:
		return Decision{State: StateUnrestricted, Reason: ReasonNotSelected}
	case facts.OverrideActive:
		return Decision{State: StateOverridden, Reason: ReasonOverride}
	case facts.Limit <= 0:
		return Decision{State: StateRestricted, Reason: ReasonNoLimit}
	case facts.Usage >= facts.Limit:
		return Decision{State: StateRestricted, Reason: ReasonLimitReached}
	default:
		return Decision{State: StateUnrestricted, Reason: ReasonWithinLimit}
	}
}

// Fallback wraps an evaluator and answers with the built-in rule when it
// fails. onFallback, if set, is told about each failure.
type Fallback struct {
	Primary    Evaluator
	OnFallback func(err error)
}

// Decide implements Evaluator.
func (f Fallback) Decide(ctx context.Context, facts Facts) (Decision, error) {
	if f.Primary == nil {
		return Evaluate(facts), nil
	}
	decision, err := f.Primary.Decide(ctx, facts)
	if err != nil {
		if f.OnFallback != nil {
			f.OnFallback(err)
		}
		return Evaluate(facts), nil
	}
	return decision, nil
}
