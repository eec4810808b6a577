// Package validation provides the ordered rule evaluator shared by every
// grant flow.
//
// A flow declares its rules once, as a package-level Chain over its own
// request state type. Rules run strictly in order and evaluation stops at the
// first rule that does not hold; that rule's error code is the single code
// reported to the client. Later rules may therefore rely on everything checked
// by the rules before them.
package validation

import (
	"context"
	"fmt"
)

// Rule is a named predicate bound to the OAuth error code reported when it
// does not hold.
//
// Check returns an error only for infrastructure failures (a repository
// outage, for example). Such errors abort the chain and are not mapped to
// an OAuth error code by this package.
type Rule[T any] struct {
	Name  string
	Code  string
	Check func(ctx context.Context, state T) (bool, error)

	// Description is the error_description reported on failure. Optional.
	Description string
}

// Outcome records the result of running a chain.
type Outcome struct {
	// Evaluated lists, in order, the names of the rules that were run.
	Evaluated []string

	// Rule and Code identify the first failing rule. Both are empty on success.
	Rule        string
	Code        string
	Description string
}

// OK reports whether every rule held.
func (o Outcome) OK() bool {
	return o.Code == ""
}

// Chain is an immutable ordered list of rules.
type Chain[T any] struct {
	rules []Rule[T]
}

// New returns a chain evaluating rules in the given order.
// It panics on a rule without a name, code or predicate, since rule lists are
// static program data.
func New[T any](rules ...Rule[T]) *Chain[T] {
	for i, r := range rules {
		if r.Name == "" || r.Code == "" || r.Check == nil {
			panic(fmt.Sprintf("validation: rule %d (%q) is incomplete", i, r.Name))
		}
	}
	copied := make([]Rule[T], len(rules))
	copy(copied, rules)
	return &Chain[T]{rules: copied}
}

// Rules returns the names of the rules in evaluation order.
func (c *Chain[T]) Rules() []string {
	names := make([]string, len(c.rules))
	for i, r := range c.rules {
		names[i] = r.Name
	}
	return names
}

// Validate runs the chain against state.
func (c *Chain[T]) Validate(ctx context.Context, state T) (Outcome, error) {
	var out Outcome
	for _, r := range c.rules {
		out.Evaluated = append(out.Evaluated, r.Name)
		ok, err := r.Check(ctx, state)
		if err != nil {
			return out, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		if !ok {
			out.Rule = r.Name
			out.Code = r.Code
			out.Description = r.Description
			return out, nil
		}
	}
	return out, nil
}
