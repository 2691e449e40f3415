package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/songzhibin97/careflow/types"
)

// RuleSet maps "templateID/blockID" to the boolean expression guarding each
// path of that condition block. A path is looked up by its connection label
// first and then by its nextBlockId.
type RuleSet map[string]map[string]string

// RuleKey returns the RuleSet key of a condition block.
func RuleKey(templateID, blockID string) string {
	return templateID + "/" + blockID
}

// ExprDecider picks condition paths by evaluating host-configured expressions.
//
// Paths are tried in template order and the first expression that evaluates
// to true wins. A block without rules, or whose rules all evaluate to false,
// yields an escalate verdict so the caller can fall back to a default path.
type ExprDecider struct {
	eval  *ExprEvaluator
	rules RuleSet
}

// NewExprDecider creates a decider over the given rules. A nil evaluator gets
// a fresh ExprEvaluator.
func NewExprDecider(eval *ExprEvaluator, rules RuleSet) *ExprDecider {
	if eval == nil {
		eval = NewExprEvaluator()
	}
	if rules == nil {
		rules = RuleSet{}
	}
	return &ExprDecider{eval: eval, rules: rules}
}

// Validate compiles every configured expression.
func (d *ExprDecider) Validate() error {
	keys := make([]string, 0, len(d.rules))
	for k := range d.rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var problems []string
	for _, k := range keys {
		for label, expression := range d.rules[k] {
			if err := d.eval.Compile(expression); err != nil {
				problems = append(problems, fmt.Sprintf("%s[%s]: %v", k, label, err))
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid decision rules: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Decide implements the workflow Decider contract.
func (d *ExprDecider) Decide(ctx context.Context, req types.DecisionRequest) (types.Decision, error) {
	if err := ctx.Err(); err != nil {
		return types.Decision{}, err
	}

	blockRules, ok := d.rules[RuleKey(req.TemplateID, req.BlockID)]
	if !ok || len(blockRules) == 0 {
		return types.Decision{
			Verdict:   types.VerdictEscalate,
			Reasoning: "no rules configured for condition block " + req.BlockID,
		}, nil
	}

	for i, path := range req.Paths {
		key, expression := lookupRule(blockRules, label(req, i), path.NextBlockID)
		if expression == "" {
			continue
		}
		matched, err := d.eval.Evaluate(expression, req.Context)
		if err != nil {
			return types.Decision{}, fmt.Errorf("rule %s for block %s: %w", key, req.BlockID, err)
		}
		if matched {
			return types.Decision{
				Verdict:    types.VerdictChosen,
				PathIndex:  i,
				Reasoning:  fmt.Sprintf("rule %s matched: %s", key, expression),
				Confidence: 1,
			}, nil
		}
	}

	return types.Decision{
		Verdict:   types.VerdictEscalate,
		Reasoning: "no rule matched for condition block " + req.BlockID,
	}, nil
}

func label(req types.DecisionRequest, i int) string {
	if i < len(req.Labels) {
		return req.Labels[i]
	}
	return ""
}

func lookupRule(blockRules map[string]string, label, nextBlockID string) (string, string) {
	if label != "" {
		if e, ok := blockRules[label]; ok {
			return label, e
		}
	}
	return nextBlockID, blockRules[nextBlockID]
}
