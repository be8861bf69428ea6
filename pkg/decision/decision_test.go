// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateFirstMatchWins(t *testing.T) {
	evaluator := NewEvaluator()
	rules := []Rule{
		{
			Name:       "large amounts go to committee",
			Conditions: []Condition{{Field: "amount", Operator: ">", Value: 500000}},
			Outcome:    "flow_committee",
		},
		{
			Name:       "catch-all",
			Conditions: []Condition{{Field: "amount", Operator: ">=", Value: 0}},
			Outcome:    "flow_branch_manager",
		},
	}

	assert.Equal(t, "flow_committee", evaluator.Evaluate(rules, "flow_default", map[string]any{"amount": 750000}))
	assert.Equal(t, "flow_branch_manager", evaluator.Evaluate(rules, "flow_default", map[string]any{"amount": 100000}))
}

func TestEvaluateDefaultOutcome(t *testing.T) {
	evaluator := NewEvaluator()
	rules := []Rule{
		{Conditions: []Condition{{Field: "riskLevel", Operator: "==", Value: "HIGH"}}, Outcome: "flow_review"},
	}

	outcome := evaluator.Evaluate(rules, "flow_default", map[string]any{"riskLevel": "LOW"})
	assert.Equal(t, "flow_default", outcome)
}

func TestEvaluateMissingVariableFailsCondition(t *testing.T) {
	evaluator := NewEvaluator()
	rules := []Rule{
		{Conditions: []Condition{{Field: "amount", Operator: ">", Value: 0}}, Outcome: "flow_any"},
	}

	outcome := evaluator.Evaluate(rules, "flow_default", map[string]any{})
	assert.Equal(t, "flow_default", outcome)
}

func TestEvaluateConditionsAreAndCombined(t *testing.T) {
	evaluator := NewEvaluator()
	rules := []Rule{
		{
			Conditions: []Condition{
				{Field: "amount", Operator: ">", Value: 100000},
				{Field: "currency", Operator: "==", Value: "EUR"},
			},
			Outcome: "flow_fx_review",
		},
	}

	assert.Equal(t, "flow_fx_review", evaluator.Evaluate(rules, "", map[string]any{"amount": 200000, "currency": "EUR"}))
	assert.Equal(t, "", evaluator.Evaluate(rules, "", map[string]any{"amount": 200000, "currency": "USD"}))
}

func TestNumericCoercionStripsCurrencyNoise(t *testing.T) {
	evaluator := NewEvaluator()
	rules := []Rule{
		{Conditions: []Condition{{Field: "amount", Operator: ">=", Value: "1,000,000 CZK"}}, Outcome: "flow_board"},
	}

	outcome := evaluator.Evaluate(rules, "flow_default", map[string]any{"amount": "1500000"})
	assert.Equal(t, "flow_board", outcome)
}

func TestEqualsComparesNumbersAcrossTypes(t *testing.T) {
	assert.True(t, evalCondition(Condition{Field: "count", Operator: "==", Value: "3"}, map[string]any{"count": 3.0}))
	assert.True(t, evalCondition(Condition{Field: "status", Operator: "!=", Value: "DONE"}, map[string]any{"status": "OPEN"}))
}

func TestStringOperators(t *testing.T) {
	vars := map[string]any{"productCode": "LOAN-MORTGAGE-30Y"}

	assert.True(t, evalCondition(Condition{Field: "productCode", Operator: "contains", Value: "MORTGAGE"}, vars))
	assert.True(t, evalCondition(Condition{Field: "productCode", Operator: "startsWith", Value: "LOAN-"}, vars))
	assert.False(t, evalCondition(Condition{Field: "productCode", Operator: "startsWith", Value: "MORTGAGE"}, vars))
}

func TestExpressionRules(t *testing.T) {
	evaluator := NewEvaluator()
	rules := []Rule{
		{Expression: `amount > 500000 && riskLevel == "HIGH"`, Outcome: "flow_board"},
	}

	assert.Equal(t, "flow_board", evaluator.Evaluate(rules, "flow_default", map[string]any{"amount": 600000, "riskLevel": "HIGH"}))
	assert.Equal(t, "flow_default", evaluator.Evaluate(rules, "flow_default", map[string]any{"amount": 600000, "riskLevel": "LOW"}))
}

func TestExpressionRuntimeErrorIsNoMatch(t *testing.T) {
	evaluator := NewEvaluator()
	rules := []Rule{
		{Expression: `amount / divisor > 1`, Outcome: "flow_x"},
	}

	outcome := evaluator.Evaluate(rules, "flow_default", map[string]any{"amount": 10})
	assert.Equal(t, "flow_default", outcome)
}

func TestValidateRules(t *testing.T) {
	err := ValidateRules([]Rule{
		{Conditions: []Condition{{Field: "amount", Operator: ">", Value: 100}}, Outcome: "a"},
	})
	require.NoError(t, err)

	err = ValidateRules([]Rule{
		{Conditions: []Condition{{Field: "amount", Operator: "~=", Value: 100}}, Outcome: "a"},
	})
	assert.ErrorContains(t, err, "unknown operator")

	err = ValidateRules([]Rule{
		{Conditions: []Condition{{Field: "amount", Operator: ">", Value: "plenty"}}, Outcome: "a"},
	})
	assert.ErrorContains(t, err, "not numeric")

	err = ValidateRules([]Rule{
		{Outcome: "a"},
	})
	assert.ErrorContains(t, err, "no conditions")

	err = ValidateRules([]Rule{
		{Expression: "amount >", Outcome: "a"},
	})
	assert.ErrorContains(t, err, "does not compile")
}
