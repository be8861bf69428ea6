// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package decision evaluates ordered condition lists against runtime
// variables to pick an outgoing gateway flow or an assignment branch.
package decision

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Condition compares a single process variable with a configured value.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Rule is one row of a decision table. Conditions are AND-combined; a rule
// may alternatively carry a boolean Expression evaluated against the whole
// variable map.
type Rule struct {
	Name       string      `json:"name,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
	Expression string      `json:"expression,omitempty"`
	Outcome    string      `json:"outcome"`
}

// RuleSet is the decision configuration of one gateway. Rules are evaluated
// top to bottom, first match wins; overlap between rules is intentionally not
// validated because admins rely on ordering.
type RuleSet struct {
	GatewayKey     string `json:"gatewayKey"`
	GatewayName    string `json:"gatewayName,omitempty"`
	Rules          []Rule `json:"rules"`
	DefaultOutcome string `json:"defaultOutcome"`
	Version        int    `json:"version"`
}

// RuleStore persists decision rule sets per topic and gateway.
type RuleStore interface {
	GatewayRules(ctx context.Context, topicID string, gatewayKey string) (RuleSet, error)
	SaveGatewayRules(ctx context.Context, topicID string, rules RuleSet) error
}

var validOperators = map[string]struct{}{
	"==": {}, "!=": {}, ">": {}, ">=": {}, "<": {}, "<=": {},
	"contains": {}, "startsWith": {},
}

var numericOperators = map[string]struct{}{
	">": {}, ">=": {}, "<": {}, "<=": {},
}

// Evaluator caches compiled expressions across evaluations.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{programs: map[string]*vm.Program{}}
}

// Evaluate returns the outcome of the first rule whose conditions all hold,
// falling back to defaultOutcome (which may be empty; the caller decides the
// fallback behaviour).
func (e *Evaluator) Evaluate(rules []Rule, defaultOutcome string, variables map[string]any) string {
	for _, rule := range rules {
		if e.matches(rule, variables) {
			return rule.Outcome
		}
	}
	return defaultOutcome
}

func (e *Evaluator) matches(rule Rule, variables map[string]any) bool {
	if rule.Expression != "" {
		return e.evalExpression(rule.Expression, variables)
	}
	if len(rule.Conditions) == 0 {
		return false
	}
	for _, cond := range rule.Conditions {
		if !evalCondition(cond, variables) {
			return false
		}
	}
	return true
}

// evalCondition is false when the referenced variable is absent.
func evalCondition(cond Condition, variables map[string]any) bool {
	actual, ok := variables[cond.Field]
	if !ok || actual == nil {
		return false
	}
	switch cond.Operator {
	case "==":
		return equals(actual, cond.Value)
	case "!=":
		return !equals(actual, cond.Value)
	case ">", ">=", "<", "<=":
		cmp, ok := compareNumbers(actual, cond.Value)
		if !ok {
			return false
		}
		switch cond.Operator {
		case ">":
			return cmp > 0
		case ">=":
			return cmp >= 0
		case "<":
			return cmp < 0
		default:
			return cmp <= 0
		}
	case "contains":
		return strings.Contains(stringify(actual), stringify(cond.Value))
	case "startsWith":
		return strings.HasPrefix(stringify(actual), stringify(cond.Value))
	default:
		return false
	}
}

// equals compares numerically when both sides parse as numbers, otherwise as
// case-sensitive strings.
func equals(actual, expected any) bool {
	a, aok := toFloat(actual)
	b, bok := toFloat(expected)
	if aok && bok {
		return a == b
	}
	return stringify(actual) == stringify(expected)
}

var numericNoise = regexp.MustCompile(`[^0-9.-]`)

// compareNumbers parses both operands to decimal, stripping currency symbols
// and separators the way admins type amounts.
func compareNumbers(a, b any) (int, bool) {
	af, aok := toNumeric(a)
	bf, bok := toNumeric(b)
	if !aok || !bok {
		return 0, false
	}
	switch {
	case af > bf:
		return 1, true
	case af < bf:
		return -1, true
	default:
		return 0, true
	}
}

// toFloat parses the value as-is, with no noise stripping.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	f, err := strconv.ParseFloat(stringify(v), 64)
	return f, err == nil
}

func toNumeric(v any) (float64, bool) {
	if f, ok := toFloat(v); ok {
		return f, true
	}
	cleaned := numericNoise.ReplaceAllString(stringify(v), "")
	f, err := strconv.ParseFloat(cleaned, 64)
	return f, err == nil
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (e *Evaluator) evalExpression(expression string, variables map[string]any) bool {
	e.mu.RLock()
	program, ok := e.programs[expression]
	e.mu.RUnlock()
	if !ok {
		var err error
		program, err = expr.Compile(expression, expr.AllowUndefinedVariables())
		if err != nil {
			return false
		}
		e.mu.Lock()
		e.programs[expression] = program
		e.mu.Unlock()
	}
	out, err := expr.Run(program, variables)
	if err != nil {
		return false
	}
	result, ok := out.(bool)
	return ok && result
}

// ValidateRules rejects malformed rule sets at configuration time: unknown
// operators, numeric operators with unparseable values, expressions that do
// not compile. Runtime evaluation never fails; this is the admin's only
// feedback loop.
func ValidateRules(rules []Rule) error {
	for i, rule := range rules {
		if rule.Expression != "" {
			if _, err := expr.Compile(rule.Expression, expr.AllowUndefinedVariables()); err != nil {
				return fmt.Errorf("rule %d: expression does not compile: %w", i, err)
			}
			continue
		}
		if len(rule.Conditions) == 0 {
			return fmt.Errorf("rule %d: no conditions and no expression", i)
		}
		for j, cond := range rule.Conditions {
			if _, ok := validOperators[cond.Operator]; !ok {
				return fmt.Errorf("rule %d condition %d: unknown operator %q", i, j, cond.Operator)
			}
			if _, numeric := numericOperators[cond.Operator]; numeric {
				if _, ok := toNumeric(cond.Value); !ok {
					return fmt.Errorf("rule %d condition %d: value %v is not numeric", i, j, cond.Value)
				}
			}
			if cond.Field == "" {
				return fmt.Errorf("rule %d condition %d: empty field", i, j)
			}
		}
	}
	return nil
}
