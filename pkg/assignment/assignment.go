// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package assignment resolves who a task is offered to: candidate groups and
// users derived from per-task configuration and process variables.
package assignment

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Assignment strategy of the legacy single-select configuration form.
const (
	TypeRole       = "ROLE"
	TypeAuthority  = "AUTHORITY"
	TypeDepartment = "DEPARTMENT"
	TypeGroup      = "GROUP"
	TypeCommittee  = "COMMITTEE"
)

// DefaultGroup is offered when no configuration produces a candidate.
const DefaultGroup = "ROLE_BRANCH_MANAGER"

// Config is the assignment configuration of one task definition. The
// multi-select fields take precedence; the legacy typed fields apply when all
// multi-select fields are empty.
type Config struct {
	// multi-select form
	Roles       []string `json:"roles,omitempty"`
	Departments []string `json:"departments,omitempty"`
	Users       []string `json:"users,omitempty"`

	// legacy single-select form
	Type       string `json:"type,omitempty"`
	Role       string `json:"role,omitempty" validate:"omitempty,max=128"`
	Department string `json:"department,omitempty" validate:"omitempty,max=128"`
	GroupCode  string `json:"groupCode,omitempty" validate:"omitempty,max=128"`
	LimitField string `json:"limitField,omitempty"`

	Description string `json:"description,omitempty"`
}

// ConfigStore persists assignment configs per topic and task definition key.
type ConfigStore interface {
	AssignmentConfig(ctx context.Context, topicID string, taskKey string) (Config, error)
	SaveAssignmentConfig(ctx context.Context, topicID string, taskKey string, cfg Config) error
}

// AuthorityTier maps an approval amount ceiling to the role allowed to decide
// it. MaxAmount -1 means unbounded.
type AuthorityTier struct {
	MaxAmount float64
	RoleCode  string
}

// DefaultTiers is the built-in approval authority ladder, overridable through
// service configuration.
var DefaultTiers = []AuthorityTier{
	{MaxAmount: 500_000, RoleCode: "BRANCH_MANAGER"},
	{MaxAmount: 5_000_000, RoleCode: "CREDIT_COMMITTEE_A"},
	{MaxAmount: 50_000_000, RoleCode: "CREDIT_COMMITTEE_B"},
	{MaxAmount: -1, RoleCode: "BOARD"},
}

// Result is what the caller pushes to the engine as task candidates.
type Result struct {
	CandidateGroups []string `json:"candidateGroups"`
	CandidateUsers  []string `json:"candidateUsers,omitempty"`
	Description     string   `json:"description,omitempty"`
}

// Resolver turns a Config plus process variables into candidate groups/users.
type Resolver struct {
	tiers        []AuthorityTier
	defaultGroup string
}

// NewResolver sorts bounded tiers ascending by amount; unbounded tiers go
// last. An empty tier list falls back to DefaultTiers, an empty default group
// to DefaultGroup.
func NewResolver(tiers []AuthorityTier, defaultGroup string) *Resolver {
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	sorted := make([]AuthorityTier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].MaxAmount, sorted[j].MaxAmount
		if a < 0 {
			return false
		}
		if b < 0 {
			return true
		}
		return a < b
	})
	if defaultGroup == "" {
		defaultGroup = DefaultGroup
	}
	return &Resolver{tiers: sorted, defaultGroup: defaultGroup}
}

// Resolve applies the precedence order: multi-select fields, then the legacy
// typed form, then the default group. It never fails; a broken config still
// routes the task somewhere a human can see it.
func (r *Resolver) Resolve(cfg Config, variables map[string]any) Result {
	if res, ok := r.resolveMultiSelect(cfg, variables); ok {
		return res
	}
	if res, ok := r.resolveLegacy(cfg, variables); ok {
		return res
	}
	return Result{
		CandidateGroups: []string{r.defaultGroup},
		Description:     "default assignment",
	}
}

func (r *Resolver) resolveMultiSelect(cfg Config, variables map[string]any) (Result, bool) {
	if len(cfg.Roles) == 0 && len(cfg.Departments) == 0 && len(cfg.Users) == 0 {
		return Result{}, false
	}
	res := Result{Description: cfg.Description}
	for _, role := range cfg.Roles {
		if v := substitute(role, variables); v != "" {
			res.CandidateGroups = append(res.CandidateGroups, v)
		}
	}
	for _, dept := range cfg.Departments {
		if v := substitute(dept, variables); v != "" {
			res.CandidateGroups = append(res.CandidateGroups, departmentGroup(v))
		}
	}
	for _, user := range cfg.Users {
		if v := substitute(user, variables); v != "" {
			res.CandidateUsers = append(res.CandidateUsers, v)
		}
	}
	if len(res.CandidateGroups) == 0 && len(res.CandidateUsers) == 0 {
		return Result{}, false
	}
	return res, true
}

func (r *Resolver) resolveLegacy(cfg Config, variables map[string]any) (Result, bool) {
	switch cfg.Type {
	case TypeRole:
		role := substitute(cfg.Role, variables)
		if role == "" {
			return Result{}, false
		}
		return Result{CandidateGroups: []string{role}, Description: cfg.Description}, true
	case TypeAuthority:
		role := r.authorityRole(cfg, variables)
		return Result{
			CandidateGroups: []string{role},
			Description:     cfg.Description,
		}, true
	case TypeDepartment:
		dept := substitute(cfg.Department, variables)
		if dept == "" {
			return Result{}, false
		}
		return Result{CandidateGroups: []string{departmentGroup(dept)}, Description: cfg.Description}, true
	case TypeGroup, TypeCommittee:
		group := substitute(cfg.GroupCode, variables)
		if group == "" {
			return Result{}, false
		}
		return Result{CandidateGroups: []string{committeeGroup(group)}, Description: cfg.Description}, true
	default:
		return Result{}, false
	}
}

// authorityRole picks the first tier whose ceiling covers the amount read from
// the configured limit field. Unbounded tiers match everything, so with a sane
// ladder the highest tier catches what the bounded ones do not. A missing or
// unparseable amount routes to the lowest tier.
func (r *Resolver) authorityRole(cfg Config, variables map[string]any) string {
	field := cfg.LimitField
	if field == "" {
		field = "amount"
	}
	amount, ok := numericVariable(variables, field)
	if !ok {
		return r.tiers[0].RoleCode
	}
	for _, tier := range r.tiers {
		if tier.MaxAmount < 0 || amount <= tier.MaxAmount {
			return tier.RoleCode
		}
	}
	return r.tiers[len(r.tiers)-1].RoleCode
}

// departmentGroup and committeeGroup build the group keys the engine holds
// memberships under. Department names may contain spaces, group keys may not.
func departmentGroup(name string) string {
	return "DEPT_" + strings.ReplaceAll(strings.ToUpper(name), " ", "_")
}

func committeeGroup(code string) string {
	return "COMMITTEE_" + strings.ToUpper(code)
}

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// substitute replaces ${name} placeholders with process variable values.
// Unresolved placeholders pass through untouched so misconfigurations stay
// visible in the task list instead of silently collapsing to empty.
func substitute(template string, variables map[string]any) string {
	if template == "" {
		return ""
	}
	return placeholder.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-1]
		value, ok := variables[name]
		if !ok || value == nil {
			return match
		}
		return stringify(value)
	})
}

// amountNoise strips currency symbols and separators from formatted amounts,
// "1,000,000 CZK" reads as 1000000.
var amountNoise = regexp.MustCompile(`[^0-9.-]`)

func numericVariable(variables map[string]any, field string) (float64, bool) {
	v, ok := variables[field]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	cleaned := amountNoise.ReplaceAllString(stringify(v), "")
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
