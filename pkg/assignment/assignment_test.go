// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package assignment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveMultiSelect(t *testing.T) {
	resolver := NewResolver(nil, "")
	cfg := Config{
		Roles:       []string{"RISK_MANAGER"},
		Departments: []string{"it"},
		Users:       []string{"alice"},
	}

	res := resolver.Resolve(cfg, nil)

	assert.Equal(t, []string{"RISK_MANAGER", "DEPT_IT"}, res.CandidateGroups)
	assert.Equal(t, []string{"alice"}, res.CandidateUsers)
}

func TestMultiSelectTakesPrecedenceOverLegacy(t *testing.T) {
	resolver := NewResolver(nil, "")
	cfg := Config{
		Roles: []string{"AUDITOR"},
		Type:  TypeRole,
		Role:  "IGNORED",
	}

	res := resolver.Resolve(cfg, nil)

	assert.Equal(t, []string{"AUDITOR"}, res.CandidateGroups)
}

func TestResolveLegacyRole(t *testing.T) {
	resolver := NewResolver(nil, "")

	res := resolver.Resolve(Config{Type: TypeRole, Role: "COMPLIANCE"}, nil)

	assert.Equal(t, []string{"COMPLIANCE"}, res.CandidateGroups)
}

func TestResolveLegacyDepartmentPrefix(t *testing.T) {
	resolver := NewResolver(nil, "")

	res := resolver.Resolve(Config{Type: TypeDepartment, Department: "back office"}, nil)

	assert.Equal(t, []string{"DEPT_BACK_OFFICE"}, res.CandidateGroups)
}

func TestResolveLegacyCommitteePrefix(t *testing.T) {
	resolver := NewResolver(nil, "")

	res := resolver.Resolve(Config{Type: TypeCommittee, GroupCode: "credit_a"}, nil)

	assert.Equal(t, []string{"COMMITTEE_CREDIT_A"}, res.CandidateGroups)
}

func TestResolveLegacyGroupSharesCommitteePrefix(t *testing.T) {
	resolver := NewResolver(nil, "")

	res := resolver.Resolve(Config{Type: TypeGroup, GroupCode: "risk_board"}, nil)

	assert.Equal(t, []string{"COMMITTEE_RISK_BOARD"}, res.CandidateGroups)
}

func TestResolveAuthorityTiers(t *testing.T) {
	resolver := NewResolver(nil, "")
	cfg := Config{Type: TypeAuthority, LimitField: "loanAmount"}

	tests := []struct {
		name   string
		amount any
		role   string
	}{
		{name: "within first tier", amount: 400000, role: "BRANCH_MANAGER"},
		{name: "tier boundary inclusive", amount: 500000, role: "BRANCH_MANAGER"},
		{name: "second tier", amount: 2_000_000, role: "CREDIT_COMMITTEE_A"},
		{name: "third tier", amount: 30_000_000, role: "CREDIT_COMMITTEE_B"},
		{name: "above every bounded tier", amount: 80_000_000, role: "BOARD"},
		{name: "string amount", amount: "750000", role: "CREDIT_COMMITTEE_A"},
		{name: "separator formatted amount", amount: "1,000,000", role: "CREDIT_COMMITTEE_A"},
		{name: "amount with currency suffix", amount: "60 000 000 CZK", role: "BOARD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := resolver.Resolve(cfg, map[string]any{"loanAmount": tt.amount})
			assert.Equal(t, []string{tt.role}, res.CandidateGroups)
		})
	}
}

func TestResolveAuthorityMissingAmountUsesLowestTier(t *testing.T) {
	resolver := NewResolver(nil, "")

	res := resolver.Resolve(Config{Type: TypeAuthority}, map[string]any{})

	assert.Equal(t, []string{"BRANCH_MANAGER"}, res.CandidateGroups)
}

func TestResolveCustomTiersAreSorted(t *testing.T) {
	resolver := NewResolver([]AuthorityTier{
		{MaxAmount: -1, RoleCode: "CEO"},
		{MaxAmount: 1000, RoleCode: "TEAM_LEAD"},
	}, "")

	res := resolver.Resolve(Config{Type: TypeAuthority}, map[string]any{"amount": 500})

	assert.Equal(t, []string{"TEAM_LEAD"}, res.CandidateGroups)
}

func TestResolveDefaultGroupFallback(t *testing.T) {
	resolver := NewResolver(nil, "")

	res := resolver.Resolve(Config{}, nil)

	assert.Equal(t, []string{DefaultGroup}, res.CandidateGroups)
	assert.Equal(t, "default assignment", res.Description)
}

func TestPlaceholderSubstitution(t *testing.T) {
	resolver := NewResolver(nil, "")
	cfg := Config{Type: TypeRole, Role: "REGION_${region}_MANAGER"}

	res := resolver.Resolve(cfg, map[string]any{"region": "WEST"})
	assert.Equal(t, []string{"REGION_WEST_MANAGER"}, res.CandidateGroups)

	// unresolved placeholder passes through
	res = resolver.Resolve(cfg, map[string]any{})
	assert.Equal(t, []string{"REGION_${region}_MANAGER"}, res.CandidateGroups)
}

func TestUnknownLegacyTypeFallsBackToDefault(t *testing.T) {
	resolver := NewResolver(nil, "ROLE_OPS")

	res := resolver.Resolve(Config{Type: "SHIFT"}, nil)

	assert.Equal(t, []string{"ROLE_OPS"}, res.CandidateGroups)
}
