// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package routing applies completion policies to parallel gateway scopes:
// when one branch finishes, the policy decides whether the remaining sibling
// tasks keep running or get cancelled.
package routing

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-hclog"

	"github.com/pbinitiative/zenroute/internal/log"
	"github.com/pbinitiative/zenroute/pkg/engine"
	"github.com/pbinitiative/zenroute/pkg/flow"
	"github.com/pbinitiative/zenroute/pkg/history"
)

type CompletionMode string

const (
	// ModeAll waits for every branch; the engine's join does the work and no
	// task is cancelled.
	ModeAll CompletionMode = "ALL"
	// ModeAny completes the scope with the first finished branch.
	ModeAny CompletionMode = "ANY"
	// ModeThreshold completes the scope once a minimum number of branches
	// finished.
	ModeThreshold CompletionMode = "THRESHOLD"
)

// GatewayConfig is the completion policy of one fork gateway, configured per
// topic (process definition) by an administrator.
type GatewayConfig struct {
	GatewayID          string         `json:"gatewayId" validate:"required"`
	GatewayName        string         `json:"gatewayName,omitempty"`
	GatewayType        string         `json:"gatewayType,omitempty"`
	CompletionMode     CompletionMode `json:"completionMode" validate:"required,oneof=ALL ANY THRESHOLD"`
	MinimumRequired    int            `json:"minimumRequired,omitempty" validate:"omitempty,min=1"`
	TotalIncomingFlows int            `json:"totalIncomingFlows,omitempty"`
	CancelRemaining    bool           `json:"cancelRemaining"`
	Description        string         `json:"description,omitempty"`
}

// ConfigStore persists gateway completion configs per topic. The topic id of
// a deployed process is its process definition id; PolicyEngine looks configs
// up under the definition id of the completing task, so admin writes must use
// the same id as the topic.
type ConfigStore interface {
	GatewayConfig(ctx context.Context, topicID string, gatewayID string) (GatewayConfig, error)
	GatewayConfigs(ctx context.Context, topicID string) ([]GatewayConfig, error)
	SaveGatewayConfig(ctx context.Context, topicID string, cfg GatewayConfig) error
	DeleteGatewayConfig(ctx context.Context, topicID string, gatewayID string) error
}

// CancelledTask reports one sibling cancelled by the policy.
type CancelledTask struct {
	ID                string `json:"id"`
	TaskDefinitionKey string `json:"taskDefinitionKey"`
	Name              string `json:"name,omitempty"`
}

// Status is a point-in-time snapshot of one gateway scope.
type Status struct {
	GatewayID         string         `json:"gatewayId"`
	CompletionMode    CompletionMode `json:"completionMode"`
	ScopeTaskKeys     []string       `json:"scopeTaskKeys"`
	CompletedTaskKeys []string       `json:"completedTaskKeys"`
	ActiveTaskKeys    []string       `json:"activeTaskKeys"`
	Required          int            `json:"required"`
	Satisfied         bool           `json:"satisfied"`
}

// PolicyEngine evaluates completion policies against live instance state.
type PolicyEngine struct {
	engine   engine.Client
	analyzer *flow.Analyzer
	configs  ConfigStore
	timeline history.Store
	recorder *history.Recorder
	logger   hclog.Logger
}

func NewPolicyEngine(client engine.Client, analyzer *flow.Analyzer, configs ConfigStore, timeline history.Store, recorder *history.Recorder) *PolicyEngine {
	return &PolicyEngine{
		engine:   client,
		analyzer: analyzer,
		configs:  configs,
		timeline: timeline,
		recorder: recorder,
		logger:   log.Named("routing"),
	}
}

// OnBranchCompleted runs after a task inside a parallel scope completes. It
// resolves the enclosing fork, loads its completion policy and cancels the
// remaining sibling tasks when the policy is satisfied.
//
// Fail open: a task outside any fork, a missing config, or mode ALL all leave
// the engine's join semantics untouched and cancel nothing. The completing
// task itself and active parallel instances sharing its task definition key
// are never cancelled.
func (p *PolicyEngine) OnBranchCompleted(ctx context.Context, processInstanceID string, taskID string) ([]CancelledTask, error) {
	task, err := p.engine.Task(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load completing task %s: %w", taskID, err)
	}
	g, err := p.engine.ProcessGraph(ctx, task.ProcessDefinitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow graph of %s: %w", task.ProcessDefinitionID, err)
	}
	forkID, ok := p.analyzer.EnclosingFork(g, task.TaskDefinitionKey)
	if !ok {
		return nil, nil
	}
	cfg, err := p.configs.GatewayConfig(ctx, task.ProcessDefinitionID, forkID)
	if err != nil {
		// no policy configured, engine join semantics apply
		p.logger.Debug("no completion config for gateway, defaulting to ALL", "gatewayId", forkID, "processDefinitionId", task.ProcessDefinitionID)
		return nil, nil
	}

	satisfied, err := p.satisfied(ctx, processInstanceID, g, forkID, cfg, task.TaskDefinitionKey)
	if err != nil {
		return nil, err
	}
	if !satisfied || !cfg.CancelRemaining {
		return nil, nil
	}
	return p.cancelScopeSiblings(ctx, processInstanceID, g, forkID, task)
}

func (p *PolicyEngine) satisfied(ctx context.Context, processInstanceID string, g *flow.Graph, forkID string, cfg GatewayConfig, completingKey string) (bool, error) {
	switch cfg.CompletionMode {
	case ModeAny:
		return true, nil
	case ModeThreshold:
		completed, err := p.completedInScope(ctx, processInstanceID, g, forkID)
		if err != nil {
			return false, err
		}
		// the completing task's own event may not be recorded yet
		completed[completingKey] = struct{}{}
		if !p.analyzer.InScope(g, forkID, completingKey) {
			delete(completed, completingKey)
		}
		return len(completed) >= cfg.MinimumRequired, nil
	default:
		return false, nil
	}
}

// completedInScope counts distinct completed task keys inside the fork scope,
// skipped completions excluded.
func (p *PolicyEngine) completedInScope(ctx context.Context, processInstanceID string, g *flow.Graph, forkID string) (map[string]struct{}, error) {
	events, err := p.timeline.Events(ctx, processInstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load timeline of instance %s: %w", processInstanceID, err)
	}
	completed := map[string]struct{}{}
	for _, e := range events {
		if e.ActionType != history.ActionTaskCompleted || e.Skipped() {
			continue
		}
		if p.analyzer.InScope(g, forkID, e.TaskKey) {
			completed[e.TaskKey] = struct{}{}
		}
	}
	return completed, nil
}

func (p *PolicyEngine) cancelScopeSiblings(ctx context.Context, processInstanceID string, g *flow.Graph, forkID string, completing engine.TaskRef) ([]CancelledTask, error) {
	active, err := p.engine.ActiveTasks(ctx, processInstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tasks of instance %s: %w", processInstanceID, err)
	}
	var cancelled []CancelledTask
	for _, sibling := range active {
		if sibling.ID == completing.ID {
			continue
		}
		// parallel instances of the completing task keep running
		if sibling.TaskDefinitionKey == completing.TaskDefinitionKey {
			continue
		}
		if !p.analyzer.InScope(g, forkID, sibling.TaskDefinitionKey) {
			continue
		}
		if err := p.engine.CancelTask(ctx, sibling.ID); err != nil {
			return cancelled, fmt.Errorf("failed to cancel task %s: %w", sibling.ID, err)
		}
		cancelled = append(cancelled, CancelledTask{
			ID:                sibling.ID,
			TaskDefinitionKey: sibling.TaskDefinitionKey,
			Name:              sibling.Name,
		})
		p.recordCancellation(ctx, processInstanceID, forkID, sibling)
	}
	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].TaskDefinitionKey < cancelled[j].TaskDefinitionKey })
	return cancelled, nil
}

// recordCancellation appends the timeline event that keeps policy
// cancellations out of the movement history.
func (p *PolicyEngine) recordCancellation(ctx context.Context, processInstanceID string, forkID string, task engine.TaskRef) {
	_, err := p.recorder.Record(ctx, history.TimelineEvent{
		ProcessInstanceID:   processInstanceID,
		ProcessDefinitionID: task.ProcessDefinitionID,
		ActionType:          history.ActionTaskCancelled,
		TaskID:              task.ID,
		TaskKey:             task.TaskDefinitionKey,
		TaskName:            task.Name,
		Metadata: map[string]string{
			"skipped":     "true",
			"cancelledBy": "completion-policy",
			"gatewayId":   forkID,
		},
	})
	if err != nil {
		p.logger.Warn("failed to record cancellation event", "taskId", task.ID, "err", err)
	}
}

// ExecutionStatus snapshots a gateway scope: which tasks belong to it, which
// completed, which are still active and whether the policy is satisfied.
func (p *PolicyEngine) ExecutionStatus(ctx context.Context, processInstanceID string, gatewayID string) (Status, error) {
	definitionID, err := p.definitionOf(ctx, processInstanceID)
	if err != nil {
		return Status{}, err
	}
	g, err := p.engine.ProcessGraph(ctx, definitionID)
	if err != nil {
		return Status{}, fmt.Errorf("failed to load flow graph of %s: %w", definitionID, err)
	}
	scope := p.analyzer.ScopeOf(g, gatewayID)

	cfg, cfgErr := p.configs.GatewayConfig(ctx, definitionID, gatewayID)
	if cfgErr != nil {
		cfg = GatewayConfig{GatewayID: gatewayID, CompletionMode: ModeAll}
	}

	completed, err := p.completedInScope(ctx, processInstanceID, g, gatewayID)
	if err != nil {
		return Status{}, err
	}
	active, err := p.engine.ActiveTasks(ctx, processInstanceID)
	if err != nil {
		return Status{}, fmt.Errorf("failed to list active tasks of instance %s: %w", processInstanceID, err)
	}

	status := Status{
		GatewayID:      gatewayID,
		CompletionMode: cfg.CompletionMode,
		ScopeTaskKeys:  sortedKeys(scope),
		Required:       requiredFor(cfg, len(scope)),
	}
	status.CompletedTaskKeys = sortedKeys(completed)
	for _, t := range active {
		if _, ok := scope[t.TaskDefinitionKey]; ok {
			status.ActiveTaskKeys = append(status.ActiveTaskKeys, t.TaskDefinitionKey)
		}
	}
	sort.Strings(status.ActiveTaskKeys)
	status.Satisfied = len(completed) >= status.Required
	return status, nil
}

// definitionOf finds the process definition of a live instance through its
// active tasks, falling back to the recorded timeline.
func (p *PolicyEngine) definitionOf(ctx context.Context, processInstanceID string) (string, error) {
	active, err := p.engine.ActiveTasks(ctx, processInstanceID)
	if err == nil {
		for _, t := range active {
			if t.ProcessDefinitionID != "" {
				return t.ProcessDefinitionID, nil
			}
		}
	}
	events, err := p.timeline.Events(ctx, processInstanceID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve definition of instance %s: %w", processInstanceID, err)
	}
	for _, e := range events {
		if e.ProcessDefinitionID != "" {
			return e.ProcessDefinitionID, nil
		}
	}
	return "", fmt.Errorf("process definition of instance %s is unknown", processInstanceID)
}

func requiredFor(cfg GatewayConfig, scopeSize int) int {
	switch cfg.CompletionMode {
	case ModeAny:
		return 1
	case ModeThreshold:
		return cfg.MinimumRequired
	default:
		return scopeSize
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateConfig rejects inconsistent completion policies at write time.
func ValidateConfig(cfg GatewayConfig) error {
	switch cfg.CompletionMode {
	case ModeAll, ModeAny:
	case ModeThreshold:
		if cfg.MinimumRequired < 1 {
			return fmt.Errorf("completion mode THRESHOLD requires minimumRequired >= 1")
		}
		if cfg.TotalIncomingFlows > 0 && cfg.MinimumRequired > cfg.TotalIncomingFlows {
			return fmt.Errorf("minimumRequired %d exceeds totalIncomingFlows %d", cfg.MinimumRequired, cfg.TotalIncomingFlows)
		}
	default:
		return fmt.Errorf("unknown completion mode %q", cfg.CompletionMode)
	}
	return nil
}
