// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/pbinitiative/zenroute/internal/log"
	"github.com/pbinitiative/zenroute/pkg/engine"
	"github.com/pbinitiative/zenroute/pkg/flow"
)

// Entry is one row of the movement history view.
type Entry struct {
	TaskKey     string    `json:"taskKey"`
	TaskName    string    `json:"taskName,omitempty"`
	ActorID     string    `json:"actorId,omitempty"`
	ActorName   string    `json:"actorName,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
	Current     bool      `json:"current,omitempty"`
}

// Movement is what the task form shows: the path taken so far and the points
// the task may be sent back to.
type Movement struct {
	History      []Entry `json:"history"`
	ReturnPoints []Entry `json:"returnPoints"`
}

// SendBack describes the resolved send-back targets of the current task.
// MultiTarget means the send-back recreates several branch tasks at once.
type SendBack struct {
	TargetTaskKeys     []string `json:"targetTaskKeys"`
	MultiTarget        bool     `json:"multiTarget"`
	PreviousActorIDs   []string `json:"previousActorIds,omitempty"`
	PreviousActorNames []string `json:"previousActorNames,omitempty"`
}

// Builder derives movement views from the timeline, consulting the flow graph
// to keep sibling branches of a parallel split out of the return points.
type Builder struct {
	store    Store
	engine   engine.Client
	analyzer *flow.Analyzer
	logger   hclog.Logger
}

func NewBuilder(store Store, client engine.Client, analyzer *flow.Analyzer) *Builder {
	return &Builder{
		store:    store,
		engine:   client,
		analyzer: analyzer,
		logger:   log.Named("history"),
	}
}

// MovementHistory builds the chronological list of completed steps plus a
// synthetic entry for the current task, and the deduplicated return points.
//
// Return points exclude tasks on sibling branches of the current task's
// enclosing fork: sending back across a parallel branch would desynchronize
// the join. When the graph cannot be loaded the filter degrades to keeping
// every return point rather than failing the whole view.
func (b *Builder) MovementHistory(ctx context.Context, processInstanceID string, currentTaskKey string) (Movement, error) {
	completed, definitionID, err := b.completedSteps(ctx, processInstanceID)
	if err != nil {
		return Movement{}, err
	}

	movement := Movement{History: make([]Entry, 0, len(completed)+1)}
	for _, e := range completed {
		movement.History = append(movement.History, Entry{
			TaskKey:     e.TaskKey,
			TaskName:    e.TaskName,
			ActorID:     e.ActorID,
			ActorName:   e.ActorName,
			CompletedAt: e.CreatedAt,
		})
	}
	movement.History = append(movement.History, Entry{TaskKey: currentTaskKey, Current: true})

	// latest completion per task key, current task excluded
	latest := map[string]TimelineEvent{}
	for _, e := range completed {
		if e.TaskKey == "" || e.TaskKey == currentTaskKey {
			continue
		}
		latest[e.TaskKey] = e
	}

	keep := b.siblingFilter(ctx, definitionID, currentTaskKey)
	points := make([]Entry, 0, len(latest))
	for key, e := range latest {
		if !keep(key) {
			continue
		}
		points = append(points, Entry{
			TaskKey:     key,
			TaskName:    e.TaskName,
			ActorID:     e.ActorID,
			ActorName:   e.ActorName,
			CompletedAt: e.CreatedAt,
		})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].CompletedAt.Before(points[j].CompletedAt)
	})
	movement.ReturnPoints = points
	return movement, nil
}

// SendBackTargets resolves where a send-back from the current task lands.
//
// Directly after a join the send-back fans out to every executed entry task
// of the joined branches. Inside a branch the only safe target is the task
// before the fork. With no fork involved the latest completed step wins.
func (b *Builder) SendBackTargets(ctx context.Context, processInstanceID string, currentTaskKey string) (SendBack, error) {
	completed, definitionID, err := b.completedSteps(ctx, processInstanceID)
	if err != nil {
		return SendBack{}, err
	}

	executed := map[string]TimelineEvent{}
	for _, e := range completed {
		if e.TaskKey != "" && e.TaskKey != currentTaskKey {
			executed[e.TaskKey] = e
		}
	}

	g := b.graphFor(ctx, definitionID)
	if g != nil {
		if joinID, ok := b.analyzer.JoinBefore(g, currentTaskKey); ok {
			if forkID, ok := b.analyzer.ForkOfJoin(g, joinID); ok {
				targets := b.executedBranchEntries(g, forkID, executed)
				if len(targets) > 0 {
					return b.sendBack(targets, executed), nil
				}
			}
		}
		if forkID, ok := b.analyzer.EnclosingFork(g, currentTaskKey); ok {
			if before, ok := b.analyzer.TaskBeforeFork(g, forkID); ok {
				if _, done := executed[before]; done {
					return b.sendBack([]string{before}, executed), nil
				}
			}
		}
	}

	// naive fallback, latest completed step
	var last TimelineEvent
	for _, e := range completed {
		if e.TaskKey == "" || e.TaskKey == currentTaskKey {
			continue
		}
		last = e
	}
	if last.TaskKey == "" {
		return SendBack{}, nil
	}
	return b.sendBack([]string{last.TaskKey}, executed), nil
}

// completedSteps loads the timeline and keeps genuine completions in append
// order, also reporting the instance's process definition id when any event
// carries it.
func (b *Builder) completedSteps(ctx context.Context, processInstanceID string) ([]TimelineEvent, string, error) {
	events, err := b.store.Events(ctx, processInstanceID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load timeline of instance %s: %w", processInstanceID, err)
	}
	var definitionID string
	completed := make([]TimelineEvent, 0, len(events))
	for _, e := range events {
		if e.ProcessDefinitionID != "" {
			definitionID = e.ProcessDefinitionID
		}
		if e.ActionType != ActionTaskCompleted || e.Skipped() {
			continue
		}
		completed = append(completed, e)
	}
	return completed, definitionID, nil
}

// siblingFilter returns a predicate excluding tasks that sit on a different
// branch of the current task's enclosing fork.
func (b *Builder) siblingFilter(ctx context.Context, definitionID string, currentTaskKey string) func(string) bool {
	keepAll := func(string) bool { return true }
	g := b.graphFor(ctx, definitionID)
	if g == nil {
		return keepAll
	}
	forkID, ok := b.analyzer.EnclosingFork(g, currentTaskKey)
	if !ok {
		return keepAll
	}
	scope := b.analyzer.ScopeOf(g, forkID)
	branch := b.analyzer.BranchTasks(g, currentTaskKey, forkID)
	return func(taskKey string) bool {
		if _, inScope := scope[taskKey]; !inScope {
			return true
		}
		_, sameBranch := branch[taskKey]
		return sameBranch
	}
}

func (b *Builder) graphFor(ctx context.Context, definitionID string) *flow.Graph {
	if definitionID == "" {
		return nil
	}
	g, err := b.engine.ProcessGraph(ctx, definitionID)
	if err != nil {
		b.logger.Warn("failed to load flow graph, movement view degrades to unfiltered", "processDefinitionId", definitionID, "err", err)
		return nil
	}
	return g
}

func (b *Builder) executedBranchEntries(g *flow.Graph, forkID string, executed map[string]TimelineEvent) []string {
	entries := b.analyzer.BranchEntryTasks(g, forkID)
	targets := make([]string, 0, len(entries))
	for key := range entries {
		if _, done := executed[key]; done {
			targets = append(targets, key)
		}
	}
	sort.Strings(targets)
	return targets
}

func (b *Builder) sendBack(targets []string, executed map[string]TimelineEvent) SendBack {
	sb := SendBack{TargetTaskKeys: targets, MultiTarget: len(targets) > 1}
	for _, key := range targets {
		if e, ok := executed[key]; ok && e.ActorID != "" {
			sb.PreviousActorIDs = append(sb.PreviousActorIDs, e.ActorID)
			sb.PreviousActorNames = append(sb.PreviousActorNames, e.ActorName)
		}
	}
	return sb
}
