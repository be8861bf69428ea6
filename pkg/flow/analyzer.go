// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package flow

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

const scopeCacheSize = 512

type scopeKey struct {
	definitionID string
	gatewayID    string
}

type scopeEntry struct {
	joinID string
	tasks  map[string]struct{}
}

// Analyzer answers scope questions about process graphs. Scope computations
// are cached per (definition id, fork id); the cache must be invalidated with
// Invalidate when a definition changes.
//
// All traversals use explicit worklists with locally scoped visited sets, so
// cyclic graphs (loops introduced by send-backs) terminate.
type Analyzer struct {
	scopes *lru.Cache[scopeKey, scopeEntry]

	hits   atomic.Int64
	misses atomic.Int64
}

func NewAnalyzer() *Analyzer {
	cache, err := lru.New[scopeKey, scopeEntry](scopeCacheSize)
	if err != nil {
		// lru.New only fails on non-positive size
		panic(err)
	}
	return &Analyzer{scopes: cache}
}

// EnclosingFork walks incoming edges backward from the task until it meets a
// parallel or inclusive gateway with more than one outgoing edge. A node
// visited twice terminates that branch, so loops do not recurse forever.
// Returns false when the task has no enclosing fork.
func (a *Analyzer) EnclosingFork(g *Graph, taskKey string) (string, bool) {
	start, ok := g.Node(taskKey)
	if !ok {
		return "", false
	}
	visited := map[string]struct{}{}
	stack := []*FlowNode{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[n.ID]; seen {
			continue
		}
		visited[n.ID] = struct{}{}
		for _, pred := range g.Predecessors(n.ID) {
			if pred.IsFork() {
				return pred.ID, true
			}
			stack = append(stack, pred)
		}
	}
	return "", false
}

// JoinFor finds the join gateway matching a fork: a breadth-first traversal
// forward from the fork's successors, stopping at the first parallel or
// inclusive gateway with more than one incoming edge. Returns false for
// open-ended forks whose branches end independently.
func (a *Analyzer) JoinFor(g *Graph, forkID string) (string, bool) {
	fork, ok := g.Node(forkID)
	if !ok {
		return "", false
	}
	visited := map[string]struct{}{}
	queue := g.Successors(fork.ID)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if _, seen := visited[n.ID]; seen {
			continue
		}
		visited[n.ID] = struct{}{}
		if n.IsJoin() {
			return n.ID, true
		}
		queue = append(queue, g.Successors(n.ID)...)
	}
	return "", false
}

// ScopeOf returns the task keys on every branch between the fork and its
// matching join. Nested gateways are traversed through; their tasks belong to
// the outer scope as well. A non-fork gateway id yields an empty scope.
func (a *Analyzer) ScopeOf(g *Graph, forkID string) map[string]struct{} {
	entry := a.scope(g, forkID)
	// copy on return, callers may mutate
	tasks := make(map[string]struct{}, len(entry.tasks))
	for k := range entry.tasks {
		tasks[k] = struct{}{}
	}
	return tasks
}

func (a *Analyzer) scope(g *Graph, forkID string) scopeEntry {
	key := scopeKey{definitionID: g.definitionID, gatewayID: forkID}
	if entry, ok := a.scopes.Get(key); ok {
		a.hits.Add(1)
		return entry
	}
	a.misses.Add(1)
	entry := a.computeScope(g, forkID)
	a.scopes.Add(key, entry)
	return entry
}

func (a *Analyzer) computeScope(g *Graph, forkID string) scopeEntry {
	fork, ok := g.Node(forkID)
	if !ok || !fork.IsFork() {
		return scopeEntry{tasks: map[string]struct{}{}}
	}
	joinID, _ := a.JoinFor(g, forkID)

	tasks := map[string]struct{}{}
	visited := map[string]struct{}{}
	stack := g.Successors(fork.ID)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.ID == joinID {
			continue
		}
		if _, seen := visited[n.ID]; seen {
			continue
		}
		visited[n.ID] = struct{}{}
		if n.IsTask() {
			tasks[n.ID] = struct{}{}
		}
		stack = append(stack, g.Successors(n.ID)...)
	}
	return scopeEntry{joinID: joinID, tasks: tasks}
}

// InScope reports whether a task key belongs to the fork's scope.
func (a *Analyzer) InScope(g *Graph, forkID string, taskKey string) bool {
	_, ok := a.scope(g, forkID).tasks[taskKey]
	return ok
}

// TaskBeforeFork walks backward from the fork and returns the first task met.
// Used by send-back resolution when the current task sits inside a branch:
// the only legitimate return point is the step taken before the split.
func (a *Analyzer) TaskBeforeFork(g *Graph, forkID string) (string, bool) {
	start, ok := g.Node(forkID)
	if !ok {
		return "", false
	}
	visited := map[string]struct{}{}
	stack := []*FlowNode{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[n.ID]; seen {
			continue
		}
		visited[n.ID] = struct{}{}
		for _, pred := range g.Predecessors(n.ID) {
			if pred.IsTask() {
				return pred.ID, true
			}
			stack = append(stack, pred)
		}
	}
	return "", false
}

// BranchEntryTasks returns, for every branch between the fork and its join,
// the first task of the branch. A task that directly feeds a nested fork is
// not an entry task itself; the nested branches contribute theirs instead,
// and traversal continues after the nested join.
func (a *Analyzer) BranchEntryTasks(g *Graph, forkID string) map[string]struct{} {
	fork, ok := g.Node(forkID)
	if !ok || !fork.IsFork() {
		return map[string]struct{}{}
	}
	joinID, _ := a.JoinFor(g, forkID)

	entries := map[string]struct{}{}
	visited := map[string]struct{}{}
	stack := g.Successors(fork.ID)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.ID == joinID {
			continue
		}
		if _, seen := visited[n.ID]; seen {
			continue
		}
		visited[n.ID] = struct{}{}
		if n.IsTask() {
			feedsNestedFork := false
			for _, succ := range g.Successors(n.ID) {
				if succ.IsFork() {
					feedsNestedFork = true
					stack = append(stack, succ)
				}
			}
			if !feedsNestedFork {
				entries[n.ID] = struct{}{}
			}
			// branches stop at their first task
			continue
		}
		stack = append(stack, g.Successors(n.ID)...)
	}
	return entries
}

// BranchTasks collects the tasks on the same branch as the given task: a
// backward walk from the task that stops at the fork. Tasks behind a nested
// join all executed before the task and count as the same branch.
func (a *Analyzer) BranchTasks(g *Graph, taskKey string, forkID string) map[string]struct{} {
	tasks := map[string]struct{}{}
	start, ok := g.Node(taskKey)
	if !ok {
		return tasks
	}
	visited := map[string]struct{}{}
	stack := []*FlowNode{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.ID == forkID {
			continue
		}
		if _, seen := visited[n.ID]; seen {
			continue
		}
		visited[n.ID] = struct{}{}
		if n.IsTask() {
			tasks[n.ID] = struct{}{}
		}
		stack = append(stack, g.Predecessors(n.ID)...)
	}
	return tasks
}

// JoinBefore returns the join gateway directly preceding the task, if any.
func (a *Analyzer) JoinBefore(g *Graph, taskKey string) (string, bool) {
	for _, pred := range g.Predecessors(taskKey) {
		if pred.IsJoin() {
			return pred.ID, true
		}
	}
	return "", false
}

// ForkOfJoin walks backward from a join looking for the fork whose matching
// join is the given one.
func (a *Analyzer) ForkOfJoin(g *Graph, joinID string) (string, bool) {
	start, ok := g.Node(joinID)
	if !ok {
		return "", false
	}
	visited := map[string]struct{}{}
	queue := g.Predecessors(start.ID)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if _, seen := visited[n.ID]; seen {
			continue
		}
		visited[n.ID] = struct{}{}
		if n.IsFork() {
			if j, ok := a.JoinFor(g, n.ID); ok && j == joinID {
				return n.ID, true
			}
		}
		queue = append(queue, g.Predecessors(n.ID)...)
	}
	return "", false
}

// Invalidate drops all cached scopes of a process definition.
func (a *Analyzer) Invalidate(definitionID string) {
	for _, key := range a.scopes.Keys() {
		if key.definitionID == definitionID {
			a.scopes.Remove(key)
		}
	}
}

// CacheStats reports scope cache hit counters, exposed on the status endpoint.
func (a *Analyzer) CacheStats() (hits, misses int64) {
	return a.hits.Load(), a.misses.Load()
}
