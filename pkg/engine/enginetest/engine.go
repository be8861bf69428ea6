// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package enginetest provides an in-memory engine.Client for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pbinitiative/zenroute/pkg/engine"
	"github.com/pbinitiative/zenroute/pkg/flow"
)

// Engine is a fake engine.Client. Seed it with graphs and tasks, then assert
// on Cancelled and Completed after exercising the code under test.
type Engine struct {
	mu sync.Mutex

	graphs    map[string]*flow.Graph
	tasks     map[string]engine.TaskRef
	variables map[string]map[string]any
	terminal  map[string]bool

	Cancelled []string
	Completed map[string]map[string]any

	// GraphErr makes ProcessGraph fail, exercising fail-open paths.
	GraphErr error
}

var _ engine.Client = (*Engine)(nil)

func New() *Engine {
	return &Engine{
		graphs:    map[string]*flow.Graph{},
		tasks:     map[string]engine.TaskRef{},
		variables: map[string]map[string]any{},
		terminal:  map[string]bool{},
		Completed: map[string]map[string]any{},
	}
}

func (e *Engine) AddGraph(processDefinitionID string, g *flow.Graph) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graphs[processDefinitionID] = g
}

func (e *Engine) AddTask(task engine.TaskRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks[task.ID] = task
}

func (e *Engine) ProcessGraph(ctx context.Context, processDefinitionID string) (*flow.Graph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.GraphErr != nil {
		return nil, e.GraphErr
	}
	g, ok := e.graphs[processDefinitionID]
	if !ok {
		return nil, fmt.Errorf("process definition %s not deployed", processDefinitionID)
	}
	return g, nil
}

func (e *Engine) Task(ctx context.Context, taskID string) (engine.TaskRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return engine.TaskRef{}, engine.ErrTaskNotFound
	}
	return t, nil
}

func (e *Engine) ActiveTasks(ctx context.Context, processInstanceID string) ([]engine.TaskRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var active []engine.TaskRef
	for _, t := range e.tasks {
		if t.ProcessInstanceID == processInstanceID && !e.terminal[t.ID] {
			active = append(active, t)
		}
	}
	return active, nil
}

// CancelTask is idempotent like the real engine: cancelling an already
// terminal task succeeds without being recorded twice.
func (e *Engine) CancelTask(ctx context.Context, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal[taskID] {
		return nil
	}
	e.terminal[taskID] = true
	e.Cancelled = append(e.Cancelled, taskID)
	return nil
}

func (e *Engine) CompleteTask(ctx context.Context, taskID string, variables map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal[taskID] {
		return nil
	}
	e.terminal[taskID] = true
	e.Completed[taskID] = variables
	return nil
}

func (e *Engine) Variable(ctx context.Context, processInstanceID string, name string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.variables[processInstanceID][name], nil
}

func (e *Engine) SetVariable(ctx context.Context, processInstanceID string, name string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	vars, ok := e.variables[processInstanceID]
	if !ok {
		vars = map[string]any{}
		e.variables[processInstanceID] = vars
	}
	vars[name] = value
	return nil
}
