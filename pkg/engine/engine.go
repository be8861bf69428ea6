// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package engine defines the port to the external BPMN engine that executes
// tokens. ZenRoute only decides which tasks to create candidates for and which
// tasks to cancel; the engine owns task state and token movement.
package engine

import (
	"context"
	"errors"

	"github.com/pbinitiative/zenroute/pkg/flow"
)

var (
	ErrTaskNotFound = errors.New("task not found")
)

// TaskRef identifies a live task of a process instance.
type TaskRef struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	TaskDefinitionKey   string `json:"taskDefinitionKey"`
	ProcessInstanceID   string `json:"processInstanceId"`
	ProcessDefinitionID string `json:"processDefinitionId"`
}

// Client is the set of engine primitives the routing core consumes.
//
// CancelTask and CompleteTask must be idempotent: cancelling or completing a
// task that is already terminal is a no-op, not an error. Concurrent sibling
// completions race on the active task list; the engine's own row versioning is
// the arbiter and this core treats "already terminal" as success.
type Client interface {
	// ProcessGraph returns the immutable flow graph of a deployed definition.
	ProcessGraph(ctx context.Context, processDefinitionID string) (*flow.Graph, error)

	// Task resolves a single task by id.
	Task(ctx context.Context, taskID string) (TaskRef, error)

	// ActiveTasks lists the currently active tasks of a process instance.
	ActiveTasks(ctx context.Context, processInstanceID string) ([]TaskRef, error)

	CancelTask(ctx context.Context, taskID string) error
	CompleteTask(ctx context.Context, taskID string, variables map[string]any) error

	Variable(ctx context.Context, processInstanceID string, name string) (any, error)
	SetVariable(ctx context.Context, processInstanceID string, name string, value any) error
}
