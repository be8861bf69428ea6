// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package history records the movement timeline of process instances and
// derives the send-back view from it: where a task has been, and where it may
// legitimately return to.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

type ActionType string

const (
	ActionProcessStarted   ActionType = "PROCESS_STARTED"
	ActionProcessCompleted ActionType = "PROCESS_COMPLETED"
	ActionTaskCreated      ActionType = "TASK_CREATED"
	ActionTaskCompleted    ActionType = "TASK_COMPLETED"
	ActionTaskCancelled    ActionType = "TASK_CANCELLED"
	ActionTaskSentBack     ActionType = "TASK_SENT_BACK"
)

// TimelineEvent is one append-only record of instance movement. Metadata
// carries flags like skipped=true for policy cancellations that must not show
// up as real movement.
type TimelineEvent struct {
	Key                 string            `json:"key"`
	ProcessInstanceID   string            `json:"processInstanceId"`
	ProcessDefinitionID string            `json:"processDefinitionId,omitempty"`
	ActionType          ActionType        `json:"actionType"`
	TaskID              string            `json:"taskId,omitempty"`
	TaskKey             string            `json:"taskKey,omitempty"`
	TaskName            string            `json:"taskName,omitempty"`
	ActorID             string            `json:"actorId,omitempty"`
	ActorName           string            `json:"actorName,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
}

// Skipped reports whether the event was produced by a completion policy
// cancelling a sibling rather than by a human acting on the task.
func (e TimelineEvent) Skipped() bool {
	return e.Metadata["skipped"] == "true"
}

// Store is the append-only timeline persistence. Events returns events in
// append order.
type Store interface {
	AppendEvent(ctx context.Context, event TimelineEvent) error
	Events(ctx context.Context, processInstanceID string) ([]TimelineEvent, error)
}

// Recorder stamps events with a unique sortable key before appending them.
type Recorder struct {
	store Store
	node  *snowflake.Node
}

func NewRecorder(store Store) (*Recorder, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}
	return &Recorder{store: store, node: node}, nil
}

// Record fills Key and CreatedAt and appends the event.
func (r *Recorder) Record(ctx context.Context, event TimelineEvent) (TimelineEvent, error) {
	event.Key = r.node.Generate().String()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if err := r.store.AppendEvent(ctx, event); err != nil {
		return TimelineEvent{}, fmt.Errorf("failed to append timeline event: %w", err)
	}
	return event, nil
}
