// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbinitiative/zenroute/pkg/engine/enginetest"
	"github.com/pbinitiative/zenroute/pkg/flow"
	"github.com/pbinitiative/zenroute/pkg/flow/flowtest"
)

type memTimeline struct {
	mu     sync.Mutex
	events map[string][]TimelineEvent
}

func newMemTimeline() *memTimeline {
	return &memTimeline{events: map[string][]TimelineEvent{}}
}

func (s *memTimeline) AppendEvent(ctx context.Context, event TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ProcessInstanceID] = append(s.events[event.ProcessInstanceID], event)
	return nil
}

func (s *memTimeline) Events(ctx context.Context, processInstanceID string) ([]TimelineEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TimelineEvent(nil), s.events[processInstanceID]...), nil
}

// start -> T0 -> fork -> (A | B) -> join -> D
func approvalGraph() *flow.Graph {
	return flowtest.MustGraph("def-1", map[string]flow.NodeKind{
		"start": flow.KindEvent,
		"T0":    flow.KindTask,
		"fork":  flow.KindParallelGateway,
		"A":     flow.KindTask,
		"B":     flow.KindTask,
		"join":  flow.KindParallelGateway,
		"D":     flow.KindTask,
	}, [][2]string{
		{"start", "T0"},
		{"T0", "fork"},
		{"fork", "A"}, {"fork", "B"},
		{"A", "join"}, {"B", "join"},
		{"join", "D"},
	})
}

func completedEvent(instID, taskKey, actorID string, at time.Time) TimelineEvent {
	return TimelineEvent{
		ProcessInstanceID:   instID,
		ProcessDefinitionID: "def-1",
		ActionType:          ActionTaskCompleted,
		TaskKey:             taskKey,
		TaskName:            "Task " + taskKey,
		ActorID:             actorID,
		ActorName:           "Actor " + actorID,
		CreatedAt:           at,
	}
}

func newTestBuilder(t *testing.T) (*Builder, *memTimeline, *enginetest.Engine) {
	t.Helper()
	store := newMemTimeline()
	fake := enginetest.New()
	fake.AddGraph("def-1", approvalGraph())
	return NewBuilder(store, fake, flow.NewAnalyzer()), store, fake
}

func TestMovementHistoryChronologicalWithCurrent(t *testing.T) {
	// given
	b, store, _ := newTestBuilder(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendEvent(ctx, completedEvent("inst-1", "T0", "u1", base)))
	require.NoError(t, store.AppendEvent(ctx, completedEvent("inst-1", "A", "u2", base.Add(time.Hour))))

	// when
	movement, err := b.MovementHistory(ctx, "inst-1", "D")

	// then
	require.NoError(t, err)
	require.Len(t, movement.History, 3)
	assert.Equal(t, "T0", movement.History[0].TaskKey)
	assert.Equal(t, "A", movement.History[1].TaskKey)
	assert.True(t, movement.History[2].Current)
	assert.Equal(t, "D", movement.History[2].TaskKey)
}

func TestMovementHistoryFiltersSkippedAndDedupes(t *testing.T) {
	b, store, _ := newTestBuilder(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendEvent(ctx, completedEvent("inst-1", "T0", "u1", base)))
	// policy cancellation shows as completed with skipped metadata
	skipped := completedEvent("inst-1", "B", "", base.Add(time.Minute))
	skipped.Metadata = map[string]string{"skipped": "true"}
	require.NoError(t, store.AppendEvent(ctx, skipped))
	// T0 completed twice after a send-back; the later one wins
	require.NoError(t, store.AppendEvent(ctx, completedEvent("inst-1", "T0", "u3", base.Add(2*time.Hour))))

	movement, err := b.MovementHistory(ctx, "inst-1", "D")

	require.NoError(t, err)
	require.Len(t, movement.ReturnPoints, 1)
	assert.Equal(t, "T0", movement.ReturnPoints[0].TaskKey)
	assert.Equal(t, "u3", movement.ReturnPoints[0].ActorID)
	for _, entry := range movement.History {
		assert.NotEqual(t, "B", entry.TaskKey)
	}
}

func TestMovementHistoryExcludesSiblingBranch(t *testing.T) {
	b, store, _ := newTestBuilder(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendEvent(ctx, completedEvent("inst-1", "T0", "u1", base)))
	require.NoError(t, store.AppendEvent(ctx, completedEvent("inst-1", "A", "u2", base.Add(time.Hour))))

	// current task B runs on the sibling branch of completed A
	movement, err := b.MovementHistory(ctx, "inst-1", "B")

	require.NoError(t, err)
	keys := make([]string, 0, len(movement.ReturnPoints))
	for _, p := range movement.ReturnPoints {
		keys = append(keys, p.TaskKey)
	}
	assert.Equal(t, []string{"T0"}, keys)
}

func TestMovementHistoryGraphErrorDegradesToUnfiltered(t *testing.T) {
	b, store, fake := newTestBuilder(t)
	fake.GraphErr = assert.AnError
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendEvent(ctx, completedEvent("inst-1", "T0", "u1", base)))
	require.NoError(t, store.AppendEvent(ctx, completedEvent("inst-1", "A", "u2", base.Add(time.Hour))))

	movement, err := b.MovementHistory(ctx, "inst-1", "B")

	require.NoError(t, err)
	assert.Len(t, movement.ReturnPoints, 2)
}

func TestSendBackAfterJoinFansOutToExecutedBranches(t *testing.T) {
	b, store, _ := newTestBuilder(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendEvent(ctx, completedEvent("inst-1", "T0", "u1", base)))
	require.NoError(t, store.AppendEvent(ctx, completedEvent("inst-1", "A", "u2", base.Add(time.Hour))))
	require.NoError(t, store.AppendEvent(ctx, completedEvent("inst-1", "B", "u3", base.Add(2*time.Hour))))

	sb, err := b.SendBackTargets(ctx, "inst-1", "D")

	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, sb.TargetTaskKeys)
	assert.True(t, sb.MultiTarget)
	assert.Equal(t, []string{"u2", "u3"}, sb.PreviousActorIDs)
}

func TestSendBackAfterJoinSkipsCancelledBranch(t *testing.T) {
	b, store, _ := newTestBuilder(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendEvent(ctx, completedEvent("inst-1", "A", "u2", base)))
	cancelled := completedEvent("inst-1", "B", "", base.Add(time.Minute))
	cancelled.Metadata = map[string]string{"skipped": "true"}
	require.NoError(t, store.AppendEvent(ctx, cancelled))

	sb, err := b.SendBackTargets(ctx, "inst-1", "D")

	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, sb.TargetTaskKeys)
	assert.False(t, sb.MultiTarget)
}

func TestSendBackInsideBranchTargetsTaskBeforeFork(t *testing.T) {
	b, store, _ := newTestBuilder(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendEvent(ctx, completedEvent("inst-1", "T0", "u1", base)))

	sb, err := b.SendBackTargets(ctx, "inst-1", "A")

	require.NoError(t, err)
	assert.Equal(t, []string{"T0"}, sb.TargetTaskKeys)
	assert.False(t, sb.MultiTarget)
	assert.Equal(t, []string{"u1"}, sb.PreviousActorIDs)
}

func TestSendBackFallsBackToLatestHistory(t *testing.T) {
	b, store, fake := newTestBuilder(t)
	fake.GraphErr = assert.AnError
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendEvent(ctx, completedEvent("inst-1", "T0", "u1", base)))
	require.NoError(t, store.AppendEvent(ctx, completedEvent("inst-1", "A", "u2", base.Add(time.Hour))))

	sb, err := b.SendBackTargets(ctx, "inst-1", "D")

	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, sb.TargetTaskKeys)
}

func TestSendBackNoHistoryReturnsEmpty(t *testing.T) {
	b, _, _ := newTestBuilder(t)

	sb, err := b.SendBackTargets(context.Background(), "inst-1", "T0")

	require.NoError(t, err)
	assert.Empty(t, sb.TargetTaskKeys)
}

func TestRecorderStampsKeyAndTime(t *testing.T) {
	store := newMemTimeline()
	recorder, err := NewRecorder(store)
	require.NoError(t, err)

	event, err := recorder.Record(context.Background(), TimelineEvent{
		ProcessInstanceID: "inst-1",
		ActionType:        ActionTaskCreated,
		TaskKey:           "T0",
	})

	require.NoError(t, err)
	assert.NotEmpty(t, event.Key)
	assert.False(t, event.CreatedAt.IsZero())
	stored, _ := store.Events(context.Background(), "inst-1")
	require.Len(t, stored, 1)
	assert.Equal(t, event.Key, stored[0].Key)
}
