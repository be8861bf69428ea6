// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package routing

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbinitiative/zenroute/pkg/engine"
	"github.com/pbinitiative/zenroute/pkg/engine/enginetest"
	"github.com/pbinitiative/zenroute/pkg/flow"
	"github.com/pbinitiative/zenroute/pkg/flow/flowtest"
	"github.com/pbinitiative/zenroute/pkg/history"
)

type memConfigs struct {
	mu      sync.Mutex
	configs map[string]GatewayConfig
}

func newMemConfigs() *memConfigs {
	return &memConfigs{configs: map[string]GatewayConfig{}}
}

func (s *memConfigs) key(topicID, gatewayID string) string { return topicID + "/" + gatewayID }

func (s *memConfigs) GatewayConfig(ctx context.Context, topicID string, gatewayID string) (GatewayConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[s.key(topicID, gatewayID)]
	if !ok {
		return GatewayConfig{}, assert.AnError
	}
	return cfg, nil
}

func (s *memConfigs) GatewayConfigs(ctx context.Context, topicID string) ([]GatewayConfig, error) {
	return nil, nil
}

func (s *memConfigs) SaveGatewayConfig(ctx context.Context, topicID string, cfg GatewayConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[s.key(topicID, cfg.GatewayID)] = cfg
	return nil
}

func (s *memConfigs) DeleteGatewayConfig(ctx context.Context, topicID string, gatewayID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, s.key(topicID, gatewayID))
	return nil
}

type memTimeline struct {
	mu     sync.Mutex
	events map[string][]history.TimelineEvent
}

func newMemTimeline() *memTimeline {
	return &memTimeline{events: map[string][]history.TimelineEvent{}}
}

func (s *memTimeline) AppendEvent(ctx context.Context, event history.TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ProcessInstanceID] = append(s.events[event.ProcessInstanceID], event)
	return nil
}

func (s *memTimeline) Events(ctx context.Context, processInstanceID string) ([]history.TimelineEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]history.TimelineEvent(nil), s.events[processInstanceID]...), nil
}

// start -> fork -> (A | B | C) -> join -> D
func parallelGraph() *flow.Graph {
	return flowtest.MustGraph("def-1", map[string]flow.NodeKind{
		"start": flow.KindEvent,
		"fork":  flow.KindParallelGateway,
		"A":     flow.KindTask,
		"B":     flow.KindTask,
		"C":     flow.KindTask,
		"join":  flow.KindParallelGateway,
		"D":     flow.KindTask,
	}, [][2]string{
		{"start", "fork"},
		{"fork", "A"}, {"fork", "B"}, {"fork", "C"},
		{"A", "join"}, {"B", "join"}, {"C", "join"},
		{"join", "D"},
	})
}

type fixture struct {
	policy   *PolicyEngine
	fake     *enginetest.Engine
	configs  *memConfigs
	timeline *memTimeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := enginetest.New()
	fake.AddGraph("def-1", parallelGraph())
	fake.AddTask(engine.TaskRef{ID: "t-a", TaskDefinitionKey: "A", Name: "Task A", ProcessInstanceID: "inst-1", ProcessDefinitionID: "def-1"})
	fake.AddTask(engine.TaskRef{ID: "t-b", TaskDefinitionKey: "B", Name: "Task B", ProcessInstanceID: "inst-1", ProcessDefinitionID: "def-1"})
	fake.AddTask(engine.TaskRef{ID: "t-c", TaskDefinitionKey: "C", Name: "Task C", ProcessInstanceID: "inst-1", ProcessDefinitionID: "def-1"})
	configs := newMemConfigs()
	timeline := newMemTimeline()
	recorder, err := history.NewRecorder(timeline)
	require.NoError(t, err)
	return &fixture{
		policy:   NewPolicyEngine(fake, flow.NewAnalyzer(), configs, timeline, recorder),
		fake:     fake,
		configs:  configs,
		timeline: timeline,
	}
}

func TestAnyModeCancelsSiblings(t *testing.T) {
	// given
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.configs.SaveGatewayConfig(ctx, "def-1", GatewayConfig{
		GatewayID: "fork", CompletionMode: ModeAny, CancelRemaining: true,
	}))

	// when
	cancelled, err := f.policy.OnBranchCompleted(ctx, "inst-1", "t-a")

	// then
	require.NoError(t, err)
	require.Len(t, cancelled, 2)
	assert.Equal(t, "B", cancelled[0].TaskDefinitionKey)
	assert.Equal(t, "C", cancelled[1].TaskDefinitionKey)
	assert.ElementsMatch(t, []string{"t-b", "t-c"}, f.fake.Cancelled)

	events, _ := f.timeline.Events(ctx, "inst-1")
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, history.ActionTaskCancelled, e.ActionType)
		assert.True(t, e.Skipped())
		assert.Equal(t, "fork", e.Metadata["gatewayId"])
	}
}

func TestAnyModeWithoutCancelRemainingCancelsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.configs.SaveGatewayConfig(ctx, "def-1", GatewayConfig{
		GatewayID: "fork", CompletionMode: ModeAny, CancelRemaining: false,
	}))

	cancelled, err := f.policy.OnBranchCompleted(ctx, "inst-1", "t-a")

	require.NoError(t, err)
	assert.Empty(t, cancelled)
	assert.Empty(t, f.fake.Cancelled)
}

func TestMissingConfigDefaultsToAll(t *testing.T) {
	f := newFixture(t)

	cancelled, err := f.policy.OnBranchCompleted(context.Background(), "inst-1", "t-a")

	require.NoError(t, err)
	assert.Empty(t, cancelled)
	assert.Empty(t, f.fake.Cancelled)
}

func TestAllModeCancelsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.configs.SaveGatewayConfig(ctx, "def-1", GatewayConfig{
		GatewayID: "fork", CompletionMode: ModeAll, CancelRemaining: true,
	}))

	cancelled, err := f.policy.OnBranchCompleted(ctx, "inst-1", "t-a")

	require.NoError(t, err)
	assert.Empty(t, cancelled)
}

func TestSameTaskKeySiblingsSurvive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// second parallel instance of task key A
	f.fake.AddTask(engine.TaskRef{ID: "t-a2", TaskDefinitionKey: "A", Name: "Task A", ProcessInstanceID: "inst-1", ProcessDefinitionID: "def-1"})
	require.NoError(t, f.configs.SaveGatewayConfig(ctx, "def-1", GatewayConfig{
		GatewayID: "fork", CompletionMode: ModeAny, CancelRemaining: true,
	}))

	_, err := f.policy.OnBranchCompleted(ctx, "inst-1", "t-a")

	require.NoError(t, err)
	assert.NotContains(t, f.fake.Cancelled, "t-a2")
	assert.NotContains(t, f.fake.Cancelled, "t-a")
}

func TestTaskOutsideScopeSurvives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.AddTask(engine.TaskRef{ID: "t-d", TaskDefinitionKey: "D", Name: "Task D", ProcessInstanceID: "inst-1", ProcessDefinitionID: "def-1"})
	require.NoError(t, f.configs.SaveGatewayConfig(ctx, "def-1", GatewayConfig{
		GatewayID: "fork", CompletionMode: ModeAny, CancelRemaining: true,
	}))

	_, err := f.policy.OnBranchCompleted(ctx, "inst-1", "t-a")

	require.NoError(t, err)
	assert.NotContains(t, f.fake.Cancelled, "t-d")
}

func TestTaskWithoutEnclosingForkIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.fake.AddTask(engine.TaskRef{ID: "t-d", TaskDefinitionKey: "D", ProcessInstanceID: "inst-1", ProcessDefinitionID: "def-1"})

	cancelled, err := f.policy.OnBranchCompleted(context.Background(), "inst-1", "t-d")

	require.NoError(t, err)
	assert.Empty(t, cancelled)
}

func TestThresholdDefersUntilMinimumReached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.configs.SaveGatewayConfig(ctx, "def-1", GatewayConfig{
		GatewayID: "fork", CompletionMode: ModeThreshold, MinimumRequired: 2, CancelRemaining: true,
	}))

	// first completion, threshold not reached
	cancelled, err := f.policy.OnBranchCompleted(ctx, "inst-1", "t-a")
	require.NoError(t, err)
	assert.Empty(t, cancelled)

	require.NoError(t, f.timeline.AppendEvent(ctx, history.TimelineEvent{
		ProcessInstanceID: "inst-1", ActionType: history.ActionTaskCompleted, TaskKey: "A",
	}))
	require.NoError(t, f.fake.CompleteTask(ctx, "t-a", nil))

	// second completion reaches the threshold
	cancelled, err = f.policy.OnBranchCompleted(ctx, "inst-1", "t-b")
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "C", cancelled[0].TaskDefinitionKey)
}

func TestThresholdIgnoresSkippedCompletions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.configs.SaveGatewayConfig(ctx, "def-1", GatewayConfig{
		GatewayID: "fork", CompletionMode: ModeThreshold, MinimumRequired: 2, CancelRemaining: true,
	}))
	require.NoError(t, f.timeline.AppendEvent(ctx, history.TimelineEvent{
		ProcessInstanceID: "inst-1", ActionType: history.ActionTaskCompleted, TaskKey: "B",
		Metadata: map[string]string{"skipped": "true"},
	}))

	cancelled, err := f.policy.OnBranchCompleted(ctx, "inst-1", "t-a")

	require.NoError(t, err)
	assert.Empty(t, cancelled)
}

func TestExecutionStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.configs.SaveGatewayConfig(ctx, "def-1", GatewayConfig{
		GatewayID: "fork", CompletionMode: ModeThreshold, MinimumRequired: 2,
	}))
	require.NoError(t, f.timeline.AppendEvent(ctx, history.TimelineEvent{
		ProcessInstanceID: "inst-1", ProcessDefinitionID: "def-1",
		ActionType: history.ActionTaskCompleted, TaskKey: "A",
	}))
	require.NoError(t, f.fake.CancelTask(ctx, "t-a"))

	status, err := f.policy.ExecutionStatus(ctx, "inst-1", "fork")

	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, status.ScopeTaskKeys)
	assert.Equal(t, []string{"A"}, status.CompletedTaskKeys)
	assert.Equal(t, []string{"B", "C"}, status.ActiveTaskKeys)
	assert.Equal(t, 2, status.Required)
	assert.False(t, status.Satisfied)
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(GatewayConfig{GatewayID: "g", CompletionMode: ModeAny}))
	assert.NoError(t, ValidateConfig(GatewayConfig{GatewayID: "g", CompletionMode: ModeThreshold, MinimumRequired: 2}))
	assert.Error(t, ValidateConfig(GatewayConfig{GatewayID: "g", CompletionMode: ModeThreshold}))
	assert.Error(t, ValidateConfig(GatewayConfig{GatewayID: "g", CompletionMode: ModeThreshold, MinimumRequired: 4, TotalIncomingFlows: 3}))
	assert.Error(t, ValidateConfig(GatewayConfig{GatewayID: "g", CompletionMode: "SOME"}))
}
