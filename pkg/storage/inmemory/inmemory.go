// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package inmemory is the default storage backend: process-local maps guarded
// by a single RW mutex. Suitable for single-node deployments and tests.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pbinitiative/zenroute/pkg/assignment"
	"github.com/pbinitiative/zenroute/pkg/decision"
	"github.com/pbinitiative/zenroute/pkg/history"
	"github.com/pbinitiative/zenroute/pkg/routing"
	"github.com/pbinitiative/zenroute/pkg/storage"
	"github.com/pbinitiative/zenroute/pkg/voting"
)

type Store struct {
	mu sync.RWMutex

	gatewayConfigs    map[string]routing.GatewayConfig
	assignmentConfigs map[string]assignment.Config
	rules             map[string]decision.RuleSet
	votes             map[string][]voting.Vote
	votingConfigs     map[string]voting.Config
	timelines         map[string][]history.TimelineEvent
}

var _ storage.Storage = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		gatewayConfigs:    map[string]routing.GatewayConfig{},
		assignmentConfigs: map[string]assignment.Config{},
		rules:             map[string]decision.RuleSet{},
		votes:             map[string][]voting.Vote{},
		votingConfigs:     map[string]voting.Config{},
		timelines:         map[string][]history.TimelineEvent{},
	}
}

func scopedKey(topicID, id string) string {
	return fmt.Sprintf("%s/%s", topicID, id)
}

func (s *Store) GatewayConfig(ctx context.Context, topicID string, gatewayID string) (routing.GatewayConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.gatewayConfigs[scopedKey(topicID, gatewayID)]
	if !ok {
		return routing.GatewayConfig{}, fmt.Errorf("gateway config %s/%s: %w", topicID, gatewayID, storage.ErrNotFound)
	}
	return cfg, nil
}

func (s *Store) GatewayConfigs(ctx context.Context, topicID string) ([]routing.GatewayConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := topicID + "/"
	var configs []routing.GatewayConfig
	for key, cfg := range s.gatewayConfigs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			configs = append(configs, cfg)
		}
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].GatewayID < configs[j].GatewayID })
	return configs, nil
}

func (s *Store) SaveGatewayConfig(ctx context.Context, topicID string, cfg routing.GatewayConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gatewayConfigs[scopedKey(topicID, cfg.GatewayID)] = cfg
	return nil
}

func (s *Store) DeleteGatewayConfig(ctx context.Context, topicID string, gatewayID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.gatewayConfigs, scopedKey(topicID, gatewayID))
	return nil
}

func (s *Store) AssignmentConfig(ctx context.Context, topicID string, taskKey string) (assignment.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.assignmentConfigs[scopedKey(topicID, taskKey)]
	if !ok {
		return assignment.Config{}, fmt.Errorf("assignment config %s/%s: %w", topicID, taskKey, storage.ErrNotFound)
	}
	return cfg, nil
}

func (s *Store) SaveAssignmentConfig(ctx context.Context, topicID string, taskKey string, cfg assignment.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignmentConfigs[scopedKey(topicID, taskKey)] = cfg
	return nil
}

func (s *Store) GatewayRules(ctx context.Context, topicID string, gatewayKey string) (decision.RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules, ok := s.rules[scopedKey(topicID, gatewayKey)]
	if !ok {
		return decision.RuleSet{}, fmt.Errorf("gateway rules %s/%s: %w", topicID, gatewayKey, storage.ErrNotFound)
	}
	return rules, nil
}

func (s *Store) SaveGatewayRules(ctx context.Context, topicID string, rules decision.RuleSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[scopedKey(topicID, rules.GatewayKey)] = rules
	return nil
}

func (s *Store) Votes(ctx context.Context, taskID string) ([]voting.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]voting.Vote(nil), s.votes[taskID]...), nil
}

func (s *Store) AppendVote(ctx context.Context, taskID string, vote voting.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes[taskID] = append(s.votes[taskID], vote)
	return nil
}

func (s *Store) VotingConfig(ctx context.Context, taskID string) (voting.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.votingConfigs[taskID]
	if !ok {
		return voting.Config{}, fmt.Errorf("voting config of task %s: %w", taskID, storage.ErrNotFound)
	}
	return cfg, nil
}

func (s *Store) SaveVotingConfig(ctx context.Context, taskID string, cfg voting.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votingConfigs[taskID] = cfg
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, event history.TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timelines[event.ProcessInstanceID] = append(s.timelines[event.ProcessInstanceID], event)
	return nil
}

func (s *Store) Events(ctx context.Context, processInstanceID string) ([]history.TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]history.TimelineEvent(nil), s.timelines[processInstanceID]...), nil
}
