// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package redis is the shared storage backend: configs live in hashes per
// topic, votes and timelines in append-only lists. Values are JSON.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pbinitiative/zenroute/pkg/assignment"
	"github.com/pbinitiative/zenroute/pkg/decision"
	"github.com/pbinitiative/zenroute/pkg/history"
	"github.com/pbinitiative/zenroute/pkg/routing"
	"github.com/pbinitiative/zenroute/pkg/storage"
	"github.com/pbinitiative/zenroute/pkg/voting"
)

const keyPrefix = "zenroute"

type Store struct {
	client *goredis.Client
}

var _ storage.Storage = (*Store)(nil)

func NewStore(addr string, password string, db int) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func gatewayConfigKey(topicID string) string {
	return fmt.Sprintf("%s:gateway-configs:%s", keyPrefix, topicID)
}

func assignmentConfigKey(topicID string) string {
	return fmt.Sprintf("%s:assignment-configs:%s", keyPrefix, topicID)
}

func rulesKey(topicID string) string {
	return fmt.Sprintf("%s:gateway-rules:%s", keyPrefix, topicID)
}

func votesKey(taskID string) string {
	return fmt.Sprintf("%s:votes:%s", keyPrefix, taskID)
}

func votingConfigKey(taskID string) string {
	return fmt.Sprintf("%s:voting-config:%s", keyPrefix, taskID)
}

func timelineKey(processInstanceID string) string {
	return fmt.Sprintf("%s:timeline:%s", keyPrefix, processInstanceID)
}

func (s *Store) hashGet(ctx context.Context, key string, field string, out any) error {
	data, err := s.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, goredis.Nil) {
		return fmt.Errorf("%s/%s: %w", key, field, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", key, field, err)
	}
	return json.Unmarshal(data, out)
}

func (s *Store) hashSet(ctx context.Context, key string, field string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", key, field, err)
	}
	if err := s.client.HSet(ctx, key, field, data).Err(); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", key, field, err)
	}
	return nil
}

func (s *Store) GatewayConfig(ctx context.Context, topicID string, gatewayID string) (routing.GatewayConfig, error) {
	var cfg routing.GatewayConfig
	if err := s.hashGet(ctx, gatewayConfigKey(topicID), gatewayID, &cfg); err != nil {
		return routing.GatewayConfig{}, err
	}
	return cfg, nil
}

func (s *Store) GatewayConfigs(ctx context.Context, topicID string) ([]routing.GatewayConfig, error) {
	entries, err := s.client.HGetAll(ctx, gatewayConfigKey(topicID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list gateway configs of topic %s: %w", topicID, err)
	}
	configs := make([]routing.GatewayConfig, 0, len(entries))
	for field, raw := range entries {
		var cfg routing.GatewayConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("corrupt gateway config %s/%s: %w", topicID, field, err)
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (s *Store) SaveGatewayConfig(ctx context.Context, topicID string, cfg routing.GatewayConfig) error {
	return s.hashSet(ctx, gatewayConfigKey(topicID), cfg.GatewayID, cfg)
}

func (s *Store) DeleteGatewayConfig(ctx context.Context, topicID string, gatewayID string) error {
	if err := s.client.HDel(ctx, gatewayConfigKey(topicID), gatewayID).Err(); err != nil {
		return fmt.Errorf("failed to delete gateway config %s/%s: %w", topicID, gatewayID, err)
	}
	return nil
}

func (s *Store) AssignmentConfig(ctx context.Context, topicID string, taskKey string) (assignment.Config, error) {
	var cfg assignment.Config
	if err := s.hashGet(ctx, assignmentConfigKey(topicID), taskKey, &cfg); err != nil {
		return assignment.Config{}, err
	}
	return cfg, nil
}

func (s *Store) SaveAssignmentConfig(ctx context.Context, topicID string, taskKey string, cfg assignment.Config) error {
	return s.hashSet(ctx, assignmentConfigKey(topicID), taskKey, cfg)
}

func (s *Store) GatewayRules(ctx context.Context, topicID string, gatewayKey string) (decision.RuleSet, error) {
	var rules decision.RuleSet
	if err := s.hashGet(ctx, rulesKey(topicID), gatewayKey, &rules); err != nil {
		return decision.RuleSet{}, err
	}
	return rules, nil
}

func (s *Store) SaveGatewayRules(ctx context.Context, topicID string, rules decision.RuleSet) error {
	return s.hashSet(ctx, rulesKey(topicID), rules.GatewayKey, rules)
}

func (s *Store) Votes(ctx context.Context, taskID string) ([]voting.Vote, error) {
	raw, err := s.client.LRange(ctx, votesKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read votes of task %s: %w", taskID, err)
	}
	votes := make([]voting.Vote, 0, len(raw))
	for _, item := range raw {
		var vote voting.Vote
		if err := json.Unmarshal([]byte(item), &vote); err != nil {
			return nil, fmt.Errorf("corrupt vote on task %s: %w", taskID, err)
		}
		votes = append(votes, vote)
	}
	return votes, nil
}

func (s *Store) AppendVote(ctx context.Context, taskID string, vote voting.Vote) error {
	data, err := json.Marshal(vote)
	if err != nil {
		return fmt.Errorf("failed to marshal vote: %w", err)
	}
	if err := s.client.RPush(ctx, votesKey(taskID), data).Err(); err != nil {
		return fmt.Errorf("failed to append vote on task %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) VotingConfig(ctx context.Context, taskID string) (voting.Config, error) {
	data, err := s.client.Get(ctx, votingConfigKey(taskID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return voting.Config{}, fmt.Errorf("voting config of task %s: %w", taskID, storage.ErrNotFound)
	}
	if err != nil {
		return voting.Config{}, fmt.Errorf("failed to read voting config of task %s: %w", taskID, err)
	}
	var cfg voting.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return voting.Config{}, fmt.Errorf("corrupt voting config of task %s: %w", taskID, err)
	}
	return cfg, nil
}

func (s *Store) SaveVotingConfig(ctx context.Context, taskID string, cfg voting.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal voting config: %w", err)
	}
	if err := s.client.Set(ctx, votingConfigKey(taskID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write voting config of task %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, event history.TimelineEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal timeline event: %w", err)
	}
	if err := s.client.RPush(ctx, timelineKey(event.ProcessInstanceID), data).Err(); err != nil {
		return fmt.Errorf("failed to append timeline event of instance %s: %w", event.ProcessInstanceID, err)
	}
	return nil
}

func (s *Store) Events(ctx context.Context, processInstanceID string) ([]history.TimelineEvent, error) {
	raw, err := s.client.LRange(ctx, timelineKey(processInstanceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read timeline of instance %s: %w", processInstanceID, err)
	}
	events := make([]history.TimelineEvent, 0, len(raw))
	for _, item := range raw {
		var event history.TimelineEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("corrupt timeline event of instance %s: %w", processInstanceID, err)
		}
		events = append(events, event)
	}
	return events, nil
}
