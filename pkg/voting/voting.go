// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package voting implements committee decisions on approval tasks: members
// vote individually and the task completes once the outcome is decided.
package voting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/pbinitiative/zenroute/internal/log"
	"github.com/pbinitiative/zenroute/pkg/engine"
)

type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
	DecisionAbstain Decision = "ABSTAIN"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// DecisionRule names how many approvals a committee needs.
type DecisionRule string

const (
	RuleUnanimous DecisionRule = "UNANIMOUS"
	RuleMajority  DecisionRule = "MAJORITY"
	RuleThreshold DecisionRule = "THRESHOLD"
)

var (
	ErrAlreadyVoted    = errors.New("member has already voted on this task")
	ErrUnknownDecision = errors.New("unknown vote decision")
	ErrVotingClosed    = errors.New("voting is already decided")
)

// Vote is one member's cast ballot.
type Vote struct {
	ID        string    `json:"id"`
	VoterID   string    `json:"voterId"`
	VoterName string    `json:"voterName,omitempty"`
	Decision  Decision  `json:"decision"`
	Comment   string    `json:"comment,omitempty"`
	VotedAt   time.Time `json:"votedAt"`
}

// Config describes the committee attached to a task.
type Config struct {
	CommitteeCode     string       `json:"committeeCode,omitempty"`
	DecisionRule      DecisionRule `json:"decisionRule" validate:"omitempty,oneof=UNANIMOUS MAJORITY THRESHOLD"`
	TotalMembers      int          `json:"totalMembers" validate:"omitempty,min=1"`
	RequiredApprovals int          `json:"requiredApprovals" validate:"omitempty,min=1"`
}

// defaultConfig applies when a task has no stored committee configuration.
// Majority of five mirrors the most common committee size.
func defaultConfig() Config {
	return Config{DecisionRule: RuleMajority, TotalMembers: 5}
}

func (c Config) normalized() Config {
	if c.TotalMembers <= 0 {
		c.TotalMembers = defaultConfig().TotalMembers
	}
	switch c.DecisionRule {
	case RuleUnanimous, RuleMajority:
	case RuleThreshold:
		if c.RequiredApprovals <= 0 || c.RequiredApprovals > c.TotalMembers {
			c.DecisionRule = RuleMajority
		}
	default:
		c.DecisionRule = RuleMajority
	}
	return c
}

// RequiredApprovalCount is the number of approvals that decides the vote.
func (c Config) RequiredApprovalCount() int {
	c = c.normalized()
	switch c.DecisionRule {
	case RuleUnanimous:
		return c.TotalMembers
	case RuleThreshold:
		return c.RequiredApprovals
	default:
		return c.TotalMembers/2 + 1
	}
}

// State is always derived from the vote list; it is never stored.
type State struct {
	TaskID            string `json:"taskId"`
	CommitteeCode     string `json:"committeeCode,omitempty"`
	Status            Status `json:"status"`
	ApprovalCount     int    `json:"approvalCount"`
	RejectionCount    int    `json:"rejectionCount"`
	AbstentionCount   int    `json:"abstentionCount"`
	TotalMembers      int    `json:"totalMembers"`
	RequiredApprovals int    `json:"requiredApprovals"`
	Votes             []Vote `json:"votes"`
}

// DeriveState recomputes the voting state from the cast votes.
//
// A single rejection sinks a unanimous vote. Otherwise the vote is rejected
// as soon as the approvals still obtainable cannot reach the requirement;
// abstentions consume a member without contributing either way.
func DeriveState(taskID string, cfg Config, votes []Vote) State {
	cfg = cfg.normalized()
	s := State{
		TaskID:            taskID,
		CommitteeCode:     cfg.CommitteeCode,
		Status:            StatusPending,
		TotalMembers:      cfg.TotalMembers,
		RequiredApprovals: cfg.RequiredApprovalCount(),
		Votes:             votes,
	}
	for _, v := range votes {
		switch v.Decision {
		case DecisionApprove:
			s.ApprovalCount++
		case DecisionReject:
			s.RejectionCount++
		case DecisionAbstain:
			s.AbstentionCount++
		}
	}

	if cfg.DecisionRule == RuleUnanimous && s.RejectionCount > 0 {
		s.Status = StatusRejected
		return s
	}
	if s.ApprovalCount >= s.RequiredApprovals {
		s.Status = StatusApproved
		return s
	}
	remaining := cfg.TotalMembers - len(votes)
	if remaining < 0 {
		remaining = 0
	}
	if s.ApprovalCount+remaining < s.RequiredApprovals {
		s.Status = StatusRejected
	}
	return s
}

// Store persists votes and committee configuration per task.
type Store interface {
	Votes(ctx context.Context, taskID string) ([]Vote, error)
	AppendVote(ctx context.Context, taskID string, vote Vote) error

	VotingConfig(ctx context.Context, taskID string) (Config, error)
	SaveVotingConfig(ctx context.Context, taskID string, cfg Config) error
}

// Engine casts votes and completes the task through the engine port once the
// committee has decided.
type Engine struct {
	store  Store
	engine engine.Client
	logger hclog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(store Store, client engine.Client) *Engine {
	return &Engine{
		store:  store,
		engine: client,
		logger: log.Named("voting"),
		locks:  map[string]*sync.Mutex{},
	}
}

// taskLock serializes vote casting per task. Votes on different tasks do not
// contend.
func (e *Engine) taskLock(taskID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[taskID] = l
	}
	return l
}

// releaseLock drops the lock entry of a decided task. Once the state derived
// from the stored votes is terminal no further writes are accepted, so losing
// serialization for that task is harmless and the map stays bounded by the
// number of tasks still voting.
func (e *Engine) releaseLock(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locks, taskID)
}

// InitVoting attaches a committee configuration to a task.
func (e *Engine) InitVoting(ctx context.Context, taskID string, cfg Config) error {
	return e.store.SaveVotingConfig(ctx, taskID, cfg.normalized())
}

// CastVote records one ballot and returns the new state. When the vote turns
// terminal the task is completed with the outcome in process variables; the
// downstream gateway routes on committeeDecision.
func (e *Engine) CastVote(ctx context.Context, taskID string, voterID string, voterName string, decision Decision, comment string) (State, error) {
	switch decision {
	case DecisionApprove, DecisionReject, DecisionAbstain:
	default:
		return State{}, fmt.Errorf("%w: %q", ErrUnknownDecision, decision)
	}

	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	cfg := e.configFor(ctx, taskID)
	votes, err := e.store.Votes(ctx, taskID)
	if err != nil {
		return State{}, fmt.Errorf("failed to load votes for task %s: %w", taskID, err)
	}
	if DeriveState(taskID, cfg, votes).Status != StatusPending {
		return State{}, ErrVotingClosed
	}
	for _, v := range votes {
		if v.VoterID == voterID {
			return State{}, ErrAlreadyVoted
		}
	}

	vote := Vote{
		ID:        uuid.NewString(),
		VoterID:   voterID,
		VoterName: voterName,
		Decision:  decision,
		Comment:   comment,
		VotedAt:   time.Now().UTC(),
	}
	if err := e.store.AppendVote(ctx, taskID, vote); err != nil {
		return State{}, fmt.Errorf("failed to persist vote on task %s: %w", taskID, err)
	}
	votes = append(votes, vote)

	state := DeriveState(taskID, cfg, votes)
	if state.Status != StatusPending {
		if err := e.completeTask(ctx, taskID, state); err != nil {
			// the vote is recorded; a later cast or manual complete settles it
			e.logger.Error("failed to complete task after terminal vote", "taskId", taskID, "err", err)
		}
		e.releaseLock(taskID)
	}
	return state, nil
}

// VotingState returns the current derived state without casting a vote.
func (e *Engine) VotingState(ctx context.Context, taskID string) (State, error) {
	votes, err := e.store.Votes(ctx, taskID)
	if err != nil {
		return State{}, fmt.Errorf("failed to load votes for task %s: %w", taskID, err)
	}
	return DeriveState(taskID, e.configFor(ctx, taskID), votes), nil
}

func (e *Engine) configFor(ctx context.Context, taskID string) Config {
	cfg, err := e.store.VotingConfig(ctx, taskID)
	if err != nil {
		// missing or broken config falls back to majority of five
		return defaultConfig()
	}
	return cfg.normalized()
}

func (e *Engine) completeTask(ctx context.Context, taskID string, state State) error {
	variables := map[string]any{
		"committeeDecision": string(state.Status),
		"approvalCount":     state.ApprovalCount,
		"rejectionCount":    state.RejectionCount,
	}
	return e.engine.CompleteTask(ctx, taskID, variables)
}
