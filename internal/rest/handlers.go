// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pbinitiative/zenroute/internal/log"
	otelint "github.com/pbinitiative/zenroute/internal/otel"
	"github.com/pbinitiative/zenroute/internal/rest/apierror"
	"github.com/pbinitiative/zenroute/pkg/assignment"
	"github.com/pbinitiative/zenroute/pkg/decision"
	"github.com/pbinitiative/zenroute/pkg/engine"
	"github.com/pbinitiative/zenroute/pkg/history"
	"github.com/pbinitiative/zenroute/pkg/ptr"
	"github.com/pbinitiative/zenroute/pkg/routing"
	"github.com/pbinitiative/zenroute/pkg/storage"
	"github.com/pbinitiative/zenroute/pkg/voting"
)

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, apierror.BadRequest("invalid request body: "+err.Error()))
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		writeError(w, http.StatusBadRequest, apierror.BadRequest(err.Error()))
		return false
	}
	return true
}

// handleError maps domain errors onto the API envelope.
func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, engine.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, apierror.NotFound(err.Error()))
	case errors.Is(err, voting.ErrAlreadyVoted), errors.Is(err, voting.ErrVotingClosed):
		writeError(w, http.StatusConflict, apierror.Conflict(err.Error()))
	case errors.Is(err, voting.ErrUnknownDecision):
		writeError(w, http.StatusBadRequest, apierror.BadRequest(err.Error()))
	default:
		log.Error("request failed: %s", err)
		writeError(w, http.StatusInternalServerError, apierror.Internal(err.Error()))
	}
}

func (s *Server) listGatewayConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.app.Store.GatewayConfigs(r.Context(), chi.URLParam(r, "topicID"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": configs})
}

func (s *Server) getGatewayConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.app.Store.GatewayConfig(r.Context(), chi.URLParam(r, "topicID"), chi.URLParam(r, "gatewayID"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) putGatewayConfig(w http.ResponseWriter, r *http.Request) {
	var cfg routing.GatewayConfig
	if !s.decode(w, r, &cfg) {
		return
	}
	cfg.GatewayID = chi.URLParam(r, "gatewayID")
	if err := routing.ValidateConfig(cfg); err != nil {
		writeError(w, http.StatusBadRequest, apierror.BadRequest(err.Error()))
		return
	}
	if err := s.app.Store.SaveGatewayConfig(r.Context(), chi.URLParam(r, "topicID"), cfg); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) deleteGatewayConfig(w http.ResponseWriter, r *http.Request) {
	err := s.app.Store.DeleteGatewayConfig(r.Context(), chi.URLParam(r, "topicID"), chi.URLParam(r, "gatewayID"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) getAssignmentConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.app.Store.AssignmentConfig(r.Context(), chi.URLParam(r, "topicID"), chi.URLParam(r, "taskKey"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) putAssignmentConfig(w http.ResponseWriter, r *http.Request) {
	var cfg assignment.Config
	if !s.decode(w, r, &cfg) {
		return
	}
	if err := s.app.Store.SaveAssignmentConfig(r.Context(), chi.URLParam(r, "topicID"), chi.URLParam(r, "taskKey"), cfg); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) getGatewayRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.app.Store.GatewayRules(r.Context(), chi.URLParam(r, "topicID"), chi.URLParam(r, "gatewayKey"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) putGatewayRules(w http.ResponseWriter, r *http.Request) {
	var rules decision.RuleSet
	if !s.decode(w, r, &rules) {
		return
	}
	rules.GatewayKey = chi.URLParam(r, "gatewayKey")
	if err := decision.ValidateRules(rules.Rules); err != nil {
		writeError(w, http.StatusBadRequest, apierror.BadRequest(err.Error()))
		return
	}
	if err := s.app.Store.SaveGatewayRules(r.Context(), chi.URLParam(r, "topicID"), rules); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

type resolveAssignmentRequest struct {
	TopicID   string         `json:"topicId" validate:"required"`
	TaskKey   string         `json:"taskKey" validate:"required"`
	Variables map[string]any `json:"variables"`
}

func (s *Server) resolveAssignment(w http.ResponseWriter, r *http.Request) {
	var req resolveAssignmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	// a task without stored config resolves through the default chain
	cfg, err := s.app.Store.AssignmentConfig(r.Context(), req.TopicID, req.TaskKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		handleError(w, err)
		return
	}
	result := s.app.Resolver.Resolve(cfg, req.Variables)
	otelint.AssignmentsResolved.Add(r.Context(), 1)
	writeJSON(w, http.StatusOK, result)
}

type evaluateGatewayRequest struct {
	TopicID    string         `json:"topicId" validate:"required"`
	GatewayKey string         `json:"gatewayKey" validate:"required"`
	Variables  map[string]any `json:"variables"`
}

func (s *Server) evaluateGateway(w http.ResponseWriter, r *http.Request) {
	var req evaluateGatewayRequest
	if !s.decode(w, r, &req) {
		return
	}
	rules, err := s.app.Store.GatewayRules(r.Context(), req.TopicID, req.GatewayKey)
	if err != nil {
		handleError(w, err)
		return
	}
	outcome := s.app.Rules.Evaluate(rules.Rules, rules.DefaultOutcome, req.Variables)
	otelint.GatewayEvaluations.Add(r.Context(), 1)
	writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome})
}

func (s *Server) branchCompleted(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	taskID := chi.URLParam(r, "taskID")
	cancelled, err := s.app.Policy.OnBranchCompleted(r.Context(), instanceID, taskID)
	if err != nil {
		handleError(w, err)
		return
	}
	if len(cancelled) > 0 {
		otelint.TasksCancelled.Add(r.Context(), int64(len(cancelled)))
	}
	if cancelled == nil {
		cancelled = []routing.CancelledTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelledTasks": cancelled})
}

func (s *Server) parallelStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.app.Policy.ExecutionStatus(r.Context(), chi.URLParam(r, "instanceID"), chi.URLParam(r, "gatewayID"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) movementHistory(w http.ResponseWriter, r *http.Request) {
	currentTaskKey := r.URL.Query().Get("currentTaskKey")
	if currentTaskKey == "" {
		writeError(w, http.StatusBadRequest, apierror.BadRequest("currentTaskKey query parameter is required"))
		return
	}
	movement, err := s.app.History.MovementHistory(r.Context(), chi.URLParam(r, "instanceID"), currentTaskKey)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, movement)
}

func (s *Server) sendBackTargets(w http.ResponseWriter, r *http.Request) {
	currentTaskKey := r.URL.Query().Get("currentTaskKey")
	if currentTaskKey == "" {
		writeError(w, http.StatusBadRequest, apierror.BadRequest("currentTaskKey query parameter is required"))
		return
	}
	targets, err := s.app.History.SendBackTargets(r.Context(), chi.URLParam(r, "instanceID"), currentTaskKey)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

func (s *Server) getTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.app.Store.Events(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		handleError(w, err)
		return
	}
	page, size := pagination(r)
	start := (page - 1) * size
	if start > len(events) {
		start = len(events)
	}
	end := start + size
	if end > len(events) {
		end = len(events)
	}
	var next *int
	if end < len(events) {
		next = ptr.To(page + 1)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": events[start:end],
		"page":  page,
		"size":  size,
		"total": len(events),
		"next":  next,
	})
}

type appendTimelineRequest struct {
	ProcessDefinitionID string             `json:"processDefinitionId"`
	ActionType          history.ActionType `json:"actionType" validate:"required,oneof=PROCESS_STARTED PROCESS_COMPLETED TASK_CREATED TASK_COMPLETED TASK_CANCELLED TASK_SENT_BACK"`
	TaskID              string             `json:"taskId"`
	TaskKey             string             `json:"taskKey"`
	TaskName            string             `json:"taskName"`
	ActorID             string             `json:"actorId"`
	ActorName           string             `json:"actorName"`
	Metadata            map[string]string  `json:"metadata"`
}

// appendTimeline is the ingestion hook: engine listeners push task lifecycle
// events here so the movement views have something to build on.
func (s *Server) appendTimeline(w http.ResponseWriter, r *http.Request) {
	var req appendTimelineRequest
	if !s.decode(w, r, &req) {
		return
	}
	event, err := s.app.Recorder.Record(r.Context(), history.TimelineEvent{
		ProcessInstanceID:   chi.URLParam(r, "instanceID"),
		ProcessDefinitionID: req.ProcessDefinitionID,
		ActionType:          req.ActionType,
		TaskID:              req.TaskID,
		TaskKey:             req.TaskKey,
		TaskName:            req.TaskName,
		ActorID:             req.ActorID,
		ActorName:           req.ActorName,
		Metadata:            req.Metadata,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) getVotingState(w http.ResponseWriter, r *http.Request) {
	state, err := s.app.Voting.VotingState(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type castVoteRequest struct {
	VoterID   string          `json:"voterId" validate:"required"`
	VoterName string          `json:"voterName"`
	Decision  voting.Decision `json:"decision" validate:"required"`
	Comment   string          `json:"comment"`
}

func (s *Server) castVote(w http.ResponseWriter, r *http.Request) {
	var req castVoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	state, err := s.app.Voting.CastVote(r.Context(), chi.URLParam(r, "taskID"), req.VoterID, req.VoterName, req.Decision, req.Comment)
	if err != nil {
		handleError(w, err)
		return
	}
	otelint.VotesCast.Add(r.Context(), 1)
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) putVotingConfig(w http.ResponseWriter, r *http.Request) {
	var cfg voting.Config
	if !s.decode(w, r, &cfg) {
		return
	}
	if err := s.app.Voting.InitVoting(r.Context(), chi.URLParam(r, "taskID"), cfg); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func pagination(r *http.Request) (page int, size int) {
	page, size = PaginationDefaultPage, PaginationDefaultSize
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && v > 0 {
		size = v
	}
	return page, size
}
