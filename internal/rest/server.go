// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package rest exposes the routing service API: admin configuration of
// gateway policies, assignment and decision rules, plus the runtime hooks the
// engine and task UIs call.
package rest

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pbinitiative/zenroute/internal/config"
	"github.com/pbinitiative/zenroute/internal/log"
	"github.com/pbinitiative/zenroute/internal/profile"
	"github.com/pbinitiative/zenroute/internal/rest/apierror"
	"github.com/pbinitiative/zenroute/internal/rest/middleware"
	"github.com/pbinitiative/zenroute/pkg/assignment"
	"github.com/pbinitiative/zenroute/pkg/decision"
	"github.com/pbinitiative/zenroute/pkg/engine"
	"github.com/pbinitiative/zenroute/pkg/flow"
	"github.com/pbinitiative/zenroute/pkg/history"
	"github.com/pbinitiative/zenroute/pkg/routing"
	"github.com/pbinitiative/zenroute/pkg/storage"
	"github.com/pbinitiative/zenroute/pkg/voting"
)

const (
	PaginationDefaultPage = 1
	PaginationDefaultSize = 50
)

// Components are the wired domain services the handlers delegate to.
type Components struct {
	Store    storage.Storage
	Engine   engine.Client
	Analyzer *flow.Analyzer
	Resolver *assignment.Resolver
	Rules    *decision.Evaluator
	Voting   *voting.Engine
	Policy   *routing.PolicyEngine
	History  *history.Builder
	Recorder *history.Recorder
}

type Server struct {
	addr     string
	server   *http.Server
	app      Components
	validate *validator.Validate
}

func NewServer(conf config.Config, app Components) *Server {
	r := chi.NewRouter()
	s := Server{
		addr: conf.Server.Addr,
		app:  app,
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.Server.Addr,
		},
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	r.Use(middleware.Cors())
	r.Use(middleware.Opentelemetry(conf))
	r.Route("/v1", func(r chi.Router) {
		r.Route("/topics/{topicID}", func(r chi.Router) {
			r.Get("/gateway-configs", s.listGatewayConfigs)
			r.Get("/gateway-configs/{gatewayID}", s.getGatewayConfig)
			r.Put("/gateway-configs/{gatewayID}", s.putGatewayConfig)
			r.Delete("/gateway-configs/{gatewayID}", s.deleteGatewayConfig)
			r.Get("/task-configs/{taskKey}/assignment", s.getAssignmentConfig)
			r.Put("/task-configs/{taskKey}/assignment", s.putAssignmentConfig)
			r.Get("/gateway-rules/{gatewayKey}", s.getGatewayRules)
			r.Put("/gateway-rules/{gatewayKey}", s.putGatewayRules)
		})
		r.Post("/assignments/resolve", s.resolveAssignment)
		r.Post("/gateways/evaluate", s.evaluateGateway)
		r.Route("/process-instances/{instanceID}", func(r chi.Router) {
			r.Post("/tasks/{taskID}/branch-completed", s.branchCompleted)
			r.Get("/parallel-status/{gatewayID}", s.parallelStatus)
			r.Get("/movement-history", s.movementHistory)
			r.Get("/send-back-targets", s.sendBackTargets)
			r.Get("/timeline", s.getTimeline)
			r.Post("/timeline", s.appendTimeline)
		})
		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.Get("/votes", s.getVotingState)
			r.Post("/votes", s.castVote)
			r.Put("/voting-config", s.putVotingConfig)
		})
	})
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			hits, misses := app.Analyzer.CacheStats()
			writeJSON(w, http.StatusOK, map[string]any{
				"name":    conf.Name,
				"profile": profile.Current,
				"scopeCache": map[string]int64{
					"hits":   hits,
					"misses": misses,
				},
			})
		})
	})
	return &s
}

func (s *Server) Start() net.Listener {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		log.Error("failed to listen: %v", err)
	}
	log.Info("ZenRoute REST server listening on %s", s.addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Error starting server: %s", err)
		}
	}()
	return listener
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.Error("Error stopping server: %s", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, resp any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if resp == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("Server error: %s", err)
	}
}

func writeError(w http.ResponseWriter, status int, resp apierror.ApiError) {
	writeJSON(w, status, resp)
}
