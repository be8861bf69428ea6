// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pbinitiative/zenroute/internal/config"
	"github.com/pbinitiative/zenroute/internal/log"
	"github.com/pbinitiative/zenroute/internal/otel"
	"github.com/pbinitiative/zenroute/internal/profile"
	"github.com/pbinitiative/zenroute/internal/rest"
	"github.com/pbinitiative/zenroute/pkg/assignment"
	"github.com/pbinitiative/zenroute/pkg/decision"
	"github.com/pbinitiative/zenroute/pkg/engine/zenclient"
	"github.com/pbinitiative/zenroute/pkg/flow"
	"github.com/pbinitiative/zenroute/pkg/history"
	"github.com/pbinitiative/zenroute/pkg/routing"
	"github.com/pbinitiative/zenroute/pkg/storage"
	"github.com/pbinitiative/zenroute/pkg/storage/inmemory"
	"github.com/pbinitiative/zenroute/pkg/storage/redis"
	"github.com/pbinitiative/zenroute/pkg/voting"
)

func main() {
	profile.InitProfile()
	log.Init()

	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}

	store, closeStore, err := setupStorage(conf)
	if err != nil {
		log.Error("Failed to set up storage: %s", err)
		os.Exit(1)
	}

	engineClient := zenclient.New(conf.Engine.BaseURL, time.Duration(conf.Engine.TimeoutMs)*time.Millisecond)

	recorder, err := history.NewRecorder(store)
	if err != nil {
		log.Error("Failed to set up timeline recorder: %s", err)
		os.Exit(1)
	}

	analyzer := flow.NewAnalyzer()
	app := rest.Components{
		Store:    store,
		Engine:   engineClient,
		Analyzer: analyzer,
		Resolver: assignment.NewResolver(authorityTiers(conf), conf.Assignment.DefaultGroup),
		Rules:    decision.NewEvaluator(),
		Voting:   voting.NewEngine(store, engineClient),
		Policy:   routing.NewPolicyEngine(engineClient, analyzer, store, store, recorder),
		History:  history.NewBuilder(store, engineClient, analyzer),
		Recorder: recorder,
	}

	svr := rest.NewServer(conf, app)
	svr.Start()

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	handleSigterm(appStop, appContext)

	ctxCancel()
	// cleanup
	svr.Stop(appContext)
	if err := closeStore(); err != nil {
		log.Error("failed to properly close storage: %s", err)
	}
	openTelemetry.Stop(appContext)
}

func setupStorage(conf config.Config) (storage.Storage, func() error, error) {
	switch conf.Storage.Type {
	case config.StorageTypeRedis:
		store, err := redis.NewStore(conf.Storage.Redis.Addr, conf.Storage.Redis.Password, conf.Storage.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Using redis storage at %s", conf.Storage.Redis.Addr)
		return store, store.Close, nil
	default:
		log.Info("Using in-memory storage")
		return inmemory.NewStore(), func() error { return nil }, nil
	}
}

func authorityTiers(conf config.Config) []assignment.AuthorityTier {
	tiers := make([]assignment.AuthorityTier, 0, len(conf.Assignment.AuthorityTiers))
	for _, tier := range conf.Assignment.AuthorityTiers {
		tiers = append(tiers, assignment.AuthorityTier{
			MaxAmount: float64(tier.MaxAmount),
			RoleCode:  tier.RoleCode,
		})
	}
	return tiers
}

func handleSigterm(appStop chan os.Signal, ctx context.Context) {
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	log.Infof(ctx, "Received %s. Shutting down", sig.String())
}
