// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package storage defines the persistence surface of the routing service.
// Implementations live in the inmemory and redis subpackages.
package storage

import (
	"errors"

	"github.com/pbinitiative/zenroute/pkg/assignment"
	"github.com/pbinitiative/zenroute/pkg/decision"
	"github.com/pbinitiative/zenroute/pkg/history"
	"github.com/pbinitiative/zenroute/pkg/routing"
	"github.com/pbinitiative/zenroute/pkg/voting"
)

// ErrNotFound is returned for lookups of configuration that was never saved.
var ErrNotFound = errors.New("not found")

// Storage bundles every store the service persists. A single backend
// implements all of them so the deployment needs one data store, not five.
type Storage interface {
	routing.ConfigStore
	assignment.ConfigStore
	decision.RuleStore
	voting.Store
	history.Store
}
