// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package flowtest builds flow graphs from compact edge lists for tests.
package flowtest

import (
	"fmt"

	"github.com/pbinitiative/zenroute/pkg/flow"
)

// MustGraph builds a graph from node kinds and (source, target) pairs,
// deriving edge ids and node wiring. Panics on an invalid graph; tests want
// the construction to be infallible.
func MustGraph(definitionID string, kinds map[string]flow.NodeKind, edges [][2]string) *flow.Graph {
	incoming := map[string][]string{}
	outgoing := map[string][]string{}
	sequence := make([]flow.SequenceEdge, 0, len(edges))
	for i, pair := range edges {
		id := fmt.Sprintf("e%d", i)
		sequence = append(sequence, flow.SequenceEdge{ID: id, SourceID: pair[0], TargetID: pair[1]})
		outgoing[pair[0]] = append(outgoing[pair[0]], id)
		incoming[pair[1]] = append(incoming[pair[1]], id)
	}
	nodes := make([]flow.FlowNode, 0, len(kinds))
	for id, kind := range kinds {
		nodes = append(nodes, flow.FlowNode{
			ID:       id,
			Name:     id,
			Kind:     kind,
			Incoming: incoming[id],
			Outgoing: outgoing[id],
		})
	}
	g, err := flow.NewGraph(definitionID, nodes, sequence)
	if err != nil {
		panic(err)
	}
	return g
}
