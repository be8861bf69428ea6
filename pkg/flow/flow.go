// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package flow holds the read-only view of a deployed process definition:
// flow nodes, sequence edges and the graph algorithms that determine which
// tasks belong to which parallel gateway scope.
package flow

import (
	"errors"
	"fmt"
)

type NodeKind string

const (
	KindTask             NodeKind = "TASK"
	KindParallelGateway  NodeKind = "PARALLEL_GATEWAY"
	KindInclusiveGateway NodeKind = "INCLUSIVE_GATEWAY"
	KindExclusiveGateway NodeKind = "EXCLUSIVE_GATEWAY"
	KindEvent            NodeKind = "EVENT"
)

var ErrDanglingEdge = errors.New("sequence edge references unknown node")

// FlowNode is a single node of a process graph. Incoming and Outgoing hold
// sequence edge ids, not node ids.
type FlowNode struct {
	ID       string
	Name     string
	Kind     NodeKind
	Incoming []string
	Outgoing []string
}

// SequenceEdge is a directed edge between two flow nodes.
type SequenceEdge struct {
	ID       string
	SourceID string
	TargetID string
}

func (n *FlowNode) IsTask() bool {
	return n.Kind == KindTask
}

// IsGateway reports whether the node can split or merge flow.
func (n *FlowNode) IsGateway() bool {
	switch n.Kind {
	case KindParallelGateway, KindInclusiveGateway, KindExclusiveGateway:
		return true
	}
	return false
}

// isScopeGateway reports whether the node participates in fork/join scope
// analysis. Exclusive gateways pick a single path and never open a parallel
// scope.
func (n *FlowNode) isScopeGateway() bool {
	return n.Kind == KindParallelGateway || n.Kind == KindInclusiveGateway
}

// IsFork reports whether the node splits execution into more than one branch.
func (n *FlowNode) IsFork() bool {
	return n.isScopeGateway() && len(n.Outgoing) > 1
}

// IsJoin reports whether the node merges more than one branch.
func (n *FlowNode) IsJoin() bool {
	return n.isScopeGateway() && len(n.Incoming) > 1
}

// Graph is an immutable view of a single process definition version.
type Graph struct {
	definitionID string
	nodes        map[string]*FlowNode
	edges        map[string]*SequenceEdge
}

// NewGraph builds a graph and validates that every edge endpoint exists.
func NewGraph(definitionID string, nodes []FlowNode, edges []SequenceEdge) (*Graph, error) {
	g := &Graph{
		definitionID: definitionID,
		nodes:        make(map[string]*FlowNode, len(nodes)),
		edges:        make(map[string]*SequenceEdge, len(edges)),
	}
	for i := range nodes {
		g.nodes[nodes[i].ID] = &nodes[i]
	}
	for i := range edges {
		e := &edges[i]
		if _, ok := g.nodes[e.SourceID]; !ok {
			return nil, fmt.Errorf("edge %s source %s: %w", e.ID, e.SourceID, ErrDanglingEdge)
		}
		if _, ok := g.nodes[e.TargetID]; !ok {
			return nil, fmt.Errorf("edge %s target %s: %w", e.ID, e.TargetID, ErrDanglingEdge)
		}
		g.edges[e.ID] = e
	}
	return g, nil
}

func (g *Graph) DefinitionID() string {
	return g.definitionID
}

func (g *Graph) Node(id string) (*FlowNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Predecessors returns the source nodes of all incoming edges.
func (g *Graph) Predecessors(id string) []*FlowNode {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	result := make([]*FlowNode, 0, len(n.Incoming))
	for _, edgeId := range n.Incoming {
		edge, ok := g.edges[edgeId]
		if !ok {
			continue
		}
		if src, ok := g.nodes[edge.SourceID]; ok {
			result = append(result, src)
		}
	}
	return result
}

// Successors returns the target nodes of all outgoing edges.
func (g *Graph) Successors(id string) []*FlowNode {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	result := make([]*FlowNode, 0, len(n.Outgoing))
	for _, edgeId := range n.Outgoing {
		edge, ok := g.edges[edgeId]
		if !ok {
			continue
		}
		if tgt, ok := g.nodes[edge.TargetID]; ok {
			result = append(result, tgt)
		}
	}
	return result
}

// ForkGateways returns the ids of all gateways that open a parallel or
// inclusive scope, keyed by gateway kind. Used by configuration screens to
// list the gateways that accept a completion policy.
func (g *Graph) ForkGateways() map[string]NodeKind {
	forks := map[string]NodeKind{}
	for id, n := range g.nodes {
		if n.IsFork() {
			forks[id] = n.Kind
		}
	}
	return forks
}
