// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package zenclient implements engine.Client against the REST API of a
// ZenBPM-style engine.
package zenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pbinitiative/zenroute/pkg/engine"
	"github.com/pbinitiative/zenroute/pkg/flow"
)

type Client struct {
	baseURL string
	http    *http.Client
}

var _ engine.Client = (*Client)(nil)

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
			// propagate trace context to the engine
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type graphResponse struct {
	DefinitionID string `json:"definitionId"`
	Nodes        []struct {
		ID       string   `json:"id"`
		Name     string   `json:"name"`
		Kind     string   `json:"kind"`
		Incoming []string `json:"incoming"`
		Outgoing []string `json:"outgoing"`
	} `json:"nodes"`
	Edges []struct {
		ID       string `json:"id"`
		SourceID string `json:"sourceId"`
		TargetID string `json:"targetId"`
	} `json:"edges"`
}

func (c *Client) ProcessGraph(ctx context.Context, processDefinitionID string) (*flow.Graph, error) {
	var resp graphResponse
	err := c.get(ctx, fmt.Sprintf("/v1/process-definitions/%s/flow-graph", processDefinitionID), &resp)
	if err != nil {
		return nil, err
	}
	nodes := make([]flow.FlowNode, len(resp.Nodes))
	for i, n := range resp.Nodes {
		nodes[i] = flow.FlowNode{
			ID:       n.ID,
			Name:     n.Name,
			Kind:     flow.NodeKind(n.Kind),
			Incoming: n.Incoming,
			Outgoing: n.Outgoing,
		}
	}
	edges := make([]flow.SequenceEdge, len(resp.Edges))
	for i, e := range resp.Edges {
		edges[i] = flow.SequenceEdge{ID: e.ID, SourceID: e.SourceID, TargetID: e.TargetID}
	}
	return flow.NewGraph(processDefinitionID, nodes, edges)
}

func (c *Client) Task(ctx context.Context, taskID string) (engine.TaskRef, error) {
	var task engine.TaskRef
	err := c.get(ctx, fmt.Sprintf("/v1/tasks/%s", taskID), &task)
	if err != nil {
		return engine.TaskRef{}, err
	}
	return task, nil
}

func (c *Client) ActiveTasks(ctx context.Context, processInstanceID string) ([]engine.TaskRef, error) {
	var resp struct {
		Items []engine.TaskRef `json:"items"`
	}
	err := c.get(ctx, fmt.Sprintf("/v1/process-instances/%s/tasks?state=ACTIVE", processInstanceID), &resp)
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// CancelTask treats conflict and not-found responses as success: the task
// reached a terminal state through another path first.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.post(ctx, fmt.Sprintf("/v1/tasks/%s/cancel", taskID), nil)
}

func (c *Client) CompleteTask(ctx context.Context, taskID string, variables map[string]any) error {
	body := map[string]any{"variables": variables}
	return c.post(ctx, fmt.Sprintf("/v1/tasks/%s/complete", taskID), body)
}

func (c *Client) Variable(ctx context.Context, processInstanceID string, name string) (any, error) {
	var resp struct {
		Value any `json:"value"`
	}
	err := c.get(ctx, fmt.Sprintf("/v1/process-instances/%s/variables/%s", processInstanceID, name), &resp)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *Client) SetVariable(ctx context.Context, processInstanceID string, name string, value any) error {
	return c.put(ctx, fmt.Sprintf("/v1/process-instances/%s/variables/%s", processInstanceID, name), map[string]any{"value": value})
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return engine.ErrTaskNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine returned %s for GET %s", resp.Status, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	return c.send(ctx, http.MethodPost, path, body)
}

func (c *Client) put(ctx context.Context, path string, body any) error {
	return c.send(ctx, http.MethodPut, path, body)
}

func (c *Client) send(ctx context.Context, method string, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusCreated:
		return nil
	case http.StatusNotFound, http.StatusConflict:
		// task already terminal, idempotent no-op
		return nil
	default:
		return fmt.Errorf("engine returned %s for %s %s", resp.Status, method, path)
	}
}
