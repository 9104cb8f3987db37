// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jeranaias/rigrun-router/internal/model"
)

// HTTPRetriever queries a remote retrieval service:
//
//	POST {endpoint}  {"query": "...", "k": 2}
//	200              {"passages": [{"id": "...", "content": "...", "score": 0.9}]}
type HTTPRetriever struct {
	endpoint string
	client   *http.Client
}

type httpRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

type httpResponse struct {
	Passages []model.Passage `json:"passages"`
}

// NewHTTPRetriever creates a retriever posting to endpoint. A nil client
// uses http.DefaultClient; bound calls with WithTimeout.
func NewHTTPRetriever(endpoint string, client *http.Client) *HTTPRetriever {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRetriever{endpoint: endpoint, client: client}
}

// Retrieve implements Retriever.
func (h *HTTPRetriever) Retrieve(ctx context.Context, query string, k int) ([]model.Passage, error) {
	body, err := json.Marshal(httpRequest{Query: query, K: k})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("retrieval service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out httpResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return limit(out.Passages, k), nil
}
