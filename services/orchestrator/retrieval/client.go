// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var clientTracer = otel.Tracer("cire.orchestrator.retrieval.client")

// Compile-time interface implementation check.
var _ Retriever = (*ContractClient)(nil)

// Contract endpoint paths.
const (
	pathValidateScope = "/api/v1/retrieval/validate-scope"
	pathHybrid        = "/api/v1/retrieval/hybrid"
	pathMultiQuery    = "/api/v1/retrieval/multi-query"
	pathComprehensive = "/api/v1/retrieval/comprehensive"
)

// ContractClient is the HTTP adapter for the RAG retrieval contract.
//
// Every request carries the mandatory X-Service-Secret header plus the
// identity headers from ScopeContext. The backend is chosen by the selector;
// on a connection error or 5xx against the chosen backend the client retries
// once on the alternate and, on success, promotes it.
//
// The underlying http.Client is reused across calls with a bounded pooled
// transport; all I/O is subject to the per-call context deadline.
type ContractClient struct {
	selector *BackendSelector
	secret   *memguard.Enclave
	client   *http.Client
}

// NewContractClient builds the adapter. secret may be nil in tests; serving
// paths require it (enforced at startup by config.RequireSecret).
func NewContractClient(selector *BackendSelector, secret *memguard.Enclave) *ContractClient {
	transport := &http.Transport{
		MaxIdleConns:        32,
		MaxConnsPerHost:     16,
		IdleConnTimeout:     60 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &ContractClient{
		selector: selector,
		secret:   secret,
		client:   &http.Client{Transport: transport},
	}
}

// RetrieveChunks implements Retriever via the hybrid endpoint.
func (c *ContractClient) RetrieveChunks(ctx context.Context, scope ScopeContext, req HybridRequest) (*Result, error) {
	return c.hybrid(ctx, scope, req, "chunks")
}

// RetrieveSummaries implements Retriever. Summaries ride the same hybrid
// endpoint with the summary layer filter set.
func (c *ContractClient) RetrieveSummaries(ctx context.Context, scope ScopeContext, req HybridRequest) (*Result, error) {
	if req.Filters == nil {
		req.Filters = map[string]string{}
	}
	req.Filters["layer"] = "summary"
	return c.hybrid(ctx, scope, req, "summaries")
}

func (c *ContractClient) hybrid(ctx context.Context, scope ScopeContext, req HybridRequest, layer string) (*Result, error) {
	ctx, span := clientTracer.Start(ctx, "ContractClient.hybrid")
	defer span.End()
	span.SetAttributes(
		attribute.String("layer", layer),
		attribute.Int("k", req.K),
		attribute.Int("fetch_k", req.FetchK),
	)

	req.TenantID = scope.TenantID
	req.CollectionID = scope.CollectionID

	var out Result
	if err := c.post(ctx, scope, pathHybrid, req, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "hybrid failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("items", len(out.Items)))
	return &out, nil
}

// MultiQuery implements Retriever.
func (c *ContractClient) MultiQuery(ctx context.Context, scope ScopeContext, req MultiQueryRequest) (*Result, error) {
	ctx, span := clientTracer.Start(ctx, "ContractClient.MultiQuery")
	defer span.End()
	span.SetAttributes(attribute.Int("queries", len(req.Queries)))

	var out Result
	if err := c.post(ctx, scope, pathMultiQuery, req, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "multi-query failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("items", len(out.Items)))
	return &out, nil
}

// ValidateScope implements Retriever.
func (c *ContractClient) ValidateScope(ctx context.Context, scope ScopeContext, req ScopeRequest) (*ScopeResult, error) {
	ctx, span := clientTracer.Start(ctx, "ContractClient.ValidateScope")
	defer span.End()

	req.TenantID = scope.TenantID
	req.CollectionID = scope.CollectionID

	var out ScopeResult
	if err := c.post(ctx, scope, pathValidateScope, req, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validate-scope failed")
		return nil, err
	}
	span.SetAttributes(attribute.Bool("valid", out.Valid))
	return &out, nil
}

// post serializes the payload, sends it to the selected backend, and retries
// once on the alternate backend for connection errors and 5xx responses.
func (c *ContractClient) post(ctx context.Context, scope ScopeContext, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal contract request: %w", err)
	}

	base := c.selector.Pick(ctx)
	err = c.postTo(ctx, scope, base+path, body, out)
	if err == nil {
		return nil
	}

	// Failover: connection errors and 5xx get one shot at the alternate.
	if ce := asContractError(err); ce != nil && !ce.Retryable {
		return err
	}
	alt := c.selector.Alternate(base)
	if alt == "" || ctx.Err() != nil {
		return err
	}
	if altErr := c.postTo(ctx, scope, alt+path, body, out); altErr == nil {
		c.selector.Promote(alt)
		return nil
	}
	return err
}

func (c *ContractClient) postTo(ctx context.Context, scope ScopeContext, url string, body []byte, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create contract request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.setAuthHeaders(httpReq, scope); err != nil {
		return err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("contract request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read contract response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &ContractError{
			StatusCode: resp.StatusCode,
			Endpoint:   url,
			Message:    string(respBody),
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse contract response: %w", err)
	}
	return nil
}

// setAuthHeaders attaches the shared secret and identity headers. The secret
// buffer is destroyed before returning so plaintext lives only for the
// duration of header assembly.
func (c *ContractClient) setAuthHeaders(req *http.Request, scope ScopeContext) error {
	if c.secret != nil {
		buf, err := c.secret.Open()
		if err != nil {
			return fmt.Errorf("failed to open service secret: %w", err)
		}
		// Copy out of the protected region: buf.String() aliases memory that
		// Destroy unmaps, which would leave the header pointing at a freed page.
		req.Header.Set("X-Service-Secret", string(buf.Bytes()))
		buf.Destroy()
	}
	req.Header.Set("X-Tenant-ID", scope.TenantID)
	req.Header.Set("X-Trace-ID", scope.TraceID)
	req.Header.Set("X-Correlation-ID", scope.CorrelationID)
	if scope.RequestID != "" {
		req.Header.Set("X-Request-ID", scope.RequestID)
	}
	if scope.UserID != "" {
		req.Header.Set("X-User-ID", scope.UserID)
	}
	return nil
}

func asContractError(err error) *ContractError {
	var ce *ContractError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
