// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPStore resolves profiles from a configuration service
// (GET {base}/api/v1/profiles/{tenant} returning the profile JSON document).
// Responses are cached per tenant with a short TTL; on any fetch failure the
// store serves the cached copy if present, else the built-in default, so the
// kernel keeps answering while the config service is down.
type HTTPStore struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration

	mu    sync.RWMutex
	cache map[string]cachedProfile
}

type cachedProfile struct {
	profile   *AgentProfile
	fetchedAt time.Time
}

// NewHTTPStore creates a store for the given configuration service base URL.
// A zero ttl defaults to 60s.
func NewHTTPStore(baseURL string, client *http.Client, ttl time.Duration) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &HTTPStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		ttl:     ttl,
		cache:   make(map[string]cachedProfile),
	}
}

// ProfileFor implements Source.
func (s *HTTPStore) ProfileFor(ctx context.Context, tenant string) (*AgentProfile, error) {
	s.mu.RLock()
	entry, ok := s.cache[tenant]
	s.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < s.ttl {
		profileLookups.WithLabelValues("http").Inc()
		return entry.profile, nil
	}

	p, err := s.fetch(ctx, tenant)
	if err != nil {
		if ok {
			slog.Warn("Profile fetch failed, serving cached copy",
				"tenant", tenant, "error", err)
			return entry.profile, nil
		}
		slog.Warn("Profile fetch failed, serving default", "tenant", tenant, "error", err)
		profileLookups.WithLabelValues("default").Inc()
		return Default(tenant), nil
	}

	s.mu.Lock()
	s.cache[tenant] = cachedProfile{profile: p, fetchedAt: time.Now()}
	s.mu.Unlock()
	profileLookups.WithLabelValues("http").Inc()
	return p, nil
}

func (s *HTTPStore) fetch(ctx context.Context, tenant string) (*AgentProfile, error) {
	url := fmt.Sprintf("%s/api/v1/profiles/%s", s.baseURL, tenant)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Default(tenant), nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxProfileFileSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read profile response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile store returned status %d: %s", resp.StatusCode, string(body))
	}

	var p AgentProfile
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile response: %w", err)
	}
	applyDefaults(&p, tenant)
	return &p, nil
}
