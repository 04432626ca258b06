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
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var selectorFlips = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cire_backend_selector_flips_total",
	Help: "Backend selector cache updates by reason (probe, failover, forced)",
}, []string{"reason"})

// BackendSelector picks between a primary (usually local) RAG URL and a
// fallback. It probes the primary's /health endpoint with a short timeout,
// caches the winner for a TTL, and promotes the alternate backend when a
// request against the cached choice fails.
//
// The cache is the only cross-query mutable state in the kernel besides
// metrics counters; it is a short-TTL record behind a mutex.
type BackendSelector struct {
	primary  string
	fallback string
	// forced bypasses probing entirely when non-empty.
	forced       string
	probeTimeout time.Duration
	ttl          time.Duration
	client       *http.Client

	mu       sync.Mutex
	cached   string
	cachedAt time.Time
}

// NewBackendSelector creates a selector. probeTimeout defaults to 300ms and
// ttl to 30s when zero.
func NewBackendSelector(primary, fallback, forced string, probeTimeout, ttl time.Duration) *BackendSelector {
	if probeTimeout <= 0 {
		probeTimeout = 300 * time.Millisecond
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BackendSelector{
		primary:      strings.TrimSuffix(primary, "/"),
		fallback:     strings.TrimSuffix(fallback, "/"),
		forced:       strings.TrimSuffix(forced, "/"),
		probeTimeout: probeTimeout,
		ttl:          ttl,
		client:       &http.Client{Timeout: probeTimeout},
	}
}

// Pick returns the base URL to use for the next contract request.
func (s *BackendSelector) Pick(ctx context.Context) string {
	if s.forced != "" {
		return s.forced
	}

	s.mu.Lock()
	if s.cached != "" && time.Since(s.cachedAt) < s.ttl {
		url := s.cached
		s.mu.Unlock()
		return url
	}
	s.mu.Unlock()

	url := s.fallback
	if s.probe(ctx, s.primary) {
		url = s.primary
	} else if s.fallback == "" {
		url = s.primary
	}

	s.mu.Lock()
	s.cached = url
	s.cachedAt = time.Now()
	s.mu.Unlock()
	selectorFlips.WithLabelValues("probe").Inc()
	return url
}

// Alternate returns the other backend for a failover retry, or "" when there
// is only one.
func (s *BackendSelector) Alternate(current string) string {
	if s.forced != "" {
		return ""
	}
	if current == s.primary && s.fallback != "" {
		return s.fallback
	}
	if current == s.fallback {
		return s.primary
	}
	return ""
}

// Promote caches a backend after a successful failover so subsequent
// requests go straight to the working one.
func (s *BackendSelector) Promote(url string) {
	if s.forced != "" {
		return
	}
	s.mu.Lock()
	s.cached = url
	s.cachedAt = time.Now()
	s.mu.Unlock()
	selectorFlips.WithLabelValues("failover").Inc()
	slog.Info("Promoted RAG backend after failover", "backend", url)
}

func (s *BackendSelector) probe(ctx context.Context, base string) bool {
	if base == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
