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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/yaml.v3"
)

// MaxProfileFileSize caps profile documents at 1MB to prevent memory issues
// from oversized files.
const MaxProfileFileSize = 1024 * 1024

var (
	profileReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cire_profile_reloads_total",
		Help: "Profile store reloads by tenant and result",
	}, []string{"tenant", "result"})

	profileLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cire_profile_lookups_total",
		Help: "Profile lookups by source (file, http, default)",
	}, []string{"source"})
)

// Source resolves the agent profile for a tenant. Implementations must be
// safe for concurrent use and must never return (nil, nil).
type Source interface {
	ProfileFor(ctx context.Context, tenant string) (*AgentProfile, error)
}

// =============================================================================
// File Store
// =============================================================================

// FileStore loads profiles from a directory of YAML documents, one file per
// tenant ("<tenant>.yaml"). Files are parsed eagerly, kept behind a RWMutex,
// and re-parsed when fsnotify reports a change. A tenant without a file gets
// the built-in default profile.
type FileStore struct {
	dir string

	mu       sync.RWMutex
	profiles map[string]*AgentProfile

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileStore loads every profile under dir and starts the reload watcher.
// Close the store to stop watching.
func NewFileStore(dir string) (*FileStore, error) {
	s := &FileStore{
		dir:      dir,
		profiles: make(map[string]*AgentProfile),
		done:     make(chan struct{}),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create profile watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch profile dir %s: %w", dir, err)
	}
	s.watcher = w
	go s.watchLoop()
	return s, nil
}

// ProfileFor implements Source. Unknown tenants resolve to the default
// profile; the method never fails for a missing file.
func (s *FileStore) ProfileFor(_ context.Context, tenant string) (*AgentProfile, error) {
	s.mu.RLock()
	p, ok := s.profiles[tenant]
	s.mu.RUnlock()
	if ok {
		profileLookups.WithLabelValues("file").Inc()
		return p, nil
	}
	profileLookups.WithLabelValues("default").Inc()
	return Default(tenant), nil
}

// Close stops the reload watcher.
func (s *FileStore) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *FileStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read profile dir %s: %w", s.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		s.loadFile(filepath.Join(s.dir, e.Name()))
	}
	return nil
}

// loadFile parses one profile document and swaps it into the map. Parse
// failures keep the previous version and log; a broken edit must not take
// down serving tenants.
func (s *FileStore) loadFile(path string) {
	tenant := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	info, err := os.Stat(path)
	if err != nil {
		slog.Warn("Profile stat failed", "path", path, "error", err)
		profileReloads.WithLabelValues(tenant, "error").Inc()
		return
	}
	if info.Size() > MaxProfileFileSize {
		slog.Error("Profile file exceeds size cap", "path", path, "size", info.Size())
		profileReloads.WithLabelValues(tenant, "too_large").Inc()
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Profile read failed", "path", path, "error", err)
		profileReloads.WithLabelValues(tenant, "error").Inc()
		return
	}

	p, err := Parse(data, tenant)
	if err != nil {
		slog.Error("Profile parse failed, keeping previous version",
			"path", path, "error", err)
		profileReloads.WithLabelValues(tenant, "parse_error").Inc()
		return
	}

	s.mu.Lock()
	s.profiles[tenant] = p
	s.mu.Unlock()
	profileReloads.WithLabelValues(tenant, "ok").Inc()
	slog.Info("Profile loaded", "tenant", tenant, "profile_id", p.ProfileID, "version", p.Version)
}

func (s *FileStore) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !isYAML(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				s.loadFile(ev.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Profile watcher error", "error", err)
		}
	}
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// =============================================================================
// Parsing
// =============================================================================

// Parse decodes a profile document, rejects unknown keys, and applies
// section defaults. The tenant is stamped into the identity section when the
// document leaves it blank.
func Parse(data []byte, tenant string) (*AgentProfile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p AgentProfile
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid profile document: %w", err)
	}
	applyDefaults(&p, tenant)
	return &p, nil
}
