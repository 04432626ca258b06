// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging configures the process logger for CIRE components.
//
// Built on log/slog. The orchestrator service logs JSON to stdout for
// container log collection; the CLI logs human-readable text to stderr,
// following Unix conventions. An optional log file receives the same
// records in JSON, named {service}_{date}.log.
//
//	logger, closeFn, err := logging.Setup(logging.Config{
//	    Service: "cire-orchestrator",
//	    Level:   os.Getenv("CIRE_LOG_LEVEL"),
//	})
//	defer closeFn()
//
// This package does not redact. Secrets stay in memguard enclaves and
// must never reach a log call site.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// =============================================================================
// Configuration
// =============================================================================

// Config controls the process logger.
type Config struct {
	// Service names the component; it becomes a base attribute on every
	// record and the log file prefix.
	Service string

	// Level is debug, info, warn, or error. Empty means info.
	Level string

	// LogDir enables file logging when non-empty. The directory is
	// created if missing.
	LogDir string

	// Text switches from JSON to a human-readable handler (CLI use).
	Text bool

	// Writer overrides the primary destination. Defaults to stdout for
	// JSON and stderr for text.
	Writer io.Writer
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Setup
// =============================================================================

// Setup builds the process logger, installs it as the slog default, and
// returns it with a close function for the optional log file. The close
// function is safe to call when no file was opened.
func Setup(cfg Config) (*slog.Logger, func() error, error) {
	primary := cfg.Writer
	if primary == nil {
		if cfg.Text {
			primary = os.Stderr
		} else {
			primary = os.Stdout
		}
	}

	closeFn := func() error { return nil }
	out := primary
	if cfg.LogDir != "" {
		file, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(primary, file)
		closeFn = file.Close
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Text {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	slog.SetDefault(logger)
	return logger, closeFn, nil
}

func openLogFile(dir, service string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	if service == "" {
		service = "cire"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().UTC().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}
