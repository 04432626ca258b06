// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"

	"github.com/mcalza96/CIRE-ORCH-sub000/pkg/logging"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/config"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/observability"
)

func main() {
	_, closeLog, err := logging.Setup(logging.Config{
		Service: "cire-orchestrator",
		Level:   os.Getenv("CIRE_LOG_LEVEL"),
		LogDir:  os.Getenv("CIRE_LOG_DIR"),
	})
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	defer closeLog()

	// Wipe sealed buffers on any exit path, including signals.
	memguard.CatchInterrupt()
	defer memguard.Purge()

	cfg, err := config.Load(os.Getenv("CIRE_CONFIG_PATH"))
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.RequireSecret(); err != nil {
		log.Fatalf("refusing to start: %v", err)
	}

	cleanup, err := observability.InitTracer(context.Background(), cfg.OTLPEndpoint, "cire-orchestrator")
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	server, closeProfiles, err := buildServer(cfg)
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}
	defer closeProfiles()

	go func() {
		slog.Info("Starting the orchestrator server", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}
