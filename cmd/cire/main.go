// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command cire is the terminal client for the orchestrator: it submits
// questions to a running service and renders the structured answer,
// including clarification interrupts and the reasoning trace.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcalza96/CIRE-ORCH-sub000/pkg/logging"
)

var (
	serverURL string
	tenantID  string
	colID     string
	sessionID string
	verbose   bool
)

func main() {
	root := &cobra.Command{
		Use:           "cire",
		Short:         "Client for the CIRE compliance orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("CIRE_SERVER_URL", "http://localhost:8088"), "orchestrator base URL")
	root.PersistentFlags().StringVar(&tenantID, "tenant", envOr("CIRE_TENANT_ID", "default"), "tenant identifier")
	root.PersistentFlags().StringVar(&colID, "collection", envOr("CIRE_COLLECTION_ID", "normas"), "collection identifier")
	root.PersistentFlags().StringVar(&sessionID, "session", "", "session identifier (continues a clarification exchange)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print the reasoning trace and diagnostics")

	root.PersistentPreRunE = func(*cobra.Command, []string) error {
		level := "warn"
		if verbose {
			level = "debug"
		}
		_, _, err := logging.Setup(logging.Config{Service: "cire", Level: level, Text: true})
		return err
	}

	root.AddCommand(newAskCommand())
	root.AddCommand(newHealthCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
