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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
)

func newAskCommand() *cobra.Command {
	var scopesCSV string
	var clarAnswer string

	cmd := &cobra.Command{
		Use:   "ask [query]",
		Short: "Ask a compliance question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			req := datatypes.AskRequest{
				Query:        query,
				TenantID:     tenantID,
				CollectionID: colID,
				SessionID:    sessionID,
			}
			if clarAnswer != "" || scopesCSV != "" {
				req.ClarificationContext = &datatypes.ClarificationContext{
					Answer:          clarAnswer,
					RequestedScopes: splitCSV(scopesCSV),
				}
			}
			resp, err := postAsk(req)
			if err != nil {
				return err
			}
			render(cmd, resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&scopesCSV, "scopes", "", "comma-separated standards confirming a clarification (e.g. 'ISO 9001,ISO 27001')")
	cmd.Flags().StringVar(&clarAnswer, "answer", "", "free-text reply to a prior clarification question")
	return cmd
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the orchestrator liveness probe",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := http.Get(serverURL + "/healthz")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			cmd.Println(strings.TrimSpace(string(body)))
			return nil
		},
	}
}

func postAsk(req datatypes.AskRequest) (*datatypes.AskResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequest(http.MethodPost, serverURL+"/api/v1/ask", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Service-Secret", os.Getenv("CIRE_SERVICE_SECRET"))

	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out datatypes.AskResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unreadable response: %w", err)
	}
	return &out, nil
}

func render(cmd *cobra.Command, resp *datatypes.AskResponse) {
	if resp.Clarification != nil {
		cmd.Println("Necesito una aclaración antes de responder:")
		cmd.Println(" ", resp.Clarification.Question)
		if len(resp.Clarification.Options) > 0 {
			cmd.Println("  Opciones:", strings.Join(resp.Clarification.Options, ", "))
		}
		cmd.Println("\nReintenta con --session", resp.SessionID, "y --scopes o --answer.")
		return
	}

	cmd.Println(resp.Answer)

	if verbose {
		cmd.Println()
		if resp.Intent != nil {
			cmd.Printf("mode: %s (confidence %.2f)\n", resp.Intent.Mode, resp.Intent.Confidence)
		}
		if resp.Validation != nil && !resp.Validation.Accepted {
			cmd.Println("validation issues:", strings.Join(resp.Validation.Issues, ", "))
		}
		if resp.Trace != nil {
			cmd.Printf("stop_reason: %s  plan_attempts: %d  reflections: %d  total_ms: %d\n",
				resp.Trace.StopReason, resp.Trace.PlanAttempts, resp.Trace.Reflections, resp.Trace.TotalMS)
		}
		if resp.Retrieval != nil {
			cmd.Printf("retrieval: strategy=%s partial=%t\n", resp.Retrieval.Strategy, resp.Retrieval.Partial)
		}
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
