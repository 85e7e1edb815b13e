package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func buildInspectCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "inspect <session-id>",
		Short: "Print one session's health as reported by a running `sessionrt serve`",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(addr, args[0])
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8090", "Base URL of a running sessionrt serve instance")
	return cmd
}

func runInspect(addr, sessionID string) error {
	url := fmt.Sprintf("%s/sessions/%s/health", addr, sessionID)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("inspect: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("inspect: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inspect: %s returned %s: %s", url, resp.Status, body)
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
