// Package main provides the CLI entry point for sessionrt, the
// session-runtime-core development harness.
//
// sessionrt exposes the Registry, taskstore, and procstore components
// behind a small HTTP surface so they can be exercised manually during
// development, without any of the channel/provider plumbing a
// production deployment would add around them.
//
// Start the harness:
//
//	sessionrt serve --addr :8090
//
// Inspect a running session's health:
//
//	sessionrt inspect <session-id> --addr http://localhost:8090
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "sessionrt",
		Short:        "Session runtime core development harness",
		Long:         `sessionrt runs and inspects the session registry, task store, and process store in isolation from any channel or provider integration.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildInspectCmd())
	return rootCmd
}

var (
	version = "dev"
	commit  = "none"
)
