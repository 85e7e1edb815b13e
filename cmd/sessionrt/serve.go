package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/z80dev/lemon-sub002/internal/conversation"
	"github.com/z80dev/lemon-sub002/internal/observability"
	"github.com/z80dev/lemon-sub002/internal/procstore"
	"github.com/z80dev/lemon-sub002/internal/session"
	"github.com/z80dev/lemon-sub002/internal/taskstore"
)

func buildServeCmd() *cobra.Command {
	var (
		addr         string
		taskSnapshot string
		procSnapshot string
		otlpEndpoint string
		demoSession  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the registry, task store, and process store, and a demo session",
		Long: `serve starts a session.Registry backed by Prometheus metrics and (optionally)
OTLP tracing, along with the taskstore and procstore crash-safe registries.

It exposes:
  GET  /healthz                    registry-wide health summary
  GET  /sessions                   list of live session IDs
  GET  /sessions/{id}/health       one session's health status
  GET  /metrics                    Prometheus exposition

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveConfig{
				addr:         addr,
				taskSnapshot: taskSnapshot,
				procSnapshot: procSnapshot,
				otlpEndpoint: otlpEndpoint,
				demoSession:  demoSession,
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8090", "HTTP listen address")
	cmd.Flags().StringVar(&taskSnapshot, "task-snapshot", "", "Path to the task store's crash-safe snapshot file")
	cmd.Flags().StringVar(&procSnapshot, "proc-snapshot", "", "Path to the process store's crash-safe snapshot file")
	cmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC collector endpoint (tracing disabled if empty)")
	cmd.Flags().BoolVar(&demoSession, "demo-session", true, "Start one in-process demo session for manual inspection")

	return cmd
}

type serveConfig struct {
	addr         string
	taskSnapshot string
	procSnapshot string
	otlpEndpoint string
	demoSession  bool
}

func runServe(ctx context.Context, cfg serveConfig) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	metrics := observability.NewMetrics()
	metrics.MustRegister(prometheus.DefaultRegisterer)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName: "sessionrt",
		Endpoint:    cfg.otlpEndpoint,
	})
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	tasks := taskstore.New(taskstore.Options{Logger: logger, SnapshotPath: cfg.taskSnapshot})
	if err := tasks.Load(); err != nil {
		return err
	}
	if err := tasks.StartWatching(ctx); err != nil {
		logger.Warn("task store snapshot watch failed to start", "error", err)
	}
	defer tasks.Close()

	procs := procstore.New(procstore.Options{Logger: logger, SnapshotPath: cfg.procSnapshot})
	if err := procs.Load(); err != nil {
		return err
	}
	if err := procs.StartWatching(ctx); err != nil {
		logger.Warn("process store snapshot watch failed to start", "error", err)
	}
	defer procs.Close()

	registry := session.NewRegistry(logger).WithMetrics(metrics)

	if cfg.demoSession {
		registry.StartSession(session.Options{
			Model:    "demo",
			StreamFn: demoStreamFn,
			Metrics:  metrics,
			Tracer:   tracer,
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, registry.HealthSummary())
	})
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, registry.List())
	})
	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/health")
		sup, ok := registry.Get(id)
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		writeJSON(w, session.SessionHealth{SessionID: sup.ID(), Status: sup.Health()})
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sessionrt serving", "addr", cfg.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// demoStreamFn is a canned StreamFn so "serve --demo-session" has
// something to inspect without wiring a real model provider.
func demoStreamFn(ctx context.Context, model string, entries []*conversation.Entry, opts session.StreamOptions) (<-chan session.AgentEvent, error) {
	const text = "sessionrt demo session ready"
	ch := make(chan session.AgentEvent, 4)
	go func() {
		defer close(ch)
		ch <- session.AgentEvent{Type: session.EventStart}
		ch <- session.AgentEvent{Type: session.EventTextDelta, Text: text}
		ch <- session.AgentEvent{Type: session.EventMessageEnd, Message: &conversation.Entry{
			ID:      "sessionrt-demo",
			Type:    conversation.EntryMessage,
			Role:    conversation.RoleAssistant,
			Content: []conversation.ContentBlock{{Type: conversation.BlockText, Text: text}},
		}}
		ch <- session.AgentEvent{Type: session.EventAgentEnd}
	}()
	return ch, nil
}
