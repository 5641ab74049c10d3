package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aegisops/aegis/internal/api"
	"github.com/aegisops/aegis/internal/checkpoint"
	"github.com/aegisops/aegis/internal/config"
	"github.com/aegisops/aegis/internal/eventbus"
	"github.com/aegisops/aegis/internal/jobs"
	"github.com/aegisops/aegis/internal/orchestrator"
	"github.com/aegisops/aegis/internal/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("create data dir", "err", err)
		os.Exit(1)
	}

	policy, err := orchestrator.ParseRecoveryPolicy(cfg.RecoveryPolicy)
	if err != nil {
		slog.Error("recovery policy", "err", err)
		os.Exit(1)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open db", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	store := state.NewStore(db)
	bus := eventbus.NewBus(db)
	checkpoints := checkpoint.NewManager(db, bus)
	jobManager := jobs.NewManager(db, bus, checkpoints, jobs.WithPollInterval(cfg.PollInterval))
	orch := orchestrator.New(store, jobManager, bus, orchestrator.WithRecoveryPolicy(policy))

	hub := api.NewHub()
	bus.SetBroadcaster(hub)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	candidates, err := orch.RestoreUniverse(rootCtx)
	if err != nil {
		slog.Error("recovery sweep", "err", err)
		os.Exit(1)
	}
	slog.Info("recovery sweep complete", "policy", string(policy), "candidates", len(candidates))

	go sweepCheckpoints(rootCtx, checkpoints, cfg.CheckpointRetention, cfg.CheckpointSweepInterval)

	apiServer := &api.Server{
		Store:        store,
		Jobs:         jobManager,
		Checkpoints:  checkpoints,
		Orchestrator: orch,
		Bus:          bus,
		Hub:          hub,
		StartedAt:    time.Now().UTC(),
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		slog.Error("listen", "addr", cfg.HTTPAddr, "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return rootCtx
		},
	}

	go func() {
		slog.Info("aegisd listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown", "err", err)
	}
}

func sweepCheckpoints(ctx context.Context, checkpoints *checkpoint.Manager, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := checkpoints.CleanupOld(ctx, retention)
			if err != nil {
				slog.Error("checkpoint sweep", "err", err)
				continue
			}
			if swept > 0 {
				slog.Info("checkpoint sweep", "swept", swept)
			}
		}
	}
}
