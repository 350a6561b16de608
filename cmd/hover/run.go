//go:build linux

package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/p-arndt/hover/internal/command"
	"github.com/p-arndt/hover/internal/config"
	"github.com/p-arndt/hover/internal/reaper"
	"github.com/p-arndt/hover/internal/runtime"
	"github.com/p-arndt/hover/internal/runtime/linux"
	"github.com/p-arndt/hover/internal/session"
	"github.com/p-arndt/hover/internal/store"
)

const ledgerFile = "hover.db"

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runSandbox(cmd *cobra.Command, opts *options, args []string) error {
	// The marker and the real ids are read once, before anything else.
	env := session.LoadEnv()
	if err := session.CheckPolicy(env); err != nil {
		return err
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return session.Errorf(session.KindConfig, "loading config", err)
	}
	logger := newLogger(cfg.Level()).With("stage", "parent", "pid", os.Getpid())

	st := openLedger(cmd.Context(), cfg, logger)
	var ledger linux.Ledger
	if st != nil {
		defer st.Close()
		ledger = st
	}

	driver := linux.NewDriver(cfg, ledger, command.NewResolver(), logger)
	res, err := driver.Run(cmd.Context(), runtime.Request{Env: env, Argv: args})
	if err != nil {
		return err
	}

	logger.Info("sandbox finished",
		"allocation_id", res.AllocationID,
		"layer", res.LayerDir,
		"status", res.Status,
		"exit_code", res.ExitCode,
	)
	if res.ExitCode != 0 {
		return exitStatus(res.ExitCode)
	}
	return nil
}

// openLedger opens the allocation ledger and reconciles stale rows. It
// returns nil when the ledger is disabled or unusable; hover runs without.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) *store.Store {
	if !cfg.Ledger {
		return nil
	}
	dir := filepath.Join(cfg.CacheDir, session.AppDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		logger.Warn("ledger disabled", "error", err)
		return nil
	}
	st, err := store.New(filepath.Join(dir, ledgerFile), 0)
	if err != nil {
		logger.Warn("ledger disabled", "error", err)
		return nil
	}
	if n, err := reaper.New(st, reaper.ProcProbe{}, logger).Reconcile(ctx); err != nil {
		logger.Warn("ledger reconcile failed", "error", err)
	} else if n > 0 {
		logger.Info("marked abandoned allocations", "count", n)
	}
	return st
}
