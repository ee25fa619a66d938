package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/pkg/browser"

	"github.com/steveyegge/consult/internal/config"
	"github.com/steveyegge/consult/internal/consult"
	"github.com/steveyegge/consult/internal/conversation"
	"github.com/steveyegge/consult/internal/eventbus"
	"github.com/steveyegge/consult/internal/legacy"
	"github.com/steveyegge/consult/internal/lockfile"
	"github.com/steveyegge/consult/internal/provider"
	"github.com/steveyegge/consult/internal/rag"
	"github.com/steveyegge/consult/internal/rpc"
	"github.com/steveyegge/consult/internal/storage/sqlite"
	"github.com/steveyegge/consult/internal/telemetry"
	"github.com/steveyegge/consult/ui"
)

// idleTimeout is how long the daemon lingers with zero connected
// clients before shutting itself down.
const idleTimeout = 30 * time.Minute

// idleCheckInterval is how often the idle timer is evaluated.
const idleCheckInterval = time.Minute

// runDaemon is the foreground daemon loop: acquire the lock, wire the
// services, serve until a signal, an idle timeout, or a fatal error.
func runDaemon() error {
	dir, err := consultHome()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	logger, closeLog, err := newDaemonLogger(dir)
	if err != nil {
		return err
	}
	defer closeLog()

	// Bind before locking so the lock never advertises a port we lost.
	start := portFlag
	if start == 0 {
		start = lockfile.DefaultPort
	}
	listener, port, err := lockfile.ProbePort(start)
	if err != nil {
		return err
	}

	lock, err := lockfile.Acquire(dir, port)
	if errors.Is(err, lockfile.ErrAlreadyRunning) {
		_ = listener.Close()
		fmt.Printf("daemon already running on port %d (pid %d)\n", lock.Port, lock.PID)
		return nil
	}
	if err != nil {
		_ = listener.Close()
		return err
	}
	defer func() {
		if err := lockfile.Remove(dir); err != nil {
			logger.Warn("failed to remove lock file", "error", err)
		}
	}()

	// A panic must still release the lock and close the store, and the
	// stack must land in the log before the process dies.
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 64<<10)
			n := runtime.Stack(buf, false)
			logger.Error("daemon panicked", "panic", r, "stack", string(buf[:n]))
			_ = lockfile.Remove(dir)
			closeLog()
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "consult", Version); err != nil {
		logger.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(shutdownCtx)
		}()
	}

	store, err := sqlite.Open(ctx, filepath.Join(dir, "data.db"))
	if err != nil {
		_ = listener.Close()
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	hub := eventbus.NewHub(logger)
	cfg := config.NewService(store, hub, logger)
	convs := conversation.NewService(store, hub, logger)

	// The legacy import runs before the boundary opens: nobody is
	// connected yet, so replay writes skip the hub entirely.
	if result, err := legacy.Migrate(ctx, dir, store, cfg, logger); err != nil {
		logger.Error("legacy migration failed; continuing with existing data", "error", err)
	} else if !result.Skipped && result.Conversations+result.ConfigKeys > 0 {
		logger.Info("imported legacy data",
			"conversations", result.Conversations, "configKeys", result.ConfigKeys)
	}

	embed := rag.NewEmbedClient(rag.EmbedURLFromEnv())
	ragSvc := rag.NewService(store, embed, logger)
	completer := provider.NewClient(logger)
	orch := consult.New(cfg, convs, ragSvc, completer, logger)

	srv := rpc.NewServer(rpc.Deps{
		Token:         lock.Token,
		Version:       Version,
		Hub:           hub,
		Config:        cfg,
		Conversations: convs,
		RAG:           ragSvc,
		Orchestrator:  orch,
		Completer:     completer,
		StaticFS:      ui.StaticFS(),
		Logger:        logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go convs.RunSweeper(runCtx)
	go watchIdle(runCtx, cancel, hub, logger)

	logger.Info("daemon started",
		"pid", os.Getpid(), "port", port, "home", dir, "version", Version)
	fmt.Printf("consult daemon listening on http://127.0.0.1:%d (pid %d)\n", port, os.Getpid())

	if current, err := cfg.Get(runCtx); err == nil && current.AutoOpenWebUI {
		url := fmt.Sprintf("http://127.0.0.1:%d/?token=%s", port, lock.Token)
		if err := browser.OpenURL(url); err != nil {
			logger.Warn("failed to open web UI", "error", err)
		}
	}

	if err := srv.Serve(runCtx, listener); err != nil {
		logger.Error("server failed", "error", err)
		return err
	}

	logger.Info("daemon stopped")
	return nil
}

// watchIdle cancels the daemon after idleTimeout with no clients. Any
// connected client resets the clock.
func watchIdle(ctx context.Context, cancel context.CancelFunc, hub *eventbus.Hub, logger *slog.Logger) {
	lastActive := time.Now()
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if hub.ClientCount() > 0 {
				lastActive = time.Now()
				continue
			}
			if time.Since(lastActive) >= idleTimeout {
				logger.Info("shutting down after idle timeout",
					"idle", time.Since(lastActive).Round(time.Second).String())
				cancel()
				return
			}
		}
	}
}

// runLegacyImport performs the JSON import without starting the daemon.
// Useful when the old files were restored after the daemon already ran.
func runLegacyImport() error {
	dir, err := consultHome()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	logger, closeLog, err := newDaemonLogger(dir)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(dir, "data.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	// Remove the flag first so a deliberate re-run actually runs.
	if err := os.Remove(filepath.Join(dir, legacy.MigratedFlag)); err != nil && !os.IsNotExist(err) {
		return err
	}

	cfg := config.NewService(store, nil, logger)
	result, err := legacy.Migrate(ctx, dir, store, cfg, logger)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d conversations and %d config keys\n",
		result.Conversations, result.ConfigKeys)
	if result.BackupDir != "" {
		fmt.Printf("originals backed up to %s\n", result.BackupDir)
	}
	return nil
}
