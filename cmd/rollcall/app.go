package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/user/rollcall/internal/backup"
	"github.com/user/rollcall/internal/config"
	"github.com/user/rollcall/internal/connectivity"
	"github.com/user/rollcall/internal/delivery"
	"github.com/user/rollcall/internal/export"
	"github.com/user/rollcall/internal/lifecycle"
	"github.com/user/rollcall/internal/reconcile"
	"github.com/user/rollcall/internal/recovery"
	"github.com/user/rollcall/internal/remote"
	"github.com/user/rollcall/internal/state"
	"github.com/user/rollcall/internal/types"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	kv       types.KVStore
	closeKV  func() error
	sessions *state.SessionStore
	engine   *recovery.Engine
	queue    *backup.Queue
	driver   *reconcile.Driver
	manager  *lifecycle.Manager
	monitor  *connectivity.Monitor
}

func openKV(cfg *config.Config) (types.KVStore, func() error, error) {
	switch cfg.Store {
	case "sqlite":
		kv, err := state.OpenSQLiteKV(filepath.Join(cfg.DataDir, "rollcall.db"))
		if err != nil {
			return nil, nil, err
		}
		return kv, kv.Close, nil
	case "memory":
		return state.NewMemKV(), func() error { return nil }, nil
	default:
		return state.NewFileKV(cfg.DataDir), func() error { return nil }, nil
	}
}

func openRemote(cfg *config.Config) types.ObjectStore {
	if cfg.Remote.Provider == "memory" {
		return remote.NewMemStore()
	}
	if cfg.Remote.Token == "" {
		slog.Warn("no remote token configured, exports will stay queued", "hint", "set ROLLCALL_GITHUB_TOKEN or remote.token")
	}
	return remote.NewGitHubStore(remote.GitHubConfig{
		BaseURL:           cfg.Remote.BaseURL,
		Owner:             cfg.Remote.Owner,
		Repo:              cfg.Remote.Repo,
		Branch:            cfg.Remote.Branch,
		Token:             cfg.Remote.Token,
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
	})
}

// openApp wires the stores, the recovery engine and the backup pipeline.
// A cold start forgets recovery prompts recorded by earlier processes.
func openApp(ctx context.Context, cfg *config.Config, coldStart bool) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	kv, closeKV, err := openKV(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}

	sessions := state.NewSessionStore(kv)
	if n, err := sessions.Migrate(ctx); err != nil {
		slog.Warn("session list migration failed", "error", err)
	} else if n > 0 {
		slog.Debug("session list migrated", "sessions", n)
	}

	engine := recovery.New(kv, sessions, recovery.Options{
		Expiry:    cfg.Recovery.Expiry.Std(),
		PromptTTL: cfg.Recovery.PromptTTL.Std(),
	})
	if coldStart {
		if err := engine.ResetEpoch(ctx); err != nil {
			slog.Warn("failed to reset recovery epoch", "error", err)
		}
	}

	exporter := export.NewWorkbook(time.Local)
	deliverer := delivery.NewDeliverer(
		openRemote(cfg),
		exporter,
		delivery.DefaultRegistry(cfg.Remote.Path),
		delivery.ConflictPolicy(cfg.Backup.ConflictRetries, cfg.Backup.InitialDelay.Std(), cfg.Backup.MaxDelay.Std()),
	)
	deliverer.SetTransientRetry(delivery.TransientPolicy(3, cfg.Backup.InitialDelay.Std(), cfg.Backup.MaxDelay.Std()))
	queue := backup.NewQueue(kv, sessions, cfg.Backup.MaxRetries)
	driver := reconcile.New(reconcile.Config{
		KV:         kv,
		Sessions:   sessions,
		Queue:      queue,
		Deliverer:  deliverer,
		Exporter:   exporter,
		AutoBackup: cfg.Backup.AutoBackup,
		Uploads:    cfg.Backup.Uploads,
	})

	monitor := connectivity.NewMonitor(connectivity.HTTPCheck(nil, cfg.Connectivity.CheckURL))
	monitor.OnChange(driver.HandleConnectivity)

	return &app{
		cfg:      cfg,
		kv:       kv,
		closeKV:  closeKV,
		sessions: sessions,
		engine:   engine,
		queue:    queue,
		driver:   driver,
		manager:  lifecycle.NewManager(engine, sessions, driver),
		monitor:  monitor,
	}, nil
}

func (a *app) Close() {
	a.engine.Close()
	if err := a.closeKV(); err != nil {
		slog.Warn("failed to close store", "error", err)
	}
}

// withApp loads the config, wires the app and runs fn.
func withApp(coldStart bool, fn func(ctx context.Context, a *app) error) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx := context.Background()
	a, err := openApp(ctx, cfg, coldStart)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
