package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/rollcall/internal/httpapi"
	"github.com/user/rollcall/internal/scheduler"
	"github.com/user/rollcall/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recovery and backup server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if pid, err := readPID(cfg.DataDir); err == nil {
		return fmt.Errorf("server already running (PID %d)", pid)
	}

	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	api := httpapi.NewServer(a.manager, a.driver, a.monitor)

	// First poll counts as a transition, so a queue left from the last run
	// drains right away when online.
	a.monitor.Poll(ctx)

	for _, typ := range types.SessionTypes {
		sess, ok := a.manager.Detect(ctx, typ)
		if !ok {
			continue
		}
		api.Offer(sess)
		if !cfg.HTTP.Enabled {
			slog.Warn("interrupted session will be auto-abandoned, enable http to answer the prompt",
				"session_id", string(sess.ID), "type", string(typ), "after", cfg.Recovery.Expiry.String())
		}
	}

	sched := scheduler.New()
	err = sched.Add(scheduler.Task{
		Name:     "connectivity",
		Schedule: "@every " + cfg.Connectivity.Interval.String(),
		Run: func(ctx context.Context) {
			a.monitor.Poll(ctx)
		},
	})
	if err != nil {
		return err
	}
	err = sched.Add(scheduler.Task{
		Name:     "sync",
		Schedule: cfg.Backup.SyncSchedule,
		Run: func(ctx context.Context) {
			if !a.driver.Online() {
				return
			}
			res, err := a.driver.Reconcile(ctx)
			if err != nil {
				slog.Warn("periodic sync failed", "error", err)
				return
			}
			if res.Succeeded+res.Failed > 0 {
				slog.Info("periodic sync", "succeeded", res.Succeeded, "failed", res.Failed, "dropped", res.Dropped, "remaining", res.Remaining)
			}
		},
	})
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	slog.Info("rollcall started",
		"data_dir", cfg.DataDir,
		"store", cfg.Store,
		"remote", cfg.Remote.Provider,
		"online", a.driver.Online(),
		"pid_file", pidFile,
	)

	if cfg.HTTP.Enabled {
		httpServer := &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: api,
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Release the store and the PID file before re-exec
			sched.Stop()
			a.Close()
			os.Remove(pidFile)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				return err
			}
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
