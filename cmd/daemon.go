package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jandubois/kfmon/internal/config"
	"github.com/jandubois/kfmon/internal/db"
	"github.com/jandubois/kfmon/internal/logging"
	"github.com/jandubois/kfmon/internal/mount"
	"github.com/jandubois/kfmon/internal/watcher"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the watch daemon",
	Long: `The daemon waits for the onboard storage to be mounted, loads the watch
configuration from it, and launches each watch's action when its file
changes. It detaches from the terminal unless --foreground is given, and
runs until SIGINT or SIGTERM.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	// The config directory lives on the mount, so only flags and the
	// environment are known at this point.
	boot, err := bootstrapSettings()
	if err != nil {
		return err
	}

	if !boot.Foreground {
		pid, err := detach()
		if err != nil {
			return fmt.Errorf("failed to detach: %w", err)
		}
		cmd.Printf("kfmon detached (pid %d)\n", pid)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cancel()
	}()

	logCloser, err := setupLogging(boot)
	if err != nil {
		return fmt.Errorf("logging setup failed: %w", err)
	}
	defer func() { closeLog(logCloser) }()

	lock := flock.New(boot.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", boot.LockFile, err)
	}
	if !locked {
		return fmt.Errorf("another kfmon instance holds %s", boot.LockFile)
	}
	defer lock.Unlock()

	slog.Info("starting kfmon", "version", Version, "pid", os.Getpid())

	// kfmon.toml may change the log destination.
	relog := func(d *config.DaemonConfig) error {
		if *boot == *d {
			return nil
		}
		closer, err := setupLogging(d)
		if err != nil {
			return fmt.Errorf("logging setup failed: %w", err)
		}
		closeLog(logCloser)
		logCloser = closer
		return nil
	}

	err = serve(ctx, mount.NewWaiter(), boot.MountPoint, settings, relog, nil)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serve waits for mountPoint, loads the configuration from it and runs the
// watcher until ctx is cancelled. relog receives the loaded daemon settings
// before anything else is logged. started, when set, is handed the watcher
// just before it runs.
func serve(ctx context.Context, waiter *mount.Waiter, mountPoint string, v *viper.Viper,
	relog func(*config.DaemonConfig) error, started func(*watcher.Watcher)) error {
	if err := waiter.Wait(ctx, mountPoint); err != nil {
		return err
	}

	cfg, err := config.Load(v)
	if err != nil {
		slog.Error("failed to load configuration", "dir", v.GetString(config.KeyConfigDir), "error", err)
		return fmt.Errorf("configuration error: %w", err)
	}
	if relog != nil {
		if err := relog(&cfg.Daemon); err != nil {
			return err
		}
	}

	slog.Info("configuration loaded",
		"dir", cfg.Daemon.ConfigDir,
		"watches", len(cfg.Watches),
		"db_timeout", cfg.Daemon.DBTimeout,
		"syslog", cfg.Daemon.UseSyslog,
	)
	for _, w := range cfg.Watches {
		slog.Debug("watch loaded",
			"watch", w.ID,
			"source", w.Source,
			"file", w.Filename,
			"action", w.Action,
			"db_check", w.NeedsDBCheck(),
		)
	}

	lib := db.NewLibrary(cfg.Daemon.Database, cfg.Daemon.ImagesDir(), cfg.Daemon.DBTimeout)
	w, err := watcher.New(cfg, lib)
	if err != nil {
		return fmt.Errorf("watcher initialization failed: %w", err)
	}
	if started != nil {
		started(w)
	}
	go func() {
		select {
		case <-w.Ready():
			slog.Info("daemon ready", "mount_point", cfg.Daemon.MountPoint)
		case <-ctx.Done():
		}
	}()

	if err := w.Run(ctx); err != nil {
		logging.Crit("event loop failed", "error", err)
		return err
	}
	return nil
}

func closeLog(c io.Closer) {
	if c != nil {
		c.Close()
	}
}
