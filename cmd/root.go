package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jandubois/kfmon/internal/config"
	"github.com/jandubois/kfmon/internal/logging"
	"github.com/jandubois/kfmon/internal/watcher"
)

// Version is set at build time via -ldflags "-X github.com/jandubois/kfmon/cmd.Version=..."
var Version = watcher.Version

var settings = config.NewViper()

var rootCmd = &cobra.Command{
	Use:   "kfmon",
	Short: "Launch actions when watched files change on an e-reader",
	Long: `KFMon watches a set of files on the reader's onboard storage and launches
the action configured for a file when it is written, replaced, or touched.

Without a subcommand it runs the daemon, detached from the terminal unless
--foreground is given.`,
	Version:      Version,
	SilenceUsage: true,
	RunE:         runDaemon,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config-dir", config.DefaultConfigDir, "Directory holding kfmon.toml and the watch files")
	flags.String("mount-point", config.DefaultMountPoint, "Mount point that must be present before watching")
	flags.StringP("database", "d", "", "Library database path (default <mount-point>/.kobo/KoboReader.sqlite)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error, crit)")
	flags.String("log-file", config.DefaultLogFile, "Log file; empty logs to stderr")
	flags.Bool("syslog", false, "Log to syslog instead of the log file")
	flags.String("lock-file", config.DefaultLockFile, "Lock file that keeps a second daemon from starting")
	flags.BoolP("foreground", "f", false, "Stay attached to the terminal instead of detaching")

	settings.BindPFlag(config.KeyConfigDir, flags.Lookup("config-dir"))
	settings.BindPFlag(config.KeyMountPoint, flags.Lookup("mount-point"))
	settings.BindPFlag(config.KeyDatabase, flags.Lookup("database"))
	settings.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))
	settings.BindPFlag(config.KeyLogFile, flags.Lookup("log-file"))
	settings.BindPFlag(config.KeyUseSyslog, flags.Lookup("syslog"))
	settings.BindPFlag(config.KeyLockFile, flags.Lookup("lock-file"))
	settings.BindPFlag(config.KeyForeground, flags.Lookup("foreground"))
}

// bootstrapSettings returns the settings known without reading the config
// directory.
func bootstrapSettings() (*config.DaemonConfig, error) {
	boot, err := config.Bootstrap(settings)
	if err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return boot, nil
}

// setupLogging installs the process-wide logger described by d. The
// returned closer releases the log destination.
func setupLogging(d *config.DaemonConfig) (io.Closer, error) {
	level, err := logging.ParseLevel(d.LogLevel)
	if err != nil {
		return nil, err
	}
	logger, closer, err := logging.New(logging.Options{
		UseSyslog: d.UseSyslog,
		File:      d.LogFile,
		Level:     level,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closer, nil
}
