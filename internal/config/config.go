package config

import (
	"path/filepath"
	"time"
)

// Hard capacity limits. Configs exceeding them are rejected at load time.
const (
	WatchMax   = 16   // maximum number of watches, and of concurrently running actions
	DBFieldMax = 128  // maximum length of a database match string, terminator included
	PathMax    = 4096 // maximum length of a target or action path, terminator included
)

// Defaults for a stock reader installation.
const (
	DefaultMountPoint = "/mnt/onboard"
	DefaultConfigDir  = DefaultMountPoint + "/.adds/kfmon/config"
	DefaultLogFile    = "/usr/local/kfmon/kfmon.log"
	DefaultLockFile   = "/tmp/kfmon.lock"
	DefaultDBTimeout  = 500 * time.Millisecond

	// DaemonConfigName is the base name of the daemon settings file in the
	// config directory. Every other *.toml file there describes one watch.
	DaemonConfigName = "kfmon"
)

// DaemonConfig holds process-wide settings. It is read-only once loaded.
type DaemonConfig struct {
	DBTimeout  time.Duration // statement and lock timeout for library database lookups
	UseSyslog  bool          // log to syslog instead of the log file stream
	LogFile    string        // log stream path; empty means stderr
	LogLevel   string
	MountPoint string // filesystem that must be mounted before watches are armed
	ConfigDir  string
	Database   string // reader library database
	LockFile   string
	Foreground bool // stay attached to the invoking terminal
}

// ImagesDir returns the directory where the reader stores generated thumbnails.
func (d *DaemonConfig) ImagesDir() string {
	return filepath.Join(d.MountPoint, ".kobo-images")
}

// WatchConfig describes one watched file and the action it launches.
// The index of a watch in Config.Watches is its logical id.
type WatchConfig struct {
	ID       int
	Source   string // config file the watch was loaded from
	Filename string // absolute path of the target file
	Action   string // action command line as written in the config
	Argv     []string

	DBCheck      bool // consult the library database before spawning
	SkipDBChecks bool // overrides DBCheck
	DBTitle      string
	DBAuthor     string
	DBComment    string
}

// NeedsDBCheck reports whether spawning must wait for the library database
// to consider the target processed.
func (w *WatchConfig) NeedsDBCheck() bool {
	return w.DBCheck && !w.SkipDBChecks
}

// Dir returns the directory that holds the target file.
func (w *WatchConfig) Dir() string {
	return filepath.Dir(w.Filename)
}

// Base returns the target's file name within Dir.
func (w *WatchConfig) Base() string {
	return filepath.Base(w.Filename)
}

// Config is the complete validated configuration.
type Config struct {
	Daemon  DaemonConfig
	Watches []WatchConfig
}
