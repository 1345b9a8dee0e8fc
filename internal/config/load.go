package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"mvdan.cc/sh/v3/shell"
)

// ErrTooManyWatches is returned when the config directory holds more than
// WatchMax watch files.
var ErrTooManyWatches = errors.New("too many watches")

// Settings keys, shared by the config file, KFMON_* environment variables
// and command line flags.
const (
	KeyConfigDir  = "config_dir"
	KeyMountPoint = "mount_point"
	KeyDatabase   = "database"
	KeyDBTimeout  = "db_timeout"
	KeyUseSyslog  = "use_syslog"
	KeyLogFile    = "log_file"
	KeyLogLevel   = "log_level"
	KeyLockFile   = "lock_file"
	KeyForeground = "foreground"
)

// NewViper returns a viper instance with kfmon defaults and environment
// bindings. Flags are bound by the caller.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyConfigDir, DefaultConfigDir)
	v.SetDefault(KeyMountPoint, DefaultMountPoint)
	v.SetDefault(KeyDatabase, "")
	v.SetDefault(KeyDBTimeout, int(DefaultDBTimeout/time.Millisecond))
	v.SetDefault(KeyUseSyslog, false)
	v.SetDefault(KeyLogFile, DefaultLogFile)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLockFile, DefaultLockFile)
	v.SetDefault(KeyForeground, false)

	v.SetEnvPrefix("kfmon")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Bootstrap returns the daemon settings known before the config directory is
// readable: defaults, environment and flags. The config file is not read.
func Bootstrap(v *viper.Viper) (*DaemonConfig, error) {
	return daemonFromViper(v)
}

// Load reads the daemon settings file and every watch file from the config
// directory and validates them. Any error is fatal for the daemon.
func Load(v *viper.Viper) (*Config, error) {
	dir := v.GetString(KeyConfigDir)

	v.SetConfigName(DaemonConfigName)
	v.SetConfigType("toml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read daemon config: %w", err)
		}
	}

	daemon, err := daemonFromViper(v)
	if err != nil {
		return nil, err
	}

	watches, err := LoadWatches(dir, daemon.MountPoint)
	if err != nil {
		return nil, err
	}

	return &Config{Daemon: *daemon, Watches: watches}, nil
}

func daemonFromViper(v *viper.Viper) (*DaemonConfig, error) {
	d := &DaemonConfig{
		DBTimeout:  time.Duration(v.GetInt(KeyDBTimeout)) * time.Millisecond,
		UseSyslog:  v.GetBool(KeyUseSyslog),
		LogFile:    v.GetString(KeyLogFile),
		LogLevel:   v.GetString(KeyLogLevel),
		MountPoint: filepath.Clean(v.GetString(KeyMountPoint)),
		ConfigDir:  v.GetString(KeyConfigDir),
		Database:   v.GetString(KeyDatabase),
		LockFile:   v.GetString(KeyLockFile),
		Foreground: v.GetBool(KeyForeground),
	}

	if d.DBTimeout <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %d", KeyDBTimeout, v.GetInt(KeyDBTimeout))
	}
	if !filepath.IsAbs(d.MountPoint) {
		return nil, fmt.Errorf("%s must be absolute: %q", KeyMountPoint, d.MountPoint)
	}
	if d.Database == "" {
		d.Database = filepath.Join(d.MountPoint, ".kobo", "KoboReader.sqlite")
	}
	return d, nil
}

// watchFile is the on-disk shape of a watch config.
type watchFile struct {
	Watch *struct {
		Filename     string `toml:"filename"`
		Action       string `toml:"action"`
		DBCheck      bool   `toml:"db_check"`
		SkipDBChecks bool   `toml:"skip_db_checks"`
		DBTitle      string `toml:"db_title"`
		DBAuthor     string `toml:"db_author"`
		DBComment    string `toml:"db_comment"`
	} `toml:"watch"`
}

// LoadWatches loads every watch file from dir in lexical order. Watch ids
// follow that order.
func LoadWatches(dir, mountPoint string) ([]WatchConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read config directory: %w", err)
	}

	var watches []WatchConfig
	seen := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".toml" || name == DaemonConfigName+".toml" {
			continue
		}

		if len(watches) == WatchMax {
			return nil, fmt.Errorf("%w: %s exceeds the limit of %d", ErrTooManyWatches, name, WatchMax)
		}

		path := filepath.Join(dir, name)
		w, err := loadWatch(path, mountPoint)
		if err != nil {
			return nil, fmt.Errorf("watch %s: %w", name, err)
		}
		if prev, ok := seen[w.Filename]; ok {
			return nil, fmt.Errorf("watch %s: %s is already watched by %s", name, w.Filename, prev)
		}
		seen[w.Filename] = name

		w.ID = len(watches)
		watches = append(watches, *w)
	}

	return watches, nil
}

func loadWatch(path, mountPoint string) (*WatchConfig, error) {
	var wf watchFile
	md, err := toml.DecodeFile(path, &wf)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if wf.Watch == nil {
		return nil, fmt.Errorf("missing [watch] table")
	}

	w := &WatchConfig{
		Source:       path,
		Filename:     wf.Watch.Filename,
		Action:       strings.TrimSpace(wf.Watch.Action),
		DBCheck:      wf.Watch.DBCheck,
		SkipDBChecks: wf.Watch.SkipDBChecks,
		DBTitle:      wf.Watch.DBTitle,
		DBAuthor:     wf.Watch.DBAuthor,
		DBComment:    wf.Watch.DBComment,
	}
	if err := w.validate(mountPoint); err != nil {
		return nil, err
	}

	argv, err := ParseAction(w.Action)
	if err != nil {
		return nil, err
	}
	w.Argv = argv
	return w, nil
}

func (w *WatchConfig) validate(mountPoint string) error {
	if w.Filename == "" {
		return fmt.Errorf("filename is required")
	}
	if w.Action == "" {
		return fmt.Errorf("action is required")
	}
	if len(w.Filename) >= PathMax || len(w.Action) >= PathMax {
		return fmt.Errorf("paths must be shorter than %d bytes", PathMax)
	}
	if !filepath.IsAbs(w.Filename) {
		return fmt.Errorf("filename must be absolute: %q", w.Filename)
	}
	w.Filename = filepath.Clean(w.Filename)

	rel, err := filepath.Rel(mountPoint, w.Filename)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return fmt.Errorf("filename %q is not below %s", w.Filename, mountPoint)
	}

	for key, value := range map[string]string{
		"db_title":   w.DBTitle,
		"db_author":  w.DBAuthor,
		"db_comment": w.DBComment,
	} {
		if len(value) >= DBFieldMax {
			return fmt.Errorf("%s must be shorter than %d bytes", key, DBFieldMax)
		}
		if w.NeedsDBCheck() && value == "" {
			return fmt.Errorf("%s is required when db_check is set", key)
		}
	}
	return nil
}

// ParseAction splits an action command line into argv using shell quoting
// rules and resolves the executable. Variable references are expanded from
// the daemon's environment.
func ParseAction(action string) ([]string, error) {
	argv, err := shell.Fields(action, nil)
	if err != nil {
		return nil, fmt.Errorf("parse action %q: %w", action, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("action %q is empty", action)
	}

	exe, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("resolve action executable: %w", err)
	}
	argv[0] = exe
	return argv, nil
}
