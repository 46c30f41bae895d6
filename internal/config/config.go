// Package config loads doflow settings from YAML, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "DOFLOW"

// Sync remotes.
const (
	RemoteNone = "none"
	RemoteFile = "file"
	RemoteWS   = "ws"
)

var ErrExists = errors.New("config file already exists")

type Config struct {
	DBPath       string      `mapstructure:"db_path"`
	LogFile      string      `mapstructure:"log_file"`
	LogMaxSizeMB int         `mapstructure:"log_max_size_mb"`
	Sync         SyncConfig  `mapstructure:"sync"`
	Alarm        AlarmConfig `mapstructure:"alarm"`
}

type SyncConfig struct {
	Remote   string        `mapstructure:"remote"`
	File     string        `mapstructure:"file"`
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
}

type AlarmConfig struct {
	Mode    string        `mapstructure:"mode"`
	Command string        `mapstructure:"command"`
	Repeat  time.Duration `mapstructure:"repeat"`
}

// Dir returns ~/.config/doflow.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".config", "doflow"), nil
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	dir, err := Dir()
	if err != nil {
		dir = "."
	}
	return &Config{
		DBPath:       filepath.Join(dir, "doflow.db"),
		LogFile:      filepath.Join(dir, "doflow.log"),
		LogMaxSizeMB: 5,
		Sync: SyncConfig{
			Remote:   RemoteNone,
			File:     filepath.Join(dir, "shared", "doflow.json"),
			URL:      "ws://localhost:8787/ws",
			Interval: time.Minute,
		},
		Alarm: AlarmConfig{
			Mode:   "bell",
			Repeat: 2 * time.Second,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("log_max_size_mb", d.LogMaxSizeMB)
	v.SetDefault("sync.remote", d.Sync.Remote)
	v.SetDefault("sync.file", d.Sync.File)
	v.SetDefault("sync.url", d.Sync.URL)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("alarm.mode", d.Alarm.Mode)
	v.SetDefault("alarm.command", d.Alarm.Command)
	v.SetDefault("alarm.repeat", d.Alarm.Repeat)
}

// Load reads path (the default location when empty). A missing file is not
// an error. DOFLOW_* environment variables override the file, e.g.
// DOFLOW_SYNC_REMOTE=ws.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.DBPath = expandHome(cfg.DBPath)
	cfg.LogFile = expandHome(cfg.LogFile)
	cfg.Sync.File = expandHome(cfg.Sync.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the sync and alarm sections.
func (c *Config) Validate() error {
	switch c.Sync.Remote {
	case RemoteNone:
	case RemoteFile:
		if c.Sync.File == "" {
			return errors.New("sync.file is required for the file remote")
		}
	case RemoteWS:
		if !strings.HasPrefix(c.Sync.URL, "ws://") && !strings.HasPrefix(c.Sync.URL, "wss://") {
			return fmt.Errorf("sync.url %q must be a ws:// or wss:// URL", c.Sync.URL)
		}
	default:
		return fmt.Errorf("unknown sync.remote %q (want none, file or ws)", c.Sync.Remote)
	}

	switch c.Alarm.Mode {
	case "bell", "none":
	case "command":
		if strings.TrimSpace(c.Alarm.Command) == "" {
			return errors.New("alarm.command is required for the command alarm")
		}
	default:
		return fmt.Errorf("unknown alarm.mode %q (want bell, command or none)", c.Alarm.Mode)
	}

	if c.LogMaxSizeMB <= 0 {
		return errors.New("log_max_size_mb must be positive")
	}
	return nil
}

// fileFormat is the on-disk layout written by Write; durations are kept
// human readable.
type fileFormat struct {
	DBPath       string `yaml:"db_path"`
	LogFile      string `yaml:"log_file"`
	LogMaxSizeMB int    `yaml:"log_max_size_mb"`
	Sync         struct {
		Remote   string `yaml:"remote"`
		File     string `yaml:"file"`
		URL      string `yaml:"url"`
		Interval string `yaml:"interval"`
	} `yaml:"sync"`
	Alarm struct {
		Mode    string `yaml:"mode"`
		Command string `yaml:"command,omitempty"`
		Repeat  string `yaml:"repeat"`
	} `yaml:"alarm"`
}

// Write saves cfg as YAML. An existing file is only replaced when overwrite
// is set.
func Write(path string, cfg *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s: %w", path, ErrExists)
		}
	}

	var f fileFormat
	f.DBPath = cfg.DBPath
	f.LogFile = cfg.LogFile
	f.LogMaxSizeMB = cfg.LogMaxSizeMB
	f.Sync.Remote = cfg.Sync.Remote
	f.Sync.File = cfg.Sync.File
	f.Sync.URL = cfg.Sync.URL
	f.Sync.Interval = cfg.Sync.Interval.String()
	f.Alarm.Mode = cfg.Alarm.Mode
	f.Alarm.Command = cfg.Alarm.Command
	f.Alarm.Repeat = cfg.Alarm.Repeat.String()

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
