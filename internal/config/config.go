// Package config loads project settings from .workstate/config.toml.
//
// Values come from, in increasing precedence: built-in defaults, the config
// file, and WST_* environment variables (WST_LOCK_TIMEOUT overrides
// lock.timeout). The decoded struct is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/relaywork/workstate/internal/contextload"
	"github.com/relaywork/workstate/internal/feed"
	"github.com/relaywork/workstate/internal/history"
	"github.com/relaywork/workstate/internal/migrate"
	"github.com/relaywork/workstate/internal/txn"
)

// FileName is the config file inside the state directory.
const FileName = "config.toml"

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "WST"

// Config holds every project setting.
type Config struct {
	DocsDir string `mapstructure:"docs_dir" validate:"required"`
	Actor   string `mapstructure:"actor" validate:"required"`

	Lock      LockConfig      `mapstructure:"lock"`
	Context   ContextConfig   `mapstructure:"context"`
	Migration MigrationConfig `mapstructure:"migration"`
	Log       LogConfig       `mapstructure:"log"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Feed      FeedConfig      `mapstructure:"feed"`
}

type LockConfig struct {
	Policy  string        `mapstructure:"policy" validate:"oneof=wait fail-fast"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type ContextConfig struct {
	MaxActionItems int `mapstructure:"max_action_items" validate:"min=1,max=500"`
	MaxNotes       int `mapstructure:"max_notes" validate:"min=1,max=500"`
}

type MigrationConfig struct {
	BranchPrefix  string        `mapstructure:"branch_prefix" validate:"required,endswith=/"`
	RecencyWindow time.Duration `mapstructure:"recency_window" validate:"gt=0"`
}

type LogConfig struct {
	// File is relative to the repository root; empty disables file logging
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=1"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"min=0"`
}

type DaemonConfig struct {
	AuditInterval    time.Duration `mapstructure:"audit_interval" validate:"gt=0"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval" validate:"gt=0"`
	PollInterval     time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	AutoRepair       bool          `mapstructure:"auto_repair"`
}

type FeedConfig struct {
	Addr string `mapstructure:"addr" validate:"required,hostname_port"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DocsDir: "docs",
		Actor:   txn.DefaultActor,
		Lock: LockConfig{
			Policy:  string(txn.PolicyWait),
			Timeout: 30 * time.Second,
		},
		Context: ContextConfig{
			MaxActionItems: contextload.DefaultMaxActionItems,
			MaxNotes:       contextload.DefaultMaxNotes,
		},
		Migration: MigrationConfig{
			BranchPrefix:  migrate.DefaultBranchPrefix,
			RecencyWindow: history.DefaultRecencyWindow,
		},
		Log: LogConfig{
			File:       txn.StateDir + "/workstate.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Daemon: DaemonConfig{
			AuditInterval:    time.Minute,
			DebounceInterval: 250 * time.Millisecond,
			PollInterval:     time.Second,
		},
		Feed: FeedConfig{Addr: feed.DefaultAddr},
	}
}

// Path returns the config file path of the repository at root.
func Path(root string) string {
	return filepath.Join(root, txn.StateDir, FileName)
}

// Load reads the config of the repository at root. A missing file is not
// an error: defaults and environment overrides still apply.
func Load(root string) (*Config, error) {
	return load(Path(root), true)
}

// LoadFile reads the config file at path, which must exist.
func LoadFile(path string) (*Config, error) {
	return load(path, false)
}

func load(path string, optional bool) (*Config, error) {
	v := viper.New()
	for key, value := range flatten("", settings(Default())) {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_, statErr := os.Stat(path)
	if !optional || statErr == nil {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// WriteDefault writes the default settings to path. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString("# workstate settings; WST_<SECTION>_<KEY> environment variables override these.\n\n"); err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(settings(Default())); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return f.Close()
}

// settings renders c as the nested key/value tree of the config file.
// Durations are written in their string form.
func settings(c Config) map[string]any {
	return map[string]any{
		"docs_dir": c.DocsDir,
		"actor":    c.Actor,
		"lock": map[string]any{
			"policy":  c.Lock.Policy,
			"timeout": c.Lock.Timeout.String(),
		},
		"context": map[string]any{
			"max_action_items": c.Context.MaxActionItems,
			"max_notes":        c.Context.MaxNotes,
		},
		"migration": map[string]any{
			"branch_prefix":  c.Migration.BranchPrefix,
			"recency_window": c.Migration.RecencyWindow.String(),
		},
		"log": map[string]any{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
		},
		"daemon": map[string]any{
			"audit_interval":    c.Daemon.AuditInterval.String(),
			"debounce_interval": c.Daemon.DebounceInterval.String(),
			"poll_interval":     c.Daemon.PollInterval.String(),
			"auto_repair":       c.Daemon.AutoRepair,
		},
		"feed": map[string]any{
			"addr": c.Feed.Addr,
		},
	}
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = v
	}
	return out
}
