package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Target is the directory overlaid by the sandbox. Defaults to $HOME.
	Target string `yaml:"target"`
	// CacheDir is the base directory for layer and work storage.
	CacheDir string `yaml:"cache_dir"`
	// RuntimeDir is the base directory for per-session scratch space.
	RuntimeDir string `yaml:"runtime_dir"`
	LogLevel   string `yaml:"log_level"`
	// RuntimeTmpfsSize caps the scratch tmpfs, e.g. "16m". Empty mounts it
	// without options.
	RuntimeTmpfsSize string `yaml:"runtime_tmpfs_size"`
	// Ledger records allocations in <cache>/hover/hover.db.
	Ledger bool `yaml:"ledger"`
}

// Lookup reads an environment variable; os.LookupEnv in production.
type Lookup func(key string) (string, bool)

// DefaultPath returns $XDG_CONFIG_HOME/hover/config.yaml.
func DefaultPath() string {
	return defaultPath(os.LookupEnv)
}

func defaultPath(lookup Lookup) string {
	base := xdgDir(lookup, "XDG_CONFIG_HOME", ".config")
	if base == "" {
		return ""
	}
	return filepath.Join(base, "hover", "config.yaml")
}

// Load builds the config from defaults, the YAML file at yamlPath (a missing
// file is not an error) and HOVER_* environment overrides.
func Load(yamlPath string) (*Config, error) {
	return load(yamlPath, os.LookupEnv, os.Getuid())
}

func load(yamlPath string, lookup Lookup, uid int) (*Config, error) {
	cfg := &Config{
		Target:     homeDir(lookup),
		CacheDir:   xdgDir(lookup, "XDG_CACHE_HOME", ".cache"),
		RuntimeDir: runtimeDir(lookup, uid),
		LogLevel:   "warn",
		Ledger:     true,
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg, lookup)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, lookup Lookup) {
	if v, ok := lookup("HOVER_TARGET"); ok && v != "" {
		cfg.Target = v
	}
	if v, ok := lookup("HOVER_CACHE_DIR"); ok && v != "" {
		cfg.CacheDir = v
	}
	if v, ok := lookup("HOVER_RUNTIME_DIR"); ok && v != "" {
		cfg.RuntimeDir = v
	}
	if v, ok := lookup("HOVER_LOG"); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := lookup("HOVER_TMPFS_SIZE"); ok && v != "" {
		cfg.RuntimeTmpfsSize = v
	}
	if v, ok := lookup("HOVER_LEDGER"); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Ledger = b
		}
	}
}

func (c *Config) validate() error {
	for _, p := range []struct{ key, val string }{
		{"target", c.Target},
		{"cache_dir", c.CacheDir},
		{"runtime_dir", c.RuntimeDir},
	} {
		if p.val == "" {
			return fmt.Errorf("%s is not set and has no default", p.key)
		}
		if !filepath.IsAbs(p.val) {
			return fmt.Errorf("%s must be an absolute path, got %q", p.key, p.val)
		}
	}
	if _, err := c.TmpfsOptions(); err != nil {
		return err
	}
	return nil
}

// TmpfsOptions returns the mount data for the scratch tmpfs.
func (c *Config) TmpfsOptions() (string, error) {
	if c.RuntimeTmpfsSize == "" {
		return "", nil
	}
	size, err := units.RAMInBytes(c.RuntimeTmpfsSize)
	if err != nil {
		return "", fmt.Errorf("runtime_tmpfs_size: %w", err)
	}
	if size <= 0 {
		return "", fmt.Errorf("runtime_tmpfs_size must be positive, got %q", c.RuntimeTmpfsSize)
	}
	return "size=" + strconv.FormatInt(size, 10), nil
}

func homeDir(lookup Lookup) string {
	if v, ok := lookup("HOME"); ok && v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

// xdgDir follows the XDG base directory rule: the variable if it holds an
// absolute path, $HOME/<fallback> otherwise.
func xdgDir(lookup Lookup, key, fallback string) string {
	if v, ok := lookup(key); ok && filepath.IsAbs(v) {
		return v
	}
	home := homeDir(lookup)
	if home == "" {
		return ""
	}
	return filepath.Join(home, fallback)
}

func runtimeDir(lookup Lookup, uid int) string {
	if v, ok := lookup("XDG_RUNTIME_DIR"); ok && filepath.IsAbs(v) {
		return v
	}
	run := filepath.Join("/run/user", strconv.Itoa(uid))
	if fi, err := os.Stat(run); err == nil && fi.IsDir() {
		return run
	}
	return filepath.Join(os.TempDir(), "hover-"+strconv.Itoa(uid))
}

// Level maps LogLevel to a slog level, defaulting to warn.
func (c *Config) Level() slog.Level {
	return ParseLevel(c.LogLevel)
}

// ParseLevel maps a level name to a slog level. Unknown names are warn.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
