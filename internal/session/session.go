// Package session resolves the identity of one hover sandbox: the overlaid
// target, the scratch and cache directories, the allocation id that names
// the session's backing storage, and the invoker's real ids.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/hover/internal/config"
)

// AppDir is the directory hover owns under both base directories.
const AppDir = "hover"

const (
	allocationSuffixLen = 7
	allocationAlphabet  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	allocationTimeFmt   = "2006-01-02-1504"
)

// Config is immutable after Build and is handed read-only to the child
// stages.
type Config struct {
	Target       string `json:"target"`
	RuntimeDir   string `json:"runtime_dir"`
	CacheDir     string `json:"cache_dir"`
	AllocationID string `json:"allocation_id"`
	LayerDir     string `json:"layer_dir"`
	WorkDir      string `json:"work_dir"`
	UID          int    `json:"uid"`
	GID          int    `json:"gid"`
}

// OldRoot is where the read-only snapshot of the target is bind-mounted.
func (c *Config) OldRoot() string {
	return filepath.Join(c.RuntimeDir, "oldroot")
}

// EmptyDir is the immutable directory used to seal hover's own directories.
func (c *Config) EmptyDir() string {
	return filepath.Join(c.RuntimeDir, "empty")
}

// Build resolves all paths for a new session and creates the base
// directories. Every failure is a KindConfig error.
func Build(env Env, cfg *config.Config) (*Config, error) {
	return build(env, cfg, time.Now(), rand.Reader)
}

func build(env Env, cfg *config.Config, now time.Time, rnd io.Reader) (*Config, error) {
	target, err := absDir(cfg.Target)
	if err != nil {
		return nil, Errorf(KindConfig, "resolving target directory", err)
	}
	cacheDir := filepath.Join(cfg.CacheDir, AppDir)
	runtimeDir := filepath.Join(cfg.RuntimeDir, AppDir)

	for _, dir := range []struct{ name, path string }{
		{"target", target},
		{"cache", cacheDir},
		{"runtime", runtimeDir},
	} {
		if err := ensureWritableDir(dir.path); err != nil {
			return nil, Errorf(KindConfig, fmt.Sprintf("preparing %s directory %s", dir.name, dir.path), err)
		}
	}

	id, err := NewAllocationID(now, rnd)
	if err != nil {
		return nil, Errorf(KindConfig, "generating allocation id", err)
	}

	c := &Config{
		Target:       target,
		RuntimeDir:   runtimeDir,
		CacheDir:     cacheDir,
		AllocationID: id,
		LayerDir:     filepath.Join(cacheDir, "layer-"+id),
		WorkDir:      filepath.Join(cacheDir, ".work-"+id),
		UID:          env.UID,
		GID:          env.GID,
	}

	for _, dir := range []string{c.LayerDir, c.WorkDir} {
		if err := ensureEmptyOrMissing(dir); err != nil {
			return nil, Errorf(KindConfig, "checking "+dir, err)
		}
	}
	return c, nil
}

// NewAllocationID returns "<year>-<month>-<day>-<hour><minute>-<7 alnum>".
// Uniqueness rests on the minute resolution plus 62^7 random suffixes;
// collisions are not checked.
func NewAllocationID(now time.Time, rnd io.Reader) (string, error) {
	suffix := make([]byte, 0, allocationSuffixLen)
	buf := make([]byte, 16)
	// 248 is the largest multiple of 62 below 256; higher bytes are
	// rejected so every character is equally likely.
	const limit = 256 - 256%len(allocationAlphabet)
	for len(suffix) < allocationSuffixLen {
		if _, err := io.ReadFull(rnd, buf); err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			suffix = append(suffix, allocationAlphabet[int(b)%len(allocationAlphabet)])
			if len(suffix) == allocationSuffixLen {
				break
			}
		}
	}
	return now.Format(allocationTimeFmt) + "-" + string(suffix), nil
}

func absDir(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	if err := unix.Access(dir, unix.W_OK); err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	return nil
}

func ensureEmptyOrMissing(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("%s already exists and is not empty", dir)
	}
	return nil
}
