// Package layers inventories the upper layers hover leaves behind in its
// cache directory. Each sandbox run writes to its own layer-<id> directory;
// nothing is merged back, so these accumulate until removed.
package layers

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/p-arndt/hover/internal/store"
)

const (
	layerPrefix = "layer-"
	workPrefix  = ".work-"
)

var (
	ErrNotFound = errors.New("layer not found")
	// ErrInUse means the layer is still the upper directory of a live
	// sandbox.
	ErrInUse = errors.New("layer is in use by a running sandbox")
)

// Layer is one allocation's upper directory.
type Layer struct {
	ID       string
	Path     string
	WorkPath string
	Size     int64
	Files    int
	ModTime  time.Time
	// Allocation is the ledger row, nil when the ledger has none.
	Allocation *store.Allocation
}

func (l Layer) HumanSize() string {
	return units.HumanSize(float64(l.Size))
}

// Status is the ledger status, or "unknown" without a ledger row.
func (l Layer) Status() string {
	if l.Allocation == nil {
		return "unknown"
	}
	return l.Allocation.Status
}

// AllocationLister is the part of the ledger the inventory reads.
type AllocationLister interface {
	ListAllocations() ([]*store.Allocation, error)
}

// LivenessProbe reports whether an allocation's init stage still runs.
type LivenessProbe interface {
	Alive(pid int) (bool, error)
}

type Inventory struct {
	// Dir is hover's cache directory (<cache>/hover).
	Dir    string
	Ledger AllocationLister
	// Probe checks running allocations before removal. Without one, a
	// running allocation is assumed alive.
	Probe LivenessProbe
}

func New(dir string, ledger AllocationLister) *Inventory {
	return &Inventory{Dir: dir, Ledger: ledger}
}

// List returns all layers, newest first. A missing cache directory is an
// empty inventory.
func (inv *Inventory) List() ([]Layer, error) {
	entries, err := os.ReadDir(inv.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", inv.Dir, err)
	}

	byID := map[string]*store.Allocation{}
	if inv.Ledger != nil {
		allocs, err := inv.Ledger.ListAllocations()
		if err != nil {
			return nil, fmt.Errorf("reading ledger: %w", err)
		}
		for _, a := range allocs {
			byID[a.ID] = a
		}
	}

	var out []Layer
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), layerPrefix) {
			continue
		}
		id := strings.TrimPrefix(e.Name(), layerPrefix)
		l, err := inv.stat(id)
		if err != nil {
			return nil, err
		}
		l.Allocation = byID[id]
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ID > out[j].ID
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// Get returns a single layer by allocation id.
func (inv *Inventory) Get(id string) (Layer, error) {
	if err := validID(id); err != nil {
		return Layer{}, err
	}
	return inv.stat(id)
}

func (inv *Inventory) stat(id string) (Layer, error) {
	l := Layer{
		ID:       id,
		Path:     filepath.Join(inv.Dir, layerPrefix+id),
		WorkPath: filepath.Join(inv.Dir, workPrefix+id),
	}
	fi, err := os.Stat(l.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Layer{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Layer{}, fmt.Errorf("stat layer %s: %w", id, err)
	}
	l.ModTime = fi.ModTime()

	err = filepath.WalkDir(l.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			if d != nil && d.IsDir() && path != l.Path {
				return fs.SkipDir
			}
			return nil
		}
		if path == l.Path {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		l.Files++
		if info.Mode().IsRegular() {
			l.Size += info.Size()
		}
		return nil
	})
	if err != nil {
		return Layer{}, fmt.Errorf("walking layer %s: %w", id, err)
	}
	return l, nil
}

// Remove deletes a layer and its work directory. Overlayfs leaves the
// work directory's inner "work" dir with mode 000, so permissions are
// widened before removal.
func (inv *Inventory) Remove(id string) error {
	l, err := inv.Get(id)
	if err != nil {
		return err
	}
	if err := inv.checkNotRunning(id); err != nil {
		return err
	}
	for _, dir := range []string{l.WorkPath, l.Path} {
		if err := makeRemovable(dir); err != nil {
			return err
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}
	return nil
}

func (inv *Inventory) checkNotRunning(id string) error {
	if inv.Ledger == nil {
		return nil
	}
	allocs, err := inv.Ledger.ListAllocations()
	if err != nil {
		return fmt.Errorf("reading ledger: %w", err)
	}
	for _, a := range allocs {
		if a.ID != id || a.Status != store.StatusRunning {
			continue
		}
		if inv.Probe == nil {
			return fmt.Errorf("%s: %w", id, ErrInUse)
		}
		alive, err := inv.Probe.Alive(a.PID)
		if err != nil {
			return fmt.Errorf("checking pid %d of %s: %w", a.PID, id, err)
		}
		if alive {
			return fmt.Errorf("%s (pid %d): %w", id, a.PID, ErrInUse)
		}
	}
	return nil
}

func makeRemovable(root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := os.Chmod(path, 0700); err != nil {
				return fmt.Errorf("chmod %s: %w", path, err)
			}
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// validID rejects ids that would escape the cache directory.
func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid allocation id %q", id)
	}
	return nil
}
