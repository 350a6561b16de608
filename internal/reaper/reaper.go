// Package reaper reconciles the allocation ledger with the processes that
// are actually alive. A hover killed with SIGKILL never records how its
// sandbox ended; the reaper marks such rows abandoned so the layer
// inventory can show them.
package reaper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/hover/internal/store"
)

// StageTitle is argv[0] of a running init stage.
const StageTitle = "hover-init"

type Reaper struct {
	store  ReaperStore
	probe  ProcessProbe
	logger *slog.Logger
}

func New(st ReaperStore, probe ProcessProbe, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:  st,
		probe:  probe,
		logger: logger,
	}
}

// Reconcile marks every running allocation whose init stage is gone as
// abandoned and returns how many it marked.
func (r *Reaper) Reconcile(ctx context.Context) (int, error) {
	running, err := r.store.ListRunningAllocations()
	if err != nil {
		return 0, fmt.Errorf("reconcile: list running allocations: %w", err)
	}

	marked := 0
	for _, a := range running {
		if err := ctx.Err(); err != nil {
			return marked, err
		}
		alive, err := r.probe.Alive(a.PID)
		if err != nil {
			r.logger.Warn("reconcile: error checking allocation",
				"allocation_id", a.ID, "pid", a.PID, "error", err)
			continue
		}
		if alive {
			continue
		}

		r.logger.Info("reconcile: init stage gone, marking abandoned",
			"allocation_id", a.ID, "pid", a.PID)
		if err := r.store.MarkStatus(a.ID, store.StatusAbandoned); err != nil {
			r.logger.Error("reconcile: update status", "allocation_id", a.ID, "error", err)
			continue
		}
		marked++
	}
	return marked, nil
}

// ProcProbe checks liveness through procfs. A pid that now belongs to an
// unrelated process counts as dead.
type ProcProbe struct {
	// ProcRoot is /proc unless testing.
	ProcRoot string
}

func (p ProcProbe) Alive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		if errors.Is(err, unix.ESRCH) {
			return false, nil
		}
		return false, err
	}

	root := p.ProcRoot
	if root == "" {
		root = "/proc"
	}
	raw, err := os.ReadFile(filepath.Join(root, strconv.Itoa(pid), "cmdline"))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	argv0, _, _ := bytes.Cut(raw, []byte{0})
	return string(argv0) == StageTitle, nil
}
