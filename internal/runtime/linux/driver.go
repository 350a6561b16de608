//go:build linux

package linux

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/p-arndt/hover/internal/command"
	"github.com/p-arndt/hover/internal/config"
	"github.com/p-arndt/hover/internal/runtime"
	"github.com/p-arndt/hover/internal/session"
	"github.com/p-arndt/hover/internal/store"
)

// Ledger records allocations. It is optional and every write is best
// effort: a broken ledger never stops a sandbox.
type Ledger interface {
	CreateAllocation(a *store.Allocation) error
	SetPID(id string, pid int) error
	FinishAllocation(id, status string, exitCode int) error
}

type Driver struct {
	cfg      *config.Config
	ledger   Ledger
	resolver *command.Resolver
	logger   *slog.Logger
}

var _ runtime.Driver = (*Driver)(nil)

// NewDriver returns a driver. ledger may be nil.
func NewDriver(cfg *config.Config, ledger Ledger, resolver *command.Resolver, logger *slog.Logger) *Driver {
	return &Driver{
		cfg:      cfg,
		ledger:   ledger,
		resolver: resolver,
		logger:   logger,
	}
}

// Run checks policy, resolves the command and session, starts the init
// stage and waits for it. Everything before Launch happens in the host
// namespaces with the real ids.
func (d *Driver) Run(ctx context.Context, req runtime.Request) (*runtime.Result, error) {
	if err := session.CheckPolicy(req.Env); err != nil {
		return nil, err
	}

	resolved, err := d.resolver.Resolve(req.Argv)
	if err != nil {
		return nil, err
	}
	if _, err := command.LookPath(resolved); err != nil {
		return nil, err
	}

	sc, err := session.Build(req.Env, d.cfg)
	if err != nil {
		return nil, err
	}
	tmpfsData, err := d.cfg.TmpfsOptions()
	if err != nil {
		return nil, session.Errorf(session.KindConfig, "runtime tmpfs options", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, session.Errorf(session.KindConfig, "reading working directory", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.logger.Debug("session resolved",
		"allocation_id", sc.AllocationID,
		"target", sc.Target,
		"layer", sc.LayerDir,
		"command", resolved.Path,
		"inherited", resolved.Inherited,
	)
	d.recordCreate(sc, resolved)

	cmd, err := Launch(StageConfig{
		Stage:     StageInit,
		Session:   *sc,
		Command:   resolved,
		Cwd:       cwd,
		TmpfsData: tmpfsData,
		ParentPID: os.Getpid(),
		LogLevel:  d.cfg.LogLevel,
	}, IDs{UID: req.Env.UID, GID: req.Env.GID}, d.logger)
	if err != nil {
		d.recordFinish(sc.AllocationID, store.StatusFailed, 1)
		return nil, err
	}
	d.recordPID(sc.AllocationID, cmd.Process.Pid)

	out, err := Wait(cmd, d.logger)
	if err != nil {
		d.recordFinish(sc.AllocationID, store.StatusFailed, 1)
		return nil, err
	}

	res := &runtime.Result{
		AllocationID: sc.AllocationID,
		LayerDir:     sc.LayerDir,
		Status:       statusFor(out),
		ExitCode:     out.ExitCode(),
	}
	d.recordFinish(res.AllocationID, res.Status, res.ExitCode)
	return res, nil
}

func statusFor(out ExitOutcome) string {
	switch out.Outcome {
	case OutcomeClean:
		return store.StatusExited
	case OutcomeSignaled:
		return store.StatusSignaled
	default:
		return store.StatusFailed
	}
}

func (d *Driver) recordCreate(sc *session.Config, resolved command.Resolved) {
	if d.ledger == nil {
		return
	}
	err := d.ledger.CreateAllocation(&store.Allocation{
		ID:        sc.AllocationID,
		Target:    sc.Target,
		LayerDir:  sc.LayerDir,
		WorkDir:   sc.WorkDir,
		Command:   strings.Join(resolved.Argv(), " "),
		Status:    store.StatusRunning,
		CreatedAt: time.Now(),
	})
	if err != nil {
		d.logger.Warn("ledger: record allocation", "allocation_id", sc.AllocationID, "error", err)
	}
}

func (d *Driver) recordPID(id string, pid int) {
	if d.ledger == nil {
		return
	}
	if err := d.ledger.SetPID(id, pid); err != nil {
		d.logger.Warn("ledger: record pid", "allocation_id", id, "error", err)
	}
}

func (d *Driver) recordFinish(id, status string, code int) {
	if d.ledger == nil {
		return
	}
	if err := d.ledger.FinishAllocation(id, status, code); err != nil {
		d.logger.Warn("ledger: finish allocation", "allocation_id", id, "error", err)
	}
}
