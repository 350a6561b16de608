//go:build linux

package linux

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/hover/internal/command"
	"github.com/p-arndt/hover/internal/session"
)

// hover re-executes itself for the work that has to happen inside the new
// namespaces. The stage is chosen by EnvStage and configured by the JSON in
// EnvStageConfig.
//
//	parent (host ids)
//	  └─ init stage: CLONE_NEWUSER|CLONE_NEWNS, real ids mapped to 0, mounts
//	       └─ exec stage: CLONE_NEWUSER, 0 mapped back to real ids, execs
//	          the user's command
const (
	EnvStage       = "HOVER_STAGE"
	EnvStageConfig = "HOVER_STAGE_CONFIG"
)

type Stage string

const (
	StageInit Stage = "init"
	StageExec Stage = "exec"
)

// StageConfig is everything a stage process needs. It is serialized into
// the child's environment, so it holds no open resources.
type StageConfig struct {
	Stage     Stage            `json:"stage"`
	Session   session.Config   `json:"session"`
	Command   command.Resolved `json:"command"`
	Cwd       string           `json:"cwd"`
	TmpfsData string           `json:"tmpfs_data,omitempty"`
	// ParentPID is the process that launched this stage. A stage that finds
	// itself reparented exits before doing anything.
	ParentPID int    `json:"parent_pid"`
	LogLevel  string `json:"log_level,omitempty"`
}

// stageTitle is the stage's argv[0], which is how ps and the reaper see it.
func stageTitle(s Stage) string {
	return "hover-" + string(s)
}

// IsStage reports whether this process was started as a hover stage.
func IsStage() bool {
	return os.Getenv(EnvStage) != ""
}

// LoadStageConfig reads the stage configuration from the environment.
func LoadStageConfig() (*StageConfig, error) {
	stage := Stage(os.Getenv(EnvStage))
	raw := os.Getenv(EnvStageConfig)
	if raw == "" {
		return nil, fmt.Errorf("missing %s", EnvStageConfig)
	}
	var cfg StageConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parse stage config: %w", err)
	}
	if cfg.Stage != stage {
		return nil, fmt.Errorf("stage config is for %q, started as %q", cfg.Stage, stage)
	}
	return &cfg, nil
}

// launchSpec is how each stage is cloned and which identity it ends up with.
type launchSpec struct {
	cloneflags uintptr
	// ambient capabilities survive the stage's own execve, which happens
	// before its uid map exists and would otherwise clear them.
	ambient []uintptr
	phase   Phase
}

// initAmbientCaps is what the init stage holds inside its namespace.
// Overlayfs creates workdir/work with mode 000 and needs DAC_OVERRIDE,
// FOWNER and CHOWN from the mounter. A uid map naming parent uid 0, as the
// exec stage's inverse map does, requires SETFCAP.
var initAmbientCaps = []uintptr{
	unix.CAP_SYS_ADMIN,
	unix.CAP_SETUID,
	unix.CAP_SETGID,
	unix.CAP_DAC_OVERRIDE,
	unix.CAP_FOWNER,
	unix.CAP_CHOWN,
	unix.CAP_SETFCAP,
}

func specFor(stage Stage) (launchSpec, error) {
	switch stage {
	case StageInit:
		return launchSpec{
			cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS,
			ambient:    initAmbientCaps,
			phase:      OuterMapped,
		}, nil
	case StageExec:
		return launchSpec{
			cloneflags: syscall.CLONE_NEWUSER,
			phase:      InnerRestored,
		}, nil
	default:
		return launchSpec{}, fmt.Errorf("unknown stage %q", stage)
	}
}

// Launch starts cfg.Stage in its namespaces, writes its id maps and
// releases it. The child is blocked on the control channel until then. If
// anything fails after the child started, it is killed and reaped.
func Launch(cfg StageConfig, ids IDs, logger *slog.Logger) (*exec.Cmd, error) {
	spec, err := specFor(cfg.Stage)
	if err != nil {
		return nil, session.Errorf(session.KindNamespace, "launching stage", err)
	}
	mapping, err := Mapping(spec.phase, ids)
	if err != nil {
		return nil, err
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal stage config: %w", err)
	}

	ch, err := NewControlChannel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	cmd := exec.Command("/proc/self/exe")
	cmd.Args = []string{stageTitle(cfg.Stage)}
	cmd.Env = append(stripStageEnv(os.Environ()),
		EnvStage+"="+string(cfg.Stage),
		EnvStageConfig+"="+string(cfgJSON),
	)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{ch.ReadEnd()}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags:  spec.cloneflags,
		AmbientCaps: spec.ambient,
		Pdeathsig:   syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		return nil, session.Errorf(session.KindNamespace, fmt.Sprintf("starting %s stage", cfg.Stage), err)
	}
	pid := cmd.Process.Pid
	logger.Debug("stage started", "stage", cfg.Stage, "child_pid", pid, "phase", spec.phase.String())

	if err := ch.CloseReadEnd(); err != nil {
		killAndReap(cmd)
		return nil, err
	}

	if ok, err := CanMapArbitraryIDs(); err != nil {
		logger.Debug("capability probe failed", "error", err)
	} else {
		logger.Debug("capability probe", "can_map_arbitrary_ids", ok)
	}

	if err := WriteIDMaps("/proc", pid, mapping); err != nil {
		_ = ch.Release(false)
		killAndReap(cmd)
		return nil, err
	}
	if err := ch.Release(true); err != nil {
		killAndReap(cmd)
		return nil, err
	}
	logger.Debug("stage released", "stage", cfg.Stage, "child_pid", pid)
	return cmd, nil
}

// RunStage is the entry point of a stage process. The init stage returns
// the exit code to propagate; the exec stage only returns on failure.
func RunStage(cfg *StageConfig, logger *slog.Logger) (int, error) {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		return 0, session.Errorf(session.KindNamespace, "setting parent death signal", err)
	}
	// The death signal set at clone time does not survive our own execve.
	// A parent that died before the re-arm has already reparented us.
	if ppid := os.Getppid(); ppid != cfg.ParentPID {
		return 0, session.Errorf(session.KindChannel, "checking parent",
			fmt.Errorf("parent %d exited before start (now %d)", cfg.ParentPID, ppid))
	}

	if err := WaitRelease(inheritedControl()); err != nil {
		return 0, err
	}

	switch cfg.Stage {
	case StageInit:
		return runInit(cfg, logger)
	case StageExec:
		return 0, runExec(cfg)
	default:
		return 0, fmt.Errorf("unknown stage %q", cfg.Stage)
	}
}

func runInit(cfg *StageConfig, logger *slog.Logger) (int, error) {
	steps, err := OverlayPlan(&cfg.Session, cfg.Cwd, cfg.TmpfsData)
	if err != nil {
		return 0, err
	}
	if err := ApplyPlan(HostFS{}, steps, logger); err != nil {
		return 0, err
	}
	logger.Debug("overlay mounted", "target", cfg.Session.Target, "layer", cfg.Session.LayerDir)

	next := *cfg
	next.Stage = StageExec
	next.ParentPID = os.Getpid()
	cmd, err := Launch(next, IDs{UID: cfg.Session.UID, GID: cfg.Session.GID}, logger)
	if err != nil {
		return 0, err
	}
	out, err := Wait(cmd, logger)
	if err != nil {
		return 0, err
	}
	return out.ExitCode(), nil
}

func runExec(cfg *StageConfig) error {
	path, err := command.LookPath(cfg.Command)
	if err != nil {
		return err
	}
	// Ambient capabilities are inherited from the init stage and would
	// become effective in the command.
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil {
		return session.Errorf(session.KindNamespace, "clearing ambient capabilities", err)
	}
	env := session.MarkerEnv(stripStageEnv(os.Environ()))
	if err := unix.Exec(path, cfg.Command.Argv(), env); err != nil {
		return session.Errorf(session.KindCommand, "executing "+path, err)
	}
	return nil
}

func stripStageEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		if strings.HasPrefix(kv, EnvStage+"=") || strings.HasPrefix(kv, EnvStageConfig+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
