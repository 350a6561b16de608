//go:build linux

package linux

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/hover/internal/session"
)

// StepOp is what a MountStep does.
type StepOp int

const (
	OpMount StepOp = iota
	OpMkdir
	OpChdir
)

// MountStep is one declarative filesystem operation in the init stage.
// For OpMkdir and OpChdir only Target is used.
type MountStep struct {
	Op     StepOp
	Name   string
	Source string
	Target string
	FsType string
	Flags  uintptr
	Data   string
	// KeepLocked ORs in the per-mount flags of Target that a user namespace
	// is not allowed to clear. Needed for read-only bind remounts.
	KeepLocked bool
}

func (s MountStep) String() string {
	switch s.Op {
	case OpMkdir:
		return fmt.Sprintf("%s: mkdir %s", s.Name, s.Target)
	case OpChdir:
		return fmt.Sprintf("%s: chdir %s", s.Name, s.Target)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: mount", s.Name)
	if s.Source != "" {
		fmt.Fprintf(&b, " %s", s.Source)
	}
	fmt.Fprintf(&b, " on %s", s.Target)
	if s.FsType != "" {
		fmt.Fprintf(&b, " type %s", s.FsType)
	}
	if names := mountFlagNames(s.Flags); names != "" {
		fmt.Fprintf(&b, " (%s)", names)
	}
	return b.String()
}

// FS performs the system calls behind a plan.
type FS interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Mkdir(path string, perm os.FileMode) error
	Chdir(path string) error
	// LockedFlags returns the MS_* flags currently set on the mount at path
	// that an unprivileged remount must preserve.
	LockedFlags(path string) (uintptr, error)
}

// HostFS is the real kernel.
type HostFS struct{}

func (HostFS) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (HostFS) Mkdir(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (HostFS) Chdir(path string) error {
	return unix.Chdir(path)
}

func (HostFS) LockedFlags(path string) (uintptr, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return lockedFromStatfs(int64(st.Flags)), nil
}

// lockedFromStatfs translates ST_* bits into the MS_* bits a bind remount
// inside a user namespace has to repeat.
func lockedFromStatfs(stFlags int64) uintptr {
	table := []struct {
		st int64
		ms uintptr
	}{
		{unix.ST_NOSUID, unix.MS_NOSUID},
		{unix.ST_NODEV, unix.MS_NODEV},
		{unix.ST_NOEXEC, unix.MS_NOEXEC},
		{unix.ST_NOATIME, unix.MS_NOATIME},
		{unix.ST_NODIRATIME, unix.MS_NODIRATIME},
		{unix.ST_RELATIME, unix.MS_RELATIME},
	}
	var ms uintptr
	for _, e := range table {
		if stFlags&e.st != 0 {
			ms |= e.ms
		}
	}
	return ms
}

// ApplyPlan runs steps in order and stops at the first failure, naming the
// step that failed.
func ApplyPlan(fs FS, steps []MountStep, logger *slog.Logger) error {
	for i, step := range steps {
		logger.Debug("mount step", "index", i, "step", step.String())
		if err := applyStep(fs, step); err != nil {
			return session.Errorf(session.KindMount, step.Name, fmt.Errorf("%s: %w", step.Target, err))
		}
	}
	return nil
}

func applyStep(fs FS, step MountStep) error {
	switch step.Op {
	case OpMkdir:
		return fs.Mkdir(step.Target, 0700)
	case OpChdir:
		return fs.Chdir(step.Target)
	case OpMount:
		flags := step.Flags
		if step.KeepLocked {
			locked, err := fs.LockedFlags(step.Target)
			if err != nil {
				return fmt.Errorf("statfs: %w", err)
			}
			flags |= locked
		}
		return fs.Mount(step.Source, step.Target, step.FsType, flags, step.Data)
	default:
		return fmt.Errorf("unknown step op %d", step.Op)
	}
}

// OverlayPlan lays out the init stage's mount sequence for sc:
//
//  1. stop propagation back to the host namespace
//  2. a private tmpfs on the runtime directory
//  3. a read-only recursive bind of the target under it (the snapshot)
//  4. the layer and work directories
//  5. the overlay itself, mounted over the target
//  6. chdir into cwd so it resolves through the overlay
//  7. the runtime and cache directories hidden behind an empty directory
//
// tmpfsData is passed verbatim as the tmpfs options.
func OverlayPlan(sc *session.Config, cwd, tmpfsData string) ([]MountStep, error) {
	opts, err := OverlayOptions(sc.OldRoot(), sc.LayerDir, sc.WorkDir)
	if err != nil {
		return nil, err
	}
	empty := sc.EmptyDir()

	return []MountStep{
		{Op: OpMount, Name: "making mounts private", Target: "/", Flags: unix.MS_REC | unix.MS_PRIVATE},
		{Op: OpMount, Name: "mounting runtime tmpfs", Source: "tmpfs", Target: sc.RuntimeDir, FsType: "tmpfs", Data: tmpfsData},
		{Op: OpMkdir, Name: "creating snapshot mountpoint", Target: sc.OldRoot()},
		{Op: OpMount, Name: "binding target snapshot", Source: sc.Target, Target: sc.OldRoot(), Flags: unix.MS_BIND | unix.MS_REC},
		{Op: OpMount, Name: "making snapshot read-only", Target: sc.OldRoot(),
			Flags: unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY, KeepLocked: true},
		{Op: OpMkdir, Name: "creating layer directory", Target: sc.LayerDir},
		{Op: OpMkdir, Name: "creating work directory", Target: sc.WorkDir},
		{Op: OpMount, Name: "mounting overlay", Source: "overlay", Target: sc.Target, FsType: "overlay", Data: opts},
		{Op: OpChdir, Name: "entering working directory", Target: cwd},
		{Op: OpMkdir, Name: "creating empty directory", Target: empty},
		// The cache is sealed first: once the runtime directory is covered,
		// the empty directory is no longer reachable by path.
		{Op: OpMount, Name: "hiding cache directory", Source: empty, Target: sc.CacheDir, Flags: unix.MS_BIND},
		{Op: OpMount, Name: "sealing cache directory", Target: sc.CacheDir,
			Flags: unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY, KeepLocked: true},
		{Op: OpMount, Name: "hiding runtime directory", Source: empty, Target: sc.RuntimeDir, Flags: unix.MS_BIND},
		{Op: OpMount, Name: "sealing runtime directory", Target: sc.RuntimeDir,
			Flags: unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY, KeepLocked: true},
	}, nil
}

// OverlayOptions builds the overlay mount data. Paths are used as raw bytes;
// the option separators ',' and ':' and the escape character itself are
// backslash-escaped the way overlayfs expects.
func OverlayOptions(lower, upper, work string) (string, error) {
	for _, p := range []struct{ key, path string }{
		{"lowerdir", lower},
		{"upperdir", upper},
		{"workdir", work},
	} {
		if p.path == "" {
			return "", session.Errorf(session.KindMount, "building overlay options", fmt.Errorf("%s is empty", p.key))
		}
		if strings.ContainsRune(p.path, 0) {
			return "", session.Errorf(session.KindMount, "building overlay options", fmt.Errorf("%s contains NUL byte", p.key))
		}
	}
	return "lowerdir=" + escapeOverlayPath(lower) +
		",upperdir=" + escapeOverlayPath(upper) +
		",workdir=" + escapeOverlayPath(work), nil
}

var overlayEscaper = strings.NewReplacer(`\`, `\\`, `,`, `\,`, `:`, `\:`)

func escapeOverlayPath(p string) string {
	return overlayEscaper.Replace(p)
}

func mountFlagNames(flags uintptr) string {
	names := []struct {
		flag uintptr
		name string
	}{
		{unix.MS_RDONLY, "ro"},
		{unix.MS_NOSUID, "nosuid"},
		{unix.MS_NODEV, "nodev"},
		{unix.MS_NOEXEC, "noexec"},
		{unix.MS_REMOUNT, "remount"},
		{unix.MS_BIND, "bind"},
		{unix.MS_REC, "rec"},
		{unix.MS_PRIVATE, "private"},
		{unix.MS_NOATIME, "noatime"},
		{unix.MS_RELATIME, "relatime"},
	}
	var out []string
	for _, n := range names {
		if flags&n.flag != 0 {
			out = append(out, n.name)
		}
	}
	return strings.Join(out, ",")
}
