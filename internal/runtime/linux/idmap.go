//go:build linux

package linux

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/moby/sys/capability"
	"golang.org/x/sys/unix"

	"github.com/p-arndt/hover/internal/session"
)

// Phase names the identity a namespaced process ends up with once its maps
// are written.
type Phase int

const (
	// OuterMapped: the user's real uid/gid appear as 0 inside the first
	// namespace, so the init stage holds capabilities there.
	OuterMapped Phase = iota + 1
	// InnerRestored: a second namespace maps 0 back to the real ids, so the
	// user's command sees its usual identity.
	InnerRestored
)

func (p Phase) String() string {
	switch p {
	case OuterMapped:
		return "outer-mapped"
	case InnerRestored:
		return "inner-restored"
	default:
		return "phase(" + strconv.Itoa(int(p)) + ")"
	}
}

// IDs are the real user and group ids of the invoking user.
type IDs struct {
	UID int
	GID int
}

// IDMapping is the exact content written to a child's
// /proc/<pid>/{uid_map,setgroups,gid_map}.
type IDMapping struct {
	Phase     Phase
	UIDMap    string
	SetGroups string
	GIDMap    string
}

const setGroupsDeny = "deny"

// Mapping computes the payloads for phase. It has no side effects.
func Mapping(phase Phase, ids IDs) (IDMapping, error) {
	uid, gid := strconv.Itoa(ids.UID), strconv.Itoa(ids.GID)
	switch phase {
	case OuterMapped:
		return IDMapping{
			Phase:     phase,
			UIDMap:    "0 " + uid + " 1",
			SetGroups: setGroupsDeny,
			GIDMap:    "0 " + gid + " 1",
		}, nil
	case InnerRestored:
		return IDMapping{
			Phase:     phase,
			UIDMap:    uid + " 0 1",
			SetGroups: setGroupsDeny,
			GIDMap:    gid + " 0 1",
		}, nil
	default:
		return IDMapping{}, session.Errorf(session.KindNamespace, "computing id mapping",
			fmt.Errorf("unknown phase %s", phase))
	}
}

// WriteIDMaps writes m into <procRoot>/<pid>. The uid map goes first, then
// setgroups is denied, then the gid map; the kernel rejects an
// unprivileged gid map while setgroups is still allowed.
func WriteIDMaps(procRoot string, pid int, m IDMapping) error {
	dir := filepath.Join(procRoot, strconv.Itoa(pid))
	files := []struct {
		name    string
		payload string
	}{
		{"uid_map", m.UIDMap},
		{"setgroups", m.SetGroups},
		{"gid_map", m.GIDMap},
	}
	for _, f := range files {
		if err := writeProcFile(filepath.Join(dir, f.name), f.payload); err != nil {
			return session.Errorf(session.KindNamespace, "setting "+f.name+" for child", err)
		}
	}
	return nil
}

// writeProcFile issues exactly one write(2); id map files reject partial
// updates.
func writeProcFile(path, content string) error {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	if _, err := unix.Write(fd, []byte(content)); err != nil {
		unix.Close(fd)
		return err
	}
	return unix.Close(fd)
}

// CanMapArbitraryIDs reports whether the calling process holds CAP_SETUID
// and CAP_SETGID. Without them only the single-line self mapping used here
// is permitted, which is all hover needs; the result is informational.
func CanMapArbitraryIDs() (bool, error) {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return false, err
	}
	if err := caps.Load(); err != nil {
		return false, err
	}
	return caps.Get(capability.EFFECTIVE, capability.CAP_SETUID) &&
		caps.Get(capability.EFFECTIVE, capability.CAP_SETGID), nil
}
