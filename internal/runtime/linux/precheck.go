//go:build linux

package linux

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Check statuses.
const (
	StatusOK   = "OK"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
)

// Check is one line of `hover doctor`.
type Check struct {
	Name    string
	Status  string
	Details string
}

// Unprivileged overlayfs inside a user namespace landed in 5.11.
const minKernelMajor, minKernelMinor = 5, 11

// Prechecks runs every host check. cacheDir is where layers will live.
func Prechecks(cacheDir string) []Check {
	return []Check{
		CheckKernel(),
		CheckOverlayFS("/proc/filesystems"),
		CheckUserNamespaces("/proc/sys"),
		CheckNamespaceMount(),
		CheckCacheDir(cacheDir),
		CheckNotRoot(os.Geteuid()),
	}
}

func CheckKernel() Check {
	c := Check{Name: "Kernel >= 5.11"}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		c.Status, c.Details = StatusFail, fmt.Sprintf("uname failed: %v", err)
		return c
	}
	release := unix.ByteSliceToString(uts.Release[:])
	major, minor := ParseKernelVersion(release)
	if major > minKernelMajor || (major == minKernelMajor && minor >= minKernelMinor) {
		c.Status, c.Details = StatusOK, release
	} else {
		c.Status, c.Details = StatusFail, fmt.Sprintf("%s (need >= 5.11)", release)
	}
	return c
}

// ParseKernelVersion extracts major and minor from a uname release string.
func ParseKernelVersion(release string) (int, int) {
	core, _, _ := strings.Cut(release, "-")
	bits := strings.Split(core, ".")
	if len(bits) < 2 {
		return 0, 0
	}
	major, _ := strconv.Atoi(bits[0])
	minor, _ := strconv.Atoi(bits[1])
	return major, minor
}

// CheckOverlayFS looks for overlay in the kernel's filesystem list.
func CheckOverlayFS(filesystems string) Check {
	c := Check{Name: "overlayfs"}
	data, err := os.ReadFile(filesystems)
	if err != nil {
		c.Status, c.Details = StatusFail, fmt.Sprintf("read %s: %v", filesystems, err)
		return c
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) > 0 && fields[len(fields)-1] == "overlay" {
			c.Status, c.Details = StatusOK, "overlay filesystem available"
			return c
		}
	}
	c.Status, c.Details = StatusWarn, "overlay not listed (it may still load as a module)"
	return c
}

// CheckUserNamespaces reads the sysctls that gate unprivileged user
// namespaces. procSys is normally /proc/sys.
func CheckUserNamespaces(procSys string) Check {
	c := Check{Name: "user namespaces"}

	if v, err := readSysctl(filepath.Join(procSys, "user", "max_user_namespaces")); err == nil && v == "0" {
		c.Status, c.Details = StatusFail, "user.max_user_namespaces is 0"
		return c
	}
	// Debian and Ubuntu kernels carry this knob.
	if v, err := readSysctl(filepath.Join(procSys, "kernel", "unprivileged_userns_clone")); err == nil && v == "0" {
		c.Status, c.Details = StatusFail, "kernel.unprivileged_userns_clone is 0"
		return c
	}
	if v, err := readSysctl(filepath.Join(procSys, "kernel", "apparmor_restrict_unprivileged_userns")); err == nil && v == "1" {
		c.Status, c.Details = StatusWarn, "AppArmor restricts unprivileged user namespaces"
		return c
	}
	c.Status, c.Details = StatusOK, "unprivileged user namespaces allowed"
	return c
}

func readSysctl(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// CheckNamespaceMount verifies an unprivileged user+mount namespace can be
// created and made private, by running unshare(1) in a child process. The
// calling process's namespaces are not touched.
func CheckNamespaceMount() Check {
	c := Check{Name: "userns mounts"}
	path, err := exec.LookPath("unshare")
	if err != nil {
		c.Status, c.Details = StatusWarn, "unshare(1) not found, skipped"
		return c
	}
	cmd := exec.Command(path, "--user", "--map-root-user", "--mount", "--", "mount", "--make-rprivate", "/")
	if out, err := cmd.CombinedOutput(); err != nil {
		c.Status = StatusFail
		c.Details = fmt.Sprintf("unshare -Urm failed: %v %s", err, strings.TrimSpace(string(out)))
		return c
	}
	c.Status, c.Details = StatusOK, "user and mount namespace creation works"
	return c
}

// Filesystems overlayfs cannot use as an upper layer.
var badUpperFS = map[int64]string{
	0x5346544e: "NTFS",
	0x65735546: "FUSE",
	0x6969:     "NFS",
	0x794c7630: "overlayfs",
}

// CheckCacheDir checks that layers can be created where they will live.
func CheckCacheDir(cacheDir string) Check {
	c := Check{Name: "Cache directory"}
	path := nearestExistingDir(cacheDir)
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		c.Status, c.Details = StatusWarn, fmt.Sprintf("cannot statfs %s: %v", path, err)
		return c
	}
	if name, bad := badUpperFS[int64(st.Type)]; bad {
		c.Status, c.Details = StatusFail, fmt.Sprintf("%s is on %s; overlayfs cannot use it as an upper layer", path, name)
		return c
	}
	if err := unix.Access(path, unix.W_OK); err != nil {
		c.Status, c.Details = StatusFail, fmt.Sprintf("%s is not writable", path)
		return c
	}
	if path != filepath.Clean(cacheDir) {
		c.Status, c.Details = StatusWarn, fmt.Sprintf("%s does not exist yet (created on first run)", cacheDir)
		return c
	}
	c.Status, c.Details = StatusOK, fmt.Sprintf("%s looks usable", cacheDir)
	return c
}

func CheckNotRoot(euid int) Check {
	if euid == 0 {
		return Check{Name: "Privileges", Status: StatusFail, Details: "hover refuses to run as root"}
	}
	return Check{Name: "Privileges", Status: StatusOK, Details: fmt.Sprintf("uid %d", euid)}
}

func nearestExistingDir(pathValue string) string {
	current := filepath.Clean(pathValue)
	for {
		if info, err := os.Stat(current); err == nil && info.IsDir() {
			return current
		}
		next := filepath.Dir(current)
		if next == current {
			return "/"
		}
		current = next
	}
}
