//go:build linux

package linux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKernelVersion(t *testing.T) {
	cases := map[string][2]int{
		"6.18.44-fc-v139":                    {6, 18},
		"5.11.0":                             {5, 11},
		"5.10.102.1-microsoft-standard-WSL2": {5, 10},
		"garbage":                            {0, 0},
	}
	for release, want := range cases {
		major, minor := ParseKernelVersion(release)
		assert.Equal(t, want, [2]int{major, minor}, release)
	}
}

func TestCheckOverlayFS(t *testing.T) {
	dir := t.TempDir()
	with := filepath.Join(dir, "with")
	without := filepath.Join(dir, "without")
	require.NoError(t, os.WriteFile(with, []byte("nodev\tsysfs\nnodev\ttmpfs\nnodev\toverlay\n"), 0644))
	require.NoError(t, os.WriteFile(without, []byte("nodev\tsysfs\n\text4\n"), 0644))

	assert.Equal(t, StatusOK, CheckOverlayFS(with).Status)
	assert.Equal(t, StatusWarn, CheckOverlayFS(without).Status)
	assert.Equal(t, StatusFail, CheckOverlayFS(filepath.Join(dir, "missing")).Status)
}

func writeSysctl(t *testing.T, root, key, value string) {
	t.Helper()
	p := filepath.Join(root, key)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(value+"\n"), 0644))
}

func TestCheckUserNamespaces(t *testing.T) {
	ok := t.TempDir()
	writeSysctl(t, ok, "user/max_user_namespaces", "63432")
	assert.Equal(t, StatusOK, CheckUserNamespaces(ok).Status)

	zero := t.TempDir()
	writeSysctl(t, zero, "user/max_user_namespaces", "0")
	c := CheckUserNamespaces(zero)
	assert.Equal(t, StatusFail, c.Status)
	assert.Contains(t, c.Details, "max_user_namespaces")

	debian := t.TempDir()
	writeSysctl(t, debian, "user/max_user_namespaces", "100")
	writeSysctl(t, debian, "kernel/unprivileged_userns_clone", "0")
	assert.Equal(t, StatusFail, CheckUserNamespaces(debian).Status)

	ubuntu := t.TempDir()
	writeSysctl(t, ubuntu, "kernel/apparmor_restrict_unprivileged_userns", "1")
	assert.Equal(t, StatusWarn, CheckUserNamespaces(ubuntu).Status)
}

func TestCheckCacheDir(t *testing.T) {
	dir := t.TempDir()
	c := CheckCacheDir(dir)
	assert.Contains(t, []string{StatusOK, StatusFail}, c.Status)

	c = CheckCacheDir(filepath.Join(dir, "not", "yet"))
	if c.Status != StatusFail {
		assert.Equal(t, StatusWarn, c.Status)
		assert.Contains(t, c.Details, "does not exist yet")
	}
}

func TestCheckNotRoot(t *testing.T) {
	assert.Equal(t, StatusFail, CheckNotRoot(0).Status)
	assert.Equal(t, StatusOK, CheckNotRoot(1000).Status)
}

func TestNearestExistingDir(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, dir, nearestExistingDir(filepath.Join(dir, "a", "b")))
	assert.Equal(t, "/", nearestExistingDir("/definitely/not/here"))
}
