//go:build linux

package linux

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/hover/internal/session"
)

func TestMappingOuter(t *testing.T) {
	m, err := Mapping(OuterMapped, IDs{UID: 1000, GID: 100})
	require.NoError(t, err)
	assert.Equal(t, "0 1000 1", m.UIDMap)
	assert.Equal(t, "deny", m.SetGroups)
	assert.Equal(t, "0 100 1", m.GIDMap)
	assert.Equal(t, OuterMapped, m.Phase)
}

func TestMappingInner(t *testing.T) {
	m, err := Mapping(InnerRestored, IDs{UID: 1000, GID: 100})
	require.NoError(t, err)
	assert.Equal(t, "1000 0 1", m.UIDMap)
	assert.Equal(t, "deny", m.SetGroups)
	assert.Equal(t, "100 0 1", m.GIDMap)
}

func TestMappingUnknownPhase(t *testing.T) {
	_, err := Mapping(Phase(42), IDs{UID: 1, GID: 1})
	require.Error(t, err)
	assert.True(t, session.IsKind(err, session.KindNamespace))
	assert.Contains(t, err.Error(), "phase(42)")
}

func fakeProcMaps(t *testing.T, pid int) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0755))
	for _, name := range []string{"uid_map", "setgroups", "gid_map"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	return root
}

func TestWriteIDMapsExactBytes(t *testing.T) {
	root := fakeProcMaps(t, 321)
	m, err := Mapping(OuterMapped, IDs{UID: 1234, GID: 5678})
	require.NoError(t, err)

	require.NoError(t, WriteIDMaps(root, 321, m))

	for name, want := range map[string]string{
		"uid_map":   "0 1234 1",
		"setgroups": "deny",
		"gid_map":   "0 5678 1",
	} {
		got, err := os.ReadFile(filepath.Join(root, "321", name))
		require.NoError(t, err)
		assert.Equal(t, want, string(got), name)
	}
}

func TestWriteIDMapsNamesFailingFile(t *testing.T) {
	root := fakeProcMaps(t, 7)
	require.NoError(t, os.Remove(filepath.Join(root, "7", "setgroups")))
	m, err := Mapping(OuterMapped, IDs{UID: 1000, GID: 1000})
	require.NoError(t, err)

	err = WriteIDMaps(root, 7, m)
	require.Error(t, err)
	assert.True(t, session.IsKind(err, session.KindNamespace))
	assert.Contains(t, err.Error(), "setting setgroups for child")

	// The uid map was written before the failure, the gid map was not.
	uid, _ := os.ReadFile(filepath.Join(root, "7", "uid_map"))
	gid, _ := os.ReadFile(filepath.Join(root, "7", "gid_map"))
	assert.Equal(t, "0 1000 1", string(uid))
	assert.Empty(t, gid)
}

func TestWriteIDMapsMissingProcess(t *testing.T) {
	m, err := Mapping(InnerRestored, IDs{UID: 1000, GID: 1000})
	require.NoError(t, err)
	err = WriteIDMaps(t.TempDir(), 99, m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setting uid_map for child")
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "outer-mapped", OuterMapped.String())
	assert.Equal(t, "inner-restored", InnerRestored.String())
}

func TestCanMapArbitraryIDs(t *testing.T) {
	ok, err := CanMapArbitraryIDs()
	require.NoError(t, err)
	if os.Geteuid() != 0 {
		assert.False(t, ok)
	}
}
