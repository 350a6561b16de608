//go:build integration && linux

package integration

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritesLandInLayer(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, nil, "sh", "-c", "echo changed > original.txt && echo new > created.txt && rm -f gone.txt")
	require.Equal(t, 0, res.code, res.stderr)

	data, err := os.ReadFile(filepath.Join(f.target, "original.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original\n", string(data))
	assert.NoFileExists(t, filepath.Join(f.target, "created.txt"))

	dirs := f.layerDirs(t)
	require.Len(t, dirs, 1)
	data, err = os.ReadFile(filepath.Join(dirs[0], "created.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))
	data, err = os.ReadFile(filepath.Join(dirs[0], "original.txt"))
	require.NoError(t, err)
	assert.Equal(t, "changed\n", string(data))
}

func TestSandboxSeesTargetFiles(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, nil, "cat", "original.txt")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "original\n", res.stdout)
}

func TestMarkerAndIdentityInside(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, nil, "sh", "-c", `echo "$HOVER $(id -u)"`)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "1 "+strconv.Itoa(os.Getuid()), strings.TrimSpace(res.stdout))
}

func TestCacheDirHiddenInside(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, nil, "sh", "-c", "ls -A "+filepath.Join(f.cache, "hover")+" | wc -l")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "0", strings.TrimSpace(res.stdout))
}

func TestExitCodePropagates(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, nil, "sh", "-c", "exit 42")
	assert.Equal(t, 42, res.code)

	res = f.run(t, nil, "sh", "-c", "kill -TERM $$")
	assert.Equal(t, 143, res.code)
}

func TestNestedRunRefused(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, []string{"HOVER=1"}, "true")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "refusing to stack")
	assert.Empty(t, f.layerDirs(t))
}

func TestMissingCommand(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, nil, "hover-no-such-command")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "command error")
	assert.Empty(t, f.layerDirs(t))
}

func TestLayersListsRun(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, nil, "sh", "-c", "echo x > file")
	require.Equal(t, 0, res.code, res.stderr)
	dirs := f.layerDirs(t)
	require.Len(t, dirs, 1)
	id := strings.TrimPrefix(filepath.Base(dirs[0]), "layer-")

	res = f.run(t, nil, "layers")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, id)
	assert.Contains(t, res.stdout, "exited")

	res = f.run(t, nil, "layers", "rm", id)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Empty(t, f.layerDirs(t))
}

func TestDefaultLayoutCacheInsideHome(t *testing.T) {
	f := newFixture(t)
	t.Cleanup(func() { makeWritable(filepath.Join(f.target, ".cache")) })

	res := f.runAsHome(t, "sh", "-c", `echo new > created.txt && echo changed > original.txt && ls -A "$HOME/.cache/hover" | wc -l`)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "0", strings.TrimSpace(res.stdout))

	data, err := os.ReadFile(filepath.Join(f.target, "original.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original\n", string(data))
	assert.NoFileExists(t, filepath.Join(f.target, "created.txt"))

	layers, err := filepath.Glob(filepath.Join(f.target, ".cache", "hover", "layer-*"))
	require.NoError(t, err)
	require.Len(t, layers, 1)
	data, err = os.ReadFile(filepath.Join(layers[0], "created.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))
}

func TestCommandHoldsNoCapabilities(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, nil, "sh", "-c", "grep -E '^Cap(Eff|Amb):' /proc/self/status")
	require.Equal(t, 0, res.code, res.stderr)
	for _, line := range strings.Split(strings.TrimSpace(res.stdout), "\n") {
		fields := strings.Fields(line)
		require.Len(t, fields, 2, line)
		assert.Equal(t, "0000000000000000", fields[1], line)
	}
}
