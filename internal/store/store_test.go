package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "hover.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testAllocation(id string) *Allocation {
	return &Allocation{
		ID:        id,
		Target:    "/home/alice",
		LayerDir:  "/home/alice/.cache/hover/layer-" + id,
		WorkDir:   "/home/alice/.cache/hover/.work-" + id,
		Command:   "bash --login",
		Status:    StatusRunning,
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndGetAllocation(t *testing.T) {
	st := newTestStore(t)
	a := testAllocation("2026-10-19-1342-abcdefg")

	require.NoError(t, st.CreateAllocation(a))

	got, err := st.GetAllocation(a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, a.Target, got.Target)
	assert.Equal(t, a.LayerDir, got.LayerDir)
	assert.Equal(t, a.WorkDir, got.WorkDir)
	assert.Equal(t, a.Command, got.Command)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Nil(t, got.FinishedAt)
	assert.WithinDuration(t, a.CreatedAt, got.CreatedAt, time.Second)
}

func TestGetAllocationNotFound(t *testing.T) {
	st := newTestStore(t)

	got, err := st.GetAllocation("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, got)
}

func TestFinishAllocation(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateAllocation(testAllocation("a1")))

	require.NoError(t, st.FinishAllocation("a1", StatusFailed, 3))

	got, err := st.GetAllocation("a1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.ExitCode)
	require.NotNil(t, got.FinishedAt)
	assert.WithinDuration(t, time.Now(), *got.FinishedAt, time.Minute)
}

func TestFinishAllocationNotFound(t *testing.T) {
	st := newTestStore(t)

	err := st.FinishAllocation("nonexistent", StatusExited, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetPID(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateAllocation(testAllocation("a1")))

	require.NoError(t, st.SetPID("a1", 4242))

	got, err := st.GetAllocation("a1")
	require.NoError(t, err)
	assert.Equal(t, 4242, got.PID)
}

func TestListAllocationsNewestFirst(t *testing.T) {
	st := newTestStore(t)
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		a := testAllocation(id)
		a.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, st.CreateAllocation(a))
	}

	all, err := st.ListAllocations()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "mid", all[1].ID)
	assert.Equal(t, "old", all[2].ID)
}

func TestListAllocationsEmpty(t *testing.T) {
	st := newTestStore(t)

	all, err := st.ListAllocations()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestListRunningAllocations(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateAllocation(testAllocation("running-1")))
	require.NoError(t, st.CreateAllocation(testAllocation("done-1")))
	require.NoError(t, st.FinishAllocation("done-1", StatusExited, 0))

	running, err := st.ListRunningAllocations()
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "running-1", running[0].ID)
}

func TestMarkStatus(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateAllocation(testAllocation("a1")))

	require.NoError(t, st.MarkStatus("a1", StatusAbandoned))

	got, err := st.GetAllocation("a1")
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, got.Status)
	assert.Nil(t, got.FinishedAt)

	assert.ErrorIs(t, st.MarkStatus("missing", StatusAbandoned), ErrNotFound)
}

func TestDeleteAllocation(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateAllocation(testAllocation("a1")))

	require.NoError(t, st.DeleteAllocation("a1"))

	_, err := st.GetAllocation("a1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.DeleteAllocation("a1"), ErrNotFound)
}

func TestDuplicateAllocationID(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateAllocation(testAllocation("dup")))

	err := st.CreateAllocation(testAllocation("dup"))
	assert.Error(t, err)
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hover.db")
	st, err := New(path, 1)
	require.NoError(t, err)
	require.NoError(t, st.CreateAllocation(testAllocation("persisted")))
	require.NoError(t, st.Close())

	st, err = New(path, 1)
	require.NoError(t, err)
	defer st.Close()

	got, err := st.GetAllocation("persisted")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.ID)
}

func TestIsBusyLock(t *testing.T) {
	assert.False(t, isBusyLock(nil))
	assert.False(t, isBusyLock(assert.AnError))
	assert.True(t, isBusyLock(errors.New("database is locked (5) (SQLITE_BUSY)")))
}

func TestRetryOnBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retryOnBusy(func() error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
}
