package reaper

import (
	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/hover/internal/store"
)

// MockReaperStore mocks the ReaperStore interface.
type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) ListRunningAllocations() ([]*store.Allocation, error) {
	args := m.Called()
	if allocs := args.Get(0); allocs != nil {
		return allocs.([]*store.Allocation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) MarkStatus(id, status string) error {
	args := m.Called(id, status)
	return args.Error(0)
}

// MockProcessProbe mocks the ProcessProbe interface.
type MockProcessProbe struct {
	mock.Mock
}

func (m *MockProcessProbe) Alive(pid int) (bool, error) {
	args := m.Called(pid)
	return args.Bool(0), args.Error(1)
}
