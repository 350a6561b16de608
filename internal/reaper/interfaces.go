package reaper

import (
	"github.com/p-arndt/hover/internal/store"
)

// ReaperStore abstracts the ledger operations needed by the reaper.
type ReaperStore interface {
	ListRunningAllocations() ([]*store.Allocation, error)
	MarkStatus(id, status string) error
}

// ProcessProbe reports whether the init stage of an allocation is alive.
type ProcessProbe interface {
	Alive(pid int) (bool, error)
}
