package runtime

import (
	"context"

	"github.com/p-arndt/hover/internal/session"
)

// Request is one hover invocation.
type Request struct {
	Env session.Env
	// Argv is the command to run; empty inherits the parent shell.
	Argv []string
}

// Result describes how a sandboxed command ended.
type Result struct {
	AllocationID string
	LayerDir     string
	// Status is one of the store.Status* values.
	Status   string
	ExitCode int
}

// Driver runs commands in overlay sandboxes.
type Driver interface {
	Run(ctx context.Context, req Request) (*Result, error)
}
