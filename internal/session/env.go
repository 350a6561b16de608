package session

import (
	"os"
	"strings"
)

// EnvMarker is set in the environment of every command hover starts.
const EnvMarker = "HOVER"

// Env is the process state hover inspects exactly once, at start-up. Nothing
// else in hover reads the marker variable or the real ids again.
type Env struct {
	// Nested is true when the marker variable says we already run inside
	// a hover sandbox.
	Nested bool
	UID    int
	GID    int
}

// LoadEnv captures the marker and the real ids of the invoker. It must run
// before any namespace operation, since ids observed inside a user namespace
// are already remapped.
func LoadEnv() Env {
	return loadEnv(os.LookupEnv, os.Getuid, os.Getgid)
}

func loadEnv(lookup func(string) (string, bool), getuid, getgid func() int) Env {
	v, ok := lookup(EnvMarker)
	return Env{
		Nested: ok && v != "" && v != "0",
		UID:    getuid(),
		GID:    getgid(),
	}
}

// CheckPolicy refuses to build a sandbox inside another one or for root.
func CheckPolicy(env Env) error {
	if env.Nested {
		return &Error{Kind: KindPrivilege, Err: ErrNested}
	}
	if env.UID == 0 {
		return &Error{Kind: KindPrivilege, Err: ErrRoot}
	}
	return nil
}

// MarkerEnv returns environ with the marker set and any previous value of it
// removed.
func MarkerEnv(environ []string) []string {
	out := make([]string, 0, len(environ)+1)
	prefix := EnvMarker + "="
	for _, kv := range environ {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return append(out, prefix+"1")
}
