// Package command decides what program the sandbox finally runs.
package command

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"golang.org/x/term"

	"github.com/p-arndt/hover/internal/session"
)

// ErrNotInteractive is returned when no command was given and stdin is not a
// terminal, so there is no shell to inherit.
var ErrNotInteractive = errors.New("no command given and standard input is not a terminal")

// Resolved is the program and arguments the sandbox will exec.
type Resolved struct {
	// Path is the program, either as given or the parent's executable.
	Path string `json:"path"`
	// Args excludes argv[0].
	Args []string `json:"args"`
	// Inherited is true when Path is the interactive parent process.
	Inherited bool `json:"inherited,omitempty"`
}

// Argv returns the full argument vector for execve, argv[0] included.
func (r Resolved) Argv() []string {
	return append([]string{r.Path}, r.Args...)
}

type Resolver struct {
	// ProcRoot is the procfs mount, /proc unless testing.
	ProcRoot string
	// ParentPID is the process whose shell is inherited.
	ParentPID int
	// Stdin is checked for a controlling terminal.
	Stdin *os.File
}

// NewResolver returns a resolver for the calling process.
func NewResolver() *Resolver {
	return &Resolver{
		ProcRoot:  "/proc",
		ParentPID: os.Getppid(),
		Stdin:     os.Stdin,
	}
}

// Resolve maps explicit argv verbatim, and otherwise re-launches the parent
// process (usually the user's shell) with its original arguments.
func (r *Resolver) Resolve(argv []string) (Resolved, error) {
	if len(argv) > 0 {
		return Resolved{Path: argv[0], Args: append([]string{}, argv[1:]...)}, nil
	}
	if !r.interactive() {
		return Resolved{}, session.Errorf(session.KindCommand, "resolving command", ErrNotInteractive)
	}

	procDir := filepath.Join(r.ProcRoot, strconv.Itoa(r.ParentPID))
	exe, err := os.Readlink(filepath.Join(procDir, "exe"))
	if err != nil {
		return Resolved{}, session.Errorf(session.KindCommand, "reading parent executable", err)
	}
	raw, err := os.ReadFile(filepath.Join(procDir, "cmdline"))
	if err != nil {
		return Resolved{}, session.Errorf(session.KindCommand, "reading parent cmdline", err)
	}

	args := SplitCmdline(raw)
	if len(args) > 0 {
		args = args[1:]
	}
	return Resolved{Path: exe, Args: args, Inherited: true}, nil
}

func (r *Resolver) interactive() bool {
	return r.Stdin != nil && term.IsTerminal(int(r.Stdin.Fd()))
}

// SplitCmdline splits a NUL-separated /proc/<pid>/cmdline buffer. The empty
// field after the trailing terminator is dropped.
func SplitCmdline(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	fields := bytes.Split(raw, []byte{0})
	if len(fields[len(fields)-1]) == 0 {
		fields = fields[:len(fields)-1]
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, string(f))
	}
	return out
}

// LookPath resolves r.Path against PATH the way the shell would.
func LookPath(r Resolved) (string, error) {
	path, err := exec.LookPath(r.Path)
	if err != nil {
		return "", session.Errorf(session.KindCommand, fmt.Sprintf("looking up %q", r.Path), err)
	}
	return path, nil
}
