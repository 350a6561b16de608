//go:build linux

package linux

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"os/signal"
	"syscall"
)

// Outcome classifies how a supervised child ended.
type Outcome int

const (
	OutcomeClean Outcome = iota
	OutcomeFailed
	OutcomeSignaled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClean:
		return "clean"
	case OutcomeFailed:
		return "failed"
	case OutcomeSignaled:
		return "signaled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type ExitOutcome struct {
	Outcome Outcome
	// Code is the child's exit status for OutcomeClean and OutcomeFailed.
	Code int
	// Signal is set for OutcomeSignaled.
	Signal syscall.Signal
}

// ExitCode is what hover itself exits with: the child's code, or 128 plus
// the signal number when it was killed.
func (e ExitOutcome) ExitCode() int {
	if e.Outcome == OutcomeSignaled {
		return 128 + int(e.Signal)
	}
	return e.Code
}

func (e ExitOutcome) String() string {
	if e.Outcome == OutcomeSignaled {
		return fmt.Sprintf("killed by %s", e.Signal)
	}
	return fmt.Sprintf("exited with code %d", e.Code)
}

// Classify turns a raw wait status into an ExitOutcome.
func Classify(ws syscall.WaitStatus) ExitOutcome {
	switch {
	case ws.Signaled():
		return ExitOutcome{Outcome: OutcomeSignaled, Signal: ws.Signal()}
	case ws.ExitStatus() == 0:
		return ExitOutcome{Outcome: OutcomeClean}
	default:
		return ExitOutcome{Outcome: OutcomeFailed, Code: ws.ExitStatus()}
	}
}

// Wait blocks until cmd exits. Keyboard interrupts reach the child through
// the shared terminal, so they are ignored here for the duration and reset
// to the default disposition on return. hover installs no handlers of its
// own for them.
func Wait(cmd *exec.Cmd, logger *slog.Logger) (ExitOutcome, error) {
	signal.Ignore(syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Reset(syscall.SIGINT, syscall.SIGQUIT)

	err := cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return ExitOutcome{}, fmt.Errorf("waiting for child: %w", err)
	}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return ExitOutcome{}, fmt.Errorf("waiting for pid %d: unexpected status type %T", cmd.Process.Pid, cmd.ProcessState.Sys())
	}

	out := Classify(ws)
	attrs := []any{"pid", cmd.Process.Pid, "outcome", out.Outcome.String()}
	switch out.Outcome {
	case OutcomeClean:
		logger.Debug("child exited", attrs...)
	case OutcomeFailed:
		logger.Error("child exited", append(attrs, "code", out.Code)...)
	case OutcomeSignaled:
		logger.Error("child exited", append(attrs, "signal", out.Signal.String())...)
	}
	return out, nil
}

// killAndReap is used when setup fails after the child has started.
func killAndReap(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}
