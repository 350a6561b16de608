//go:build linux

package linux

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/p-arndt/hover/internal/session"
)

// statusMapped is the only byte the parent ever sends: the child's id maps
// are in place and it may proceed.
const statusMapped byte = 0x00

// controlFD is where the read end lands in the child (ExtraFiles[0]).
const controlFD = 3

var (
	// ErrParentAborted means the parent closed the channel without
	// confirming the identity mapping.
	ErrParentAborted = errors.New("parent did not complete identity mapping")
	// ErrBadStatus means the parent sent something other than statusMapped.
	ErrBadStatus = errors.New("unexpected status byte on control channel")
)

// ControlChannel is a one-shot pipe from parent to child. The child blocks
// in WaitRelease until the parent either confirms with Release(true) or
// closes the pipe.
//
// Both ends are close-on-exec; only the read end is handed to the child
// through ExtraFiles, so the child never holds a copy of the write end.
type ControlChannel struct {
	r *os.File
	w *os.File
}

func NewControlChannel() (*ControlChannel, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, session.Errorf(session.KindChannel, "creating control channel", err)
	}
	return &ControlChannel{r: r, w: w}, nil
}

// ReadEnd is passed to the child as ExtraFiles[0].
func (c *ControlChannel) ReadEnd() *os.File {
	return c.r
}

// CloseReadEnd drops the parent's copy of the read end once the child holds
// its own.
func (c *ControlChannel) CloseReadEnd() error {
	if c.r == nil {
		return nil
	}
	err := c.r.Close()
	c.r = nil
	if err != nil {
		return session.Errorf(session.KindChannel, "closing control read end", err)
	}
	return nil
}

// Release unblocks the child. With ok the status byte is written first;
// without it the pipe is only closed, which the child treats as an abort.
func (c *ControlChannel) Release(ok bool) error {
	if c.w == nil {
		return session.Errorf(session.KindChannel, "releasing child", os.ErrClosed)
	}
	w := c.w
	c.w = nil

	var werr error
	if ok {
		_, werr = w.Write([]byte{statusMapped})
	}
	cerr := w.Close()
	if werr != nil {
		return session.Errorf(session.KindChannel, "writing release status", werr)
	}
	if cerr != nil {
		return session.Errorf(session.KindChannel, "closing control write end", cerr)
	}
	return nil
}

// Close releases whatever ends are still open without signalling success.
func (c *ControlChannel) Close() {
	if c.r != nil {
		c.r.Close()
		c.r = nil
	}
	if c.w != nil {
		c.w.Close()
		c.w = nil
	}
}

// WaitRelease blocks until the parent releases the channel and closes r. It
// returns nil only when the status byte arrived.
func WaitRelease(r io.ReadCloser) error {
	defer r.Close()

	var buf [1]byte
	n, err := r.Read(buf[:])
	switch {
	case n == 1 && buf[0] == statusMapped:
		return nil
	case n == 1:
		return session.Errorf(session.KindChannel, "waiting for parent",
			fmt.Errorf("%w: %#x", ErrBadStatus, buf[0]))
	case err == nil || errors.Is(err, io.EOF):
		return session.Errorf(session.KindChannel, "waiting for parent", ErrParentAborted)
	default:
		return session.Errorf(session.KindChannel, "reading control channel", err)
	}
}

// inheritedControl returns the read end passed in by the parent.
func inheritedControl() *os.File {
	return os.NewFile(controlFD, "hover-control")
}
