//go:build linux

package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/p-arndt/hover/internal/runtime/linux"
	"github.com/p-arndt/hover/internal/session"
)

type styles struct {
	err  lipgloss.Style
	warn lipgloss.Style
	ok   lipgloss.Style
	dim  lipgloss.Style
	bold lipgloss.Style
}

// newStyles renders for w, so colors disappear when w is not a terminal.
func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		err:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		warn: r.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		ok:   r.NewStyle().Foreground(lipgloss.Color("10")),
		dim:  r.NewStyle().Faint(true),
		bold: r.NewStyle().Bold(true),
	}
}

var kindHints = map[session.Kind]string{
	session.KindNamespace: "run `hover doctor` to check user namespace support",
	session.KindMount:     "run `hover doctor` to check overlayfs support",
	session.KindCommand:   "pass the command explicitly, e.g. `hover -- bash`",
}

func printError(w io.Writer, err error) {
	fmt.Fprint(w, formatError(newStyles(w), err))
}

func formatError(s styles, err error) string {
	out := s.err.Render("hover:") + " "
	kind, ok := session.KindOf(err)
	if ok {
		out += s.bold.Render(string(kind)+" error:") + " "
	}
	out += err.Error() + "\n"
	if hint, found := kindHints[kind]; ok && found {
		out += s.dim.Render("hint: "+hint) + "\n"
	}
	return out
}

func statusStyle(s styles, status string) lipgloss.Style {
	switch status {
	case linux.StatusOK:
		return s.ok
	case linux.StatusWarn:
		return s.warn
	default:
		return s.err
	}
}
