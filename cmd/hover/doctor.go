//go:build linux

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/p-arndt/hover/internal/runtime/linux"
	"github.com/p-arndt/hover/internal/session"
)

func newDoctorCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check whether this host can run hover",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return session.Errorf(session.KindConfig, "loading config", err)
			}

			out := cmd.OutOrStdout()
			s := newStyles(out)
			checks := linux.Prechecks(filepath.Join(cfg.CacheDir, session.AppDir))

			fmt.Fprintln(out, s.bold.Render("hover doctor"))
			failures := 0
			for _, c := range checks {
				status := statusStyle(s, c.Status).Render(fmt.Sprintf("[%-4s]", c.Status))
				fmt.Fprintf(out, "%s %-16s %s\n", status, c.Name, c.Details)
				if c.Status == linux.StatusFail {
					failures++
				}
			}

			if failures > 0 {
				fmt.Fprintf(out, "\nDoctor found %d blocking issue(s).\n", failures)
				return exitStatus(1)
			}
			fmt.Fprintln(out, "\nDoctor checks passed.")
			return nil
		},
	}
}
