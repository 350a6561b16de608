//go:build linux

package main

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/p-arndt/hover/internal/layers"
	"github.com/p-arndt/hover/internal/reaper"
	"github.com/p-arndt/hover/internal/session"
	"github.com/p-arndt/hover/internal/store"
)

func newLayersCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layers",
		Short: "List the overlay layers left by previous runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inv, st, err := openInventory(cmd, opts)
			if err != nil {
				return err
			}
			if st != nil {
				defer st.Close()
			}

			all, err := inv.List()
			if err != nil {
				return err
			}
			return printLayers(cmd.OutOrStdout(), all)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <allocation-id>...",
		Short: "Delete layers and their ledger entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, st, err := openInventory(cmd, opts)
			if err != nil {
				return err
			}
			if st != nil {
				defer st.Close()
			}

			for _, id := range args {
				if err := inv.Remove(id); err != nil {
					return err
				}
				if st != nil {
					// Layers from before the ledger existed have no row.
					_ = st.DeleteAllocation(id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
			}
			return nil
		},
	})
	return cmd
}

// openInventory also returns the ledger, nil when unavailable; the caller
// closes it.
func openInventory(cmd *cobra.Command, opts *options) (*layers.Inventory, *store.Store, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, session.Errorf(session.KindConfig, "loading config", err)
	}
	dir := filepath.Join(cfg.CacheDir, session.AppDir)

	inv := layers.New(dir, nil)
	inv.Probe = reaper.ProcProbe{}
	st := openLedger(cmd.Context(), cfg, newLogger(cfg.Level()))
	if st != nil {
		inv.Ledger = st
	}
	return inv, st, nil
}

func printLayers(w io.Writer, all []layers.Layer) error {
	if len(all) == 0 {
		fmt.Fprintln(w, "no layers")
		return nil
	}
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSIZE\tFILES\tMODIFIED\tCOMMAND")
	for _, l := range all {
		command := ""
		if l.Allocation != nil {
			command = l.Allocation.Command
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			l.ID, l.Status(), l.HumanSize(), l.Files, l.ModTime.Format("2006-01-02 15:04"), command)
	}
	return tw.Flush()
}
