//go:build linux

// Command hover runs a command in a throwaway view of the home directory.
// Writes land in a fresh overlay layer under the cache directory and never
// touch the real files.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/p-arndt/hover/internal/config"
	"github.com/p-arndt/hover/internal/runtime/linux"
)

var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	configPath string
	logLevel   string
}

// exitStatus carries the sandboxed command's exit code out of cobra.
type exitStatus int

func (e exitStatus) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

type runFunc func(cmd *cobra.Command, opts *options, args []string) error

func newRootCmd(run runFunc) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "hover [flags] [--] [command [args...]]",
		Short: "Run a command over a disposable overlay of your home directory",
		Long: `hover starts a command (by default, your current shell) in a private
user and mount namespace where the home directory is an overlay. The real
home directory is the read-only lower layer; every change goes to a new
layer under $XDG_CACHE_HOME/hover and is never merged back.

Use "--" to run a command whose name collides with a hover subcommand.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args)
		},
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath(), "path to config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (default from HOVER_LOG or config)")
	// Everything after the command name belongs to the command.
	root.Flags().SetInterspersed(false)

	root.AddCommand(newLayersCmd(opts), newDoctorCmd(opts), newVersionCmd())
	return root
}

func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

func main() {
	if linux.IsStage() {
		os.Exit(runStage())
	}

	err := newRootCmd(runSandbox).Execute()
	var st exitStatus
	switch {
	case err == nil:
	case errors.As(err, &st):
		os.Exit(int(st))
	default:
		printError(os.Stderr, err)
		os.Exit(1)
	}
}
