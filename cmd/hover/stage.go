//go:build linux

package main

import (
	"os"

	"github.com/p-arndt/hover/internal/config"
	"github.com/p-arndt/hover/internal/runtime/linux"
	"github.com/p-arndt/hover/internal/session"
)

// Exit codes of a stage that failed before the user's command ran, chosen
// to match the shell's conventions.
const (
	exitStageFailure   = 125
	exitCommandMissing = 127
)

func runStage() int {
	cfg, err := linux.LoadStageConfig()
	if err != nil {
		printError(os.Stderr, err)
		return exitStageFailure
	}
	logger := newLogger(config.ParseLevel(cfg.LogLevel)).With("stage", string(cfg.Stage), "pid", os.Getpid())

	code, err := linux.RunStage(cfg, logger)
	if err != nil {
		printError(os.Stderr, err)
		return stageExitCode(err)
	}
	return code
}

func stageExitCode(err error) int {
	if session.IsKind(err, session.KindCommand) {
		return exitCommandMissing
	}
	return exitStageFailure
}
