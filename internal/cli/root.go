// Package cli implements the allseq command-line interface.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/allseq/internal/paths"
	"github.com/mesh-intelligence/allseq/internal/priority"
	"github.com/mesh-intelligence/allseq/internal/scheduler"
	"github.com/mesh-intelligence/allseq/internal/store"
	"github.com/mesh-intelligence/allseq/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// env holds the global flags and the state PersistentPreRunE resolves for
// every subcommand.
type env struct {
	configDir string
	dataDir   string
	logLevel  string
	jsonMode  bool

	cfg    types.Config
	logger *slog.Logger
}

// NewRootCmd creates the top-level "allseq" command with global flags and
// all subcommands registered.
func NewRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:     "allseq",
		Short:   "Track open Aliquot sequences against the factoring database",
		Version: Version,
		Long: "allseq keeps the table of open Aliquot sequences: it schedules\n" +
			"factoring database queries, classifies each last term and tracks\n" +
			"reservations.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return e.setup(cmd)
		},
	}

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return userError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&e.configDir, "config-dir", "", "configuration directory (default: $XDG_CONFIG_HOME/allseq)")
	pf.StringVar(&e.dataDir, "data-dir", "", "data directory (default: $XDG_DATA_HOME/allseq)")
	pf.StringVar(&e.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	pf.BoolVar(&e.jsonMode, "json", false, "output in JSON format")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(e),
		newUpdateCmd(e),
		newAddCmd(e),
		newDropCmd(e),
		newReserveCmd(e),
		newUnreserveCmd(e),
		newOwnersCmd(e),
		newReservationsCmd(e),
		newMergesCmd(e),
		newPrioritiesCmd(e),
		newMutationsCmd(e),
		newStatsCmd(e),
		newShowCmd(e),
	)
	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprint("error:"), err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitSuccess)
}

// userError marks mistakes in the invocation itself.
type userError struct{ err error }

func (u userError) Error() string { return u.err.Error() }
func (u userError) Unwrap() error { return u.err }

func usageErrorf(format string, args ...any) error {
	return userError{fmt.Errorf(format, args...)}
}

// exitCode maps err to an exit code: bad input and a busy snapshot are the
// user's to fix, everything else is a system failure.
func exitCode(err error) int {
	var ue userError
	switch {
	case err == nil:
		return exitSuccess
	case errors.As(err, &ue),
		errors.Is(err, types.ErrInvalidSeq),
		errors.Is(err, types.ErrLocked),
		strings.HasPrefix(err.Error(), "unknown command"):
		return exitUserError
	default:
		return exitSysError
	}
}

// setup resolves directories, loads the configuration and builds the
// logger.
func (e *env) setup(cmd *cobra.Command) error {
	configDir, err := paths.ResolveConfigDir(e.configDir)
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	cfg, err := loadConfig(configDir, e.dataDir)
	if err != nil {
		return err
	}
	if e.logLevel != "" {
		cfg.LogLevel = e.logLevel
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return usageErrorf("log level %q: %w", cfg.LogLevel, err)
	}
	e.cfg = cfg
	e.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	e.logger.Debug("configuration loaded", "config_dir", configDir, "data_dir", cfg.DataDir)
	return nil
}

func (e *env) calculator() priority.Calculator {
	return priority.New(e.cfg.Priority)
}

func (e *env) openStore() (*store.Store, error) {
	return store.New(e.cfg.Store, store.WithLogger(e.logger))
}

// withScheduler acquires the snapshot lock, runs fn with a scheduler over
// the loaded store, then writes and unlocks.
func (e *env) withScheduler(cmd *cobra.Command, fn func(st *store.Store, sch *scheduler.Scheduler) error) error {
	st, err := e.openStore()
	if err != nil {
		return err
	}
	return st.Acquire(cmd.Context(), func() error {
		sch := scheduler.New(st, e.calculator(), scheduler.WithLogger(e.logger))
		return fn(st, sch)
	})
}
