package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/plyght/amp-acp/agent/terminal"
	"github.com/plyght/amp-acp/errors"
)

var (
	runVerbosity   string
	runInteractive bool
	runCwd         string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runVerbosity, "tool-verbosity", "info", "tool output: none, info or all")
	runCmd.Flags().BoolVarP(&runInteractive, "interactive", "i", false, "keep reading prompts from stdin after the first")
	runCmd.Flags().StringVar(&runCwd, "cwd", "", "working directory of the session (defaults to the current directory)")
}

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Send one prompt through a bridge session and print what amp does",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !runInteractive {
			return cobra.MinimumNArgs(1)(cmd, args)
		}
		return nil
	},
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	verbosity := terminal.Verbosity(runVerbosity)
	switch verbosity {
	case terminal.VerbosityNone, terminal.VerbosityInfo, terminal.VerbosityAll:
	default:
		return errors.New("invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'", runVerbosity)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, closeLog, err := setup(ctx)
	if err != nil {
		return err
	}
	defer closeLog()
	defer b.Shutdown(ctx)

	cwd := runCwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return errors.Wrapf(err, "could not get working directory")
		}
	}

	term := terminal.New(b, cmd.InOrStdin(), cmd.OutOrStdout(), verbosity)
	term.Interactive = runInteractive
	return term.Run(ctx, cwd, strings.Join(args, " "))
}
