package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shpitdev/developer-enricher/pkg/pipeline/redact"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// usageError marks configuration and invocation mistakes (exit code 2).
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if _, _, err := root.Find(args); err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %s\n", err)
		return exitUsage
	}
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	_, _ = fmt.Fprintf(stderr, "error: %s\n", redact.Secrets(err.Error()))
	var ue usageError
	if errors.As(err, &ue) {
		return exitUsage
	}
	return exitFailure
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &runFlags{}
	root := &cobra.Command{
		Use:   "enricher",
		Short: "Enrich developer company records through an MCP tool service",
		Long: `enricher loads developer company records, calls four MCP tools per
organization number (details, roles, shareholders, financials) and writes the
merged records back to the same store.

Stores:
  local    JSON file on disk
  sqlite   SQLite database
  foundry  Foundry dataset (BUILD2_TOKEN + RESOURCE_ALIAS_MAP)`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Help()
			return usageErrorf("a command is required")
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})
	flags.bind(root)

	root.AddCommand(
		newLocalCmd(flags, stderr),
		newSQLiteCmd(flags, stderr),
		newFoundryCmd(flags, stderr),
		newVersionCmd(stdout),
	)
	return root
}
