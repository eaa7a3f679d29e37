package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	couchdb "github.com/cabify/go-cloudant"
)

// WaitOptions holds flags for the wait command.
type WaitOptions struct {
	*RootOptions
	MinDocs  int
	Timeout  time.Duration
	Interval time.Duration
}

// NewWaitCommand creates the wait command.
func NewWaitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WaitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait for a database to be populated",
		Long: `Poll the database given by --db until it holds at least --min-docs
documents, for instance a dbcopy target or a replication target.

Exits with 1 when the timeout elapses first.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wait(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.MinDocs, "min-docs", 1, "number of documents to wait for")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", couchdb.DefaultAwaitTimeout, "give up after this long")
	cmd.Flags().DurationVar(&opts.Interval, "interval", couchdb.DefaultAwaitInterval, "time between checks")

	return cmd
}

func wait(opts *WaitOptions, cmd *cobra.Command) error {
	db, err := opts.database()
	if err != nil {
		return err
	}
	ids, err := couchdb.AwaitDocIDs(cmd.Context(), db, opts.MinDocs, couchdb.AwaitOptions{
		Timeout:  opts.Timeout,
		Interval: opts.Interval,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "wait failed", err)
	}
	if opts.Format == "json" {
		if err := writeJSON(cmd.OutOrStdout(), ids); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d documents\n", opts.DB, len(ids))
	}
	if len(ids) < opts.MinDocs {
		return NewExitError(ExitFailure, fmt.Sprintf("%s holds %d of %d documents", opts.DB, len(ids), opts.MinDocs))
	}
	return nil
}
