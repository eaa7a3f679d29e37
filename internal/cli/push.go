package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	couchdb "github.com/cabify/go-cloudant"
)

// PushOptions holds flags for the push command.
type PushOptions struct {
	*RootOptions
	CreateDB bool
}

type syncOutput struct {
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Action string `json:"action"`
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "push <dir> [design...]",
		Short: "Synchronize design documents from a directory",
		Long: `Synchronize design documents from a directory with the database.

Every design document of <dir> is pushed unless names are given. A stored
document that already matches is left alone, so pushing twice creates no
new revisions.

Example:
  couchsync push --db animals ./design
  couchsync push --db animals ./design views101`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return push(opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.CreateDB, "create-db", false, "create the database when missing")

	return cmd
}

func push(opts *PushOptions, dir string, names []string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	db, err := opts.database()
	if err != nil {
		return err
	}
	if opts.CreateDB {
		c, err := opts.client()
		if err != nil {
			return err
		}
		if db, err = c.EnsureDB(ctx, opts.DB); err != nil {
			return WrapExitError(ExitCommandError, "failed to create database", err)
		}
	}

	m := db.Design(couchdb.NewDirSource(dir))
	var results []*couchdb.SyncResult
	if len(names) == 0 {
		results, err = m.SynchronizeAll(ctx)
	} else {
		for _, name := range names {
			var d *couchdb.Design
			if d, err = m.GetFromDesk(name); err != nil {
				break
			}
			var res *couchdb.SyncResult
			if res, err = m.Synchronize(ctx, d); err != nil {
				err = fmt.Errorf("synchronize %s: %w", d.ID, err)
				break
			}
			results = append(results, res)
		}
	}
	if werr := printResults(opts.Format, results, cmd); werr != nil {
		return werr
	}
	if err != nil {
		if couchdb.Conflict(err) {
			return WrapExitError(ExitFailure, "design changed concurrently, push again", err)
		}
		return WrapExitError(ExitCommandError, "push failed", err)
	}
	return nil
}

func printResults(format string, results []*couchdb.SyncResult, cmd *cobra.Command) error {
	out := make([]syncOutput, 0, len(results))
	for _, res := range results {
		out = append(out, syncOutput{ID: res.ID, Rev: res.Rev, Action: res.Action.String()})
	}
	if format == "json" {
		return writeJSON(cmd.OutOrStdout(), out)
	}
	for _, o := range out {
		fmt.Fprintf(cmd.OutOrStdout(), "%-9s %s %s\n", o.Action, o.ID, o.Rev)
	}
	return nil
}
