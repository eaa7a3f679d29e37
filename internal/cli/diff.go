package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	couchdb "github.com/cabify/go-cloudant"
)

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <dir>",
		Short: "Report design documents that differ from the database",
		Long: `Report what push would do, without writing anything.

Exit codes:
  0 - every design document is up to date
  1 - at least one would be created or updated
  2 - command error`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return diff(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

type diffOutput struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

func diff(opts *RootOptions, dir string, cmd *cobra.Command) error {
	db, err := opts.database()
	if err != nil {
		return err
	}
	m := db.Design(couchdb.NewDirSource(dir))
	designs, err := m.GetAllFromDesk()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read designs", err)
	}

	out := make([]diffOutput, 0, len(designs))
	stale := 0
	for _, d := range designs {
		action, err := m.Diff(cmd.Context(), d)
		if err != nil {
			return WrapExitError(ExitCommandError, "diff "+d.ID, err)
		}
		if action != couchdb.SyncUnchanged {
			stale++
		}
		out = append(out, diffOutput{ID: d.ID, Action: action.String()})
	}

	if opts.Format == "json" {
		if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	} else {
		for _, o := range out {
			fmt.Fprintf(cmd.OutOrStdout(), "%-9s %s\n", o.Action, o.ID)
		}
	}
	if stale > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d design documents out of sync", stale, len(out)))
	}
	return nil
}
