package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	couchdb "github.com/cabify/go-cloudant"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Reduce      bool
	Group       bool
	GroupLevel  int
	Limit       int
	Skip        int
	Key         string
	StartKey    string
	EndKey      string
	Descending  bool
	IncludeDocs bool
	Single      bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <ddoc> <view>",
		Short: "Query a view",
		Long: `Query a view and print its rows.

Keys are given as JSON.

Example:
  couchsync query --db animals views101 latin_name --limit 5
  couchsync query --db animals views101 diet_count --reduce --group
  couchsync query --db animals views101 diet_count --reduce --single`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return query(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Reduce, "reduce", false, "run the reduce function")
	cmd.Flags().BoolVar(&opts.Group, "group", false, "group reduced rows by key")
	cmd.Flags().IntVar(&opts.GroupLevel, "group-level", 0, "group reduced rows by a key prefix")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of rows")
	cmd.Flags().IntVar(&opts.Skip, "skip", 0, "number of rows to skip")
	cmd.Flags().StringVar(&opts.Key, "key", "", "only rows with this key (JSON)")
	cmd.Flags().StringVar(&opts.StartKey, "start-key", "", "first key of the range (JSON)")
	cmd.Flags().StringVar(&opts.EndKey, "end-key", "", "last key of the range (JSON)")
	cmd.Flags().BoolVar(&opts.Descending, "descending", false, "reverse the row order")
	cmd.Flags().BoolVar(&opts.IncludeDocs, "include-docs", false, "include the emitting documents")
	cmd.Flags().BoolVar(&opts.Single, "single", false, "print the single reduced value only")

	return cmd
}

func query(opts *QueryOptions, ddoc, view string, cmd *cobra.Command) error {
	db, err := opts.database()
	if err != nil {
		return err
	}
	b := db.ViewRequest(ddoc, view)
	flags := cmd.Flags()
	if flags.Changed("reduce") {
		b.Reduce(opts.Reduce)
	}
	if opts.Group {
		b.Group(true)
	}
	if flags.Changed("group-level") {
		b.GroupLevel(opts.GroupLevel)
	}
	if flags.Changed("limit") {
		b.Limit(opts.Limit)
	}
	if opts.Skip != 0 {
		b.Skip(opts.Skip)
	}
	if opts.Descending {
		b.Descending(true)
	}
	if opts.IncludeDocs {
		b.IncludeDocs(true)
	}
	for _, k := range []struct {
		flag, raw string
		set       func(interface{}) *couchdb.ViewRequestBuilder
	}{
		{"--key", opts.Key, b.Key},
		{"--start-key", opts.StartKey, b.StartKey},
		{"--end-key", opts.EndKey, b.EndKey},
	} {
		if k.raw == "" {
			continue
		}
		var v interface{}
		if err := json.Unmarshal([]byte(k.raw), &v); err != nil {
			return WrapExitError(ExitCommandError, "invalid "+k.flag+" JSON", err)
		}
		k.set(v)
	}

	req, err := b.Build()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid query", err)
	}

	if opts.Single {
		v, err := couchdb.SingleValue[interface{}](cmd.Context(), req)
		if err != nil {
			return WrapExitError(ExitCommandError, "query failed", err)
		}
		if opts.Format == "json" {
			return writeJSON(cmd.OutOrStdout(), v)
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	}

	resp, err := req.Execute(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "query failed", err)
	}
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), resp)
	}
	for _, row := range resp.Rows {
		if row.ID != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", row.ID, row.Key, row.Value)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", row.Key, row.Value)
		}
	}
	return nil
}
