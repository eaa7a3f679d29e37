// Package cli implements the couchsync command line tool.
package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	couchdb "github.com/cabify/go-cloudant"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	URL    string
	DB     string
	Config string // YAML connection settings
	Format string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the couchsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "couchsync",
		Short: "Keep CouchDB design documents in sync",
		Long: `couchsync pushes design documents authored in a local directory to a
CouchDB or Cloudant database and queries their views.

Credentials are taken from the userinfo of --url.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.URL, "url", "http://127.0.0.1:5984", "server URL")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "database name")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "YAML file with connection settings")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewDiffCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewWaitCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// client connects to the server named by the global flags.
func (o *RootOptions) client() (*couchdb.Client, error) {
	var cfg couchdb.ConnectionConfig
	if o.Config != "" {
		var err error
		if cfg, err = couchdb.LoadConnectionConfig(o.Config); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load connection config", err)
		}
	}
	u, err := url.Parse(o.URL)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --url", err)
	}
	c, err := couchdb.NewClient(u, cfg, nil)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid connection settings", err)
	}
	return c, nil
}

func (o *RootOptions) database() (*couchdb.DB, error) {
	if o.DB == "" {
		return nil, NewExitError(ExitCommandError, "--db is required")
	}
	c, err := o.client()
	if err != nil {
		return nil, err
	}
	return c.DB(o.DB), nil
}
