// Command couchsync keeps CouchDB design documents in sync with a
// local directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/pflag"

	"github.com/cabify/go-cloudant/internal/cli"
)

func main() {
	// glog flags (-v, -logtostderr, ...) next to the command flags
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()
	glog.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, "couchsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
