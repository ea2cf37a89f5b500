// Command eventific manages an append-only event store from the command line
// and serves it over HTTP.
package main

import (
	"context"
	"os"

	"github.com/roach88/eventific/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
