/*
main.go - Application entry point

PURPOSE:
  Command-line front end of the kWh ledger. Every command reads the same
  configuration (environment, .env, optional config.yaml) and opens the
  same SQLite store.

COMMANDS:
  serve   HTTP API, outbox relay and scheduled audit
  export  entries as CSV on stdout
  audit   one consistency check, non-zero exit on discrepancies
  token   sign a bearer token for a user

EXAMPLES:
  JWT_SECRET=dev ./server serve
  ./server export --user=alice --from=2026-01-01 > alice.csv
  ./server token root --role=admin --ttl=24h
*/
package main

import (
	"fmt"

	"github.com/alecthomas/kong"
)

var (
	// Version is set via ldflags when building.
	Version = ""

	cli struct {
		Globals

		Version kong.VersionFlag `help:"Show version information"`

		Serve  ServeCmd  `cmd:"" default:"1" help:"Run the HTTP API."`
		Export ExportCmd `cmd:"" help:"Write ledger entries as CSV to stdout."`
		Audit  AuditCmd  `cmd:"" help:"Check every balance against its ledger entries."`
		Token  TokenCmd  `cmd:"" help:"Issue a bearer token."`
	}
)

func main() {
	ctx := kong.Parse(&cli,
		kong.Vars{"version": buildVersion()},
		kong.Name("kwh-ledger"),
		kong.Description("Community kWh balance ledger and request approval server."),
		kong.UsageOnError(),
		kong.Bind(&cli.Globals),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

func buildVersion() string {
	if Version == "" {
		return "dev"
	}
	return fmt.Sprintf("kwh-ledger %s", Version)
}
