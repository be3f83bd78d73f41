// Command lifecyclectl inspects lifecycle definitions and audit trails
// without going through the HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Options shared by every subcommand.
type rootOptions struct {
	definitions []string
	driver      string
	sqlitePath  string
	dsnEnv      string
	org         string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "lifecyclectl",
		Short: "Inspect entity lifecycle definitions and audit trails",
		Long: `lifecyclectl validates definition files, prints transition tables and
reads audit trails straight from a lifecycle store.

Examples:
  lifecyclectl validate ./definitions
  lifecyclectl rules voucher -D ./definitions
  lifecyclectl history voucher v-1 --org acme --sqlite-path lifecycle.db
  lifecyclectl replay voucher v-1 --org acme --driver postgres`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringSliceVarP(&opts.definitions, "definitions", "D", []string{"definitions"}, "definition directories")
	flags.StringVar(&opts.driver, "driver", "sqlite", "store driver (sqlite or postgres)")
	flags.StringVar(&opts.sqlitePath, "sqlite-path", "lifecycle.db", "SQLite database file")
	flags.StringVar(&opts.dsnEnv, "dsn-env", "LIFECYCLE_DATABASE_URL", "environment variable holding the PostgreSQL DSN")
	flags.StringVar(&opts.org, "org", "", "organization the entity belongs to")

	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newRulesCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	cmd.AddCommand(newReplayCmd(opts))
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorMark.Sprint("✗"), err)
		os.Exit(1)
	}
}
