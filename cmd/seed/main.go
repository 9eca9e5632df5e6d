// Command seed validates and loads content catalogs into Firestore.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Validate and load the shishu content catalog",
		Long: `seed reads a YAML content catalog (moods with their affirmation images,
blog articles and weekly letters) and writes it to the Firestore layout the
API reads from.

Examples:
  # Check a catalog without touching Firestore
  seed validate -f catalog.yaml

  # Preview the writes, then load them
  seed load -f catalog.yaml --dry-run
  seed load -f catalog.yaml --project shishu-dev`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newLoadCmd())
	return cmd
}
