package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loftshare/loft/internal/cli"
	"github.com/loftshare/loft/permission"
	"github.com/loftshare/loft/resolve"
)

var checkCmd = &cobra.Command{
	Use:   "check <permissions> <operation>",
	Short: "Test whether a permission string grants an operation",
	Long: `Parse a serialized permission string and report whether it grants
the given operation token. Works offline; no database access.`,
	Example: `  loft check a:d:m d
  loft check a:si so`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		perms := permission.Parse(args[0])
		want := permission.Parse(args[1])
		ops := want.Ops()
		if len(ops) != 1 {
			return cli.GeneralError(fmt.Sprintf("unknown operation %q", args[1]), nil)
		}

		if resolve.CheckAllowed(perms, ops[0]) {
			fmt.Printf("%q grants %q\n", perms.String(), ops[0].Token())
			return nil
		}
		return cli.DeniedError(fmt.Sprintf("%q does not grant %q", perms.String(), ops[0].Token()), nil)
	},
}
