package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/loftshare/loft/internal/cli"
	"github.com/loftshare/loft/store/postgres"
)

var statusDB string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the database schema state",
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := resolveDSN(statusDB)
		if err != nil {
			return err
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return cli.DBConnectError("connecting to database", err)
		}
		defer func() { _ = db.Close() }()

		st, err := postgres.GetStatus(context.Background(), db)
		if err != nil {
			return cli.GeneralError("getting status", err)
		}

		report := func(name string, present bool) {
			if present {
				fmt.Printf("%-14s present\n", name+":")
			} else {
				fmt.Printf("%-14s missing\n", name+":")
			}
		}
		report("Shares", st.SharesTable)
		report("Memberships", st.MembershipsTable)

		if !st.SharesTable || !st.MembershipsTable {
			fmt.Println("\nRun 'loft migrate' to create the hierarchy schema.")
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusDB, "db", "", "database URL")
}
