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

var migrateDB string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the hierarchy schema in the database",
	Long:  `Create the loft hierarchy tables in PostgreSQL. Idempotent; safe to run on every deployment.`,
	Example: `  # Apply schema to database
  loft migrate --db postgres://localhost/loft`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := resolveDSN(migrateDB)
		if err != nil {
			return err
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return cli.DBConnectError("connecting to database", err)
		}
		defer func() { _ = db.Close() }()

		if err := postgres.Migrate(context.Background(), db); err != nil {
			return cli.GeneralError("migrating", err)
		}
		if !quiet {
			fmt.Println("Hierarchy schema applied.")
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDB, "db", "", "database URL")
}
