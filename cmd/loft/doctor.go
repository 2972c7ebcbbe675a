package main

import (
	"context"
	"database/sql"
	"os"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/loftshare/loft/internal/cli"
	"github.com/loftshare/loft/internal/doctor"
)

var (
	doctorDB      string
	doctorVerbose bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks against the hierarchy store",
	Long: `Validate that the database is reachable, migrated, and internally
consistent: acyclic parent chains, resolvable share locations, and
canonical permission strings.`,
	Example: `  # Check the configured database, with details
  loft doctor -v`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := resolveDSN(doctorDB)
		if err != nil {
			return err
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return cli.DBConnectError("connecting to database", err)
		}
		defer func() { _ = db.Close() }()

		report, err := doctor.New(db).Run(context.Background())
		if err != nil {
			return cli.GeneralError("running health checks", err)
		}
		report.Print(os.Stdout, doctorVerbose)
		if report.HasErrors() {
			return cli.GeneralError("health checks failed", nil)
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().StringVar(&doctorDB, "db", "", "database URL")
	doctorCmd.Flags().BoolVarP(&doctorVerbose, "verbose", "v", false, "show check details")
}
