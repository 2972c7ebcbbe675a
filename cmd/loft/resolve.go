package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/loftshare/loft"
	"github.com/loftshare/loft/cache"
	"github.com/loftshare/loft/internal/cli"
	"github.com/loftshare/loft/membership"
	"github.com/loftshare/loft/resolve"
	"github.com/loftshare/loft/store/postgres"
)

var (
	resolveDB    string
	resolveAdmin bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <user-id> <virtual-path>",
	Short: "Translate a virtual path for a principal",
	Long: `Resolve a virtual path against the hierarchy store and print the
real base path and effective permission set.`,
	Example: `  # Resolve a share path for user 42
  loft resolve 42 shares/q1report/summary.md

  # Resolve a space root as an administrator
  loft resolve 1 files/acme/assets --admin`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var userID int64
		if _, err := fmt.Sscan(args[0], &userID); err != nil {
			return cli.GeneralError("parsing user id", err)
		}

		dsn, err := resolveDSN(resolveDB)
		if err != nil {
			return err
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return cli.DBConnectError("connecting to database", err)
		}
		defer func() { _ = db.Close() }()

		st := postgres.New(db)
		members := membership.NewResolver(st)
		resolver := resolve.NewResolver(st, members,
			resolve.WithCache(cache.New(cache.WithTTL(cfg.Cache.TTL))))

		principal := loft.Principal{ID: userID, Kind: loft.KindUser, Admin: resolveAdmin}
		loc, err := resolver.Resolve(context.Background(), principal, args[1])
		if err != nil {
			switch {
			case loft.IsNotFound(err):
				return cli.GeneralError("not found", err)
			case loft.IsForbidden(err):
				return cli.DeniedError("forbidden", err)
			default:
				return err
			}
		}

		fmt.Printf("Kind:         %s\n", loc.Kind)
		fmt.Printf("Base path:    %s\n", loc.RealBasePath)
		fmt.Printf("Remaining:    %v\n", loc.RemainingSegments)
		fmt.Printf("Permissions:  %q\n", loc.Permissions.String())
		if loc.OwnerID != 0 {
			fmt.Printf("Owner:        %d\n", loc.OwnerID)
		}
		return nil
	},
}

func init() {
	f := resolveCmd.Flags()
	f.StringVar(&resolveDB, "db", "", "database URL")
	f.BoolVar(&resolveAdmin, "admin", false, "resolve with administrator rights")
}
