package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"notekeep/internal/server/api"
	"notekeep/internal/server/config"
	"notekeep/internal/server/database"
	"notekeep/internal/server/staging"
	"notekeep/internal/server/storage"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one cleanup pass over staging and pending files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := database.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			chunks := staging.NewChunkStore(cfg.StagingPath, cfg.HashAlgorithm)
			store := storage.NewFileSystemStore(cfg.StoragePath)
			report := storage.NewSweeper(chunks, db, store, cfg.SweepInterval, cfg.SessionTTL, cfg.PendingTTL).
				RunOnce(cmd.Context())

			if err := writePlain("Removed %d abandoned sessions and %d unclaimed files\n", report.Sessions, report.Artifacts); err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d items could not be removed, see the log", report.Failed)
			}
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := database.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.RunMigrations(cmd.Context()); err != nil {
				return err
			}
			return writePlain("Migrations applied\n")
		},
	}
}

func newTokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <owner>",
		Short: "Issue a bearer token for an owner using the server's JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			token, err := api.SignOwnerToken(args[0], []byte(cfg.JWTSecret), ttl)
			if err != nil {
				return err
			}
			return writePlain("%s\n", token)
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}
