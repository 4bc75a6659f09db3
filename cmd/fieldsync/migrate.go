package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/angelmondragon/fieldsync/pkg/db"
	"github.com/angelmondragon/fieldsync/pkg/migrate"
)

func NewMigrateCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the on-device schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logg, err := loadConfig(root)
			if err != nil {
				return err
			}
			defer logg.Close()
			client, err := openDevice(cmd.Context(), cfg, logg)
			if err != nil {
				return err
			}
			return client.Close()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGoose(cmd, root, "status")
		},
	})
	cmd.AddCommand(newMigrateValidateCommand())
	cmd.AddCommand(newMigrateCreateCommand())
	return cmd
}

func newMigrateValidateCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check migration names and goose headers",
		Long:  "Check migration names and goose headers. Without --dir the migrations compiled into the binary are checked.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if dir != "" {
				err = migrate.ValidateDir(dir)
			} else {
				err = migrate.ValidateEmbedded()
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "migration validation passed")
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "migrations directory on disk")
	return cmd
}

func newMigrateCreateCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Scaffold a new device schema migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := migrate.CreateSQLMigration(dir, args[0], time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "created migration:", path)
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", migrate.DefaultDir, "migrations directory")
	return cmd
}

// runGoose runs a goose command without applying migrations first.
func runGoose(cmd *cobra.Command, root *RootOptions, command string) error {
	cfg, logg, err := loadConfig(root)
	if err != nil {
		return err
	}
	defer logg.Close()
	client, err := db.OpenDevice(cmd.Context(), cfg.Cache.Path, logg)
	if err != nil {
		return err
	}
	defer client.Close()
	sqlDB, err := client.SQL()
	if err != nil {
		return err
	}
	return migrate.Run(cmd.Context(), sqlDB, command)
}
