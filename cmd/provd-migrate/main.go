// Package main is the entry point for provd-migrate, the schema
// migration CLI for the provisioning-key uniqueness index's SQLite
// database (internal/infrastructure/migrations).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wazo-provd/provd/internal/infrastructure/migrations"
)

var (
	dsn string
	dir string
)

var rootCmd = &cobra.Command{
	Use:   "provd-migrate",
	Short: "manage the provisioning-key index database schema",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "/var/lib/provd/provd.db.keys", "path to the provisioning-key index SQLite database")
	rootCmd.PersistentFlags().StringVar(&dir, "dir", "migrations", "directory of goose migration files")

	rootCmd.AddCommand(upCmd, downCmd, statusCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openManager() (*migrations.Manager, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return migrations.New(migrations.Config{DSN: dsn, Dir: dir}, logger)
}

// upCmd applies every pending migration. Per spec §6, running it against
// an already-current database is not an error but also not "it did
// something" — it exits 2 so callers (init scripts, CI) can tell the two
// outcomes apart.
var upCmd = &cobra.Command{
	Use:   "up",
	Short: "apply pending migrations",
	RunE: func(_ *cobra.Command, _ []string) error {
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()

		applied, err := m.Up()
		if err != nil {
			return err
		}
		if !applied {
			fmt.Fprintln(os.Stderr, "provd-migrate: database already at the latest version")
			os.Exit(2)
		}
		fmt.Println("provd-migrate: migrations applied")
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "roll back the most recently applied migration",
	RunE: func(_ *cobra.Command, _ []string) error {
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()
		return m.Down()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "print the status of every migration",
	RunE: func(_ *cobra.Command, _ []string) error {
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()
		return m.Status()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the current schema version",
	RunE: func(_ *cobra.Command, _ []string) error {
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()

		v, err := m.Version()
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	},
}
