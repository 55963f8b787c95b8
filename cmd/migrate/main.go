// migrate applies, rolls back, and inspects the schema migrations that
// back the postgres queue backend.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BillyRonksGlobal/dataqueue/pkg/config"
)

var dsn string
var migrationsDir string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "migrate",
		Short: "Manage dataqueue's postgres schema",
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "postgres connection string (defaults to DB_* env vars)")
	root.PersistentFlags().StringVar(&migrationsDir, "dir", "migrations", "directory containing migration files")
	_ = viper.BindPFlag("dsn", root.PersistentFlags().Lookup("dsn"))
	viper.AutomaticEnv()

	root.AddCommand(upCmd(), downCmd(), statusCmd(), createCmd())
	return root
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return goose.Up(db, migrationsDir)
		},
	}
}

func downCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return goose.Down(db, migrationsDir)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the status of every migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return goose.Status(db, migrationsDir)
		},
	}
}

func createCmd() *cobra.Command {
	var sqlMigration bool
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Scaffold a new migration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			migrationType := "go"
			if sqlMigration {
				migrationType = "sql"
			}
			return goose.Create(nil, migrationsDir, args[0], migrationType)
		},
	}
	cmd.Flags().BoolVar(&sqlMigration, "sql", true, "scaffold a .sql migration instead of a .go one")
	return cmd
}

func openDB() (*sql.DB, error) {
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}

	connStr := dsn
	if connStr == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		connStr = cfg.Database.URL()
	}

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
