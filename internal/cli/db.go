package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/testforge/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Event log database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := db.Open(cmd.Context(), cfg.Database.URL)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		v, err := database.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("Schema at version %d.\n", v)
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every table and re-apply the schema (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("reset deletes the whole event log; pass --yes to confirm")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := db.Open(cmd.Context(), cfg.Database.URL)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Reset(cmd.Context()); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		cmd.Println("Database reset.")
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "Confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
