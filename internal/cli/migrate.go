package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"syncbox/internal/storage/sql"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Apply all pending schema migrations to the SQL backend.`,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	sqlStore, ok := store.(*sql.Storage)
	if !ok {
		return fmt.Errorf("migrations only apply to the sql backend, configured backend is %s", cfg.Storage.Backend)
	}

	fmt.Println("Running database migrations...")
	if err := sql.RunMigrations(sqlStore.DB(), ""); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Println("Migrations applied.")
	return nil
}
