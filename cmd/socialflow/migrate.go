package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	socialflow "github.com/socialflow/socialflow-go"
	"github.com/socialflow/socialflow-go/pgbackend"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database and preference migrations",
	Long: "Apply pending Postgres schema migrations when the postgres backend is configured, " +
		"then bring the signed-in identity's preference namespace to the current schema.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if cfg.Default.Backend == "postgres" {
			if cfg.Default.DatabaseURL == "" {
				return fmt.Errorf("default.database_url is not set")
			}
			if err := pgbackend.Migrate(ctx, cfg.Default.DatabaseURL); err != nil {
				return err
			}
			v, err := pgbackend.SchemaVersion(ctx, cfg.Default.DatabaseURL)
			if err != nil {
				return err
			}
			fmt.Printf("Database schema at version %d\n", v)
		}

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		ident := e.backend.CurrentIdentity()
		if ident == nil {
			fmt.Println("Not signed in; preference migration skipped.")
			return nil
		}
		prefs, err := socialflow.NewPreferenceStore(e.storage, cfg.Default.NamespacePrefix, ident.ID, e.logger)
		if err != nil {
			return err
		}
		before, err := prefs.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		if err := prefs.Migrate(ctx); err != nil {
			return err
		}
		e.logger.Debug("preference migration done", zap.Int("from", before), zap.Int("to", socialflow.CurrentSchemaVersion))
		fmt.Printf("Preferences %s at version %d (was %d)\n", prefs.Namespace(), socialflow.CurrentSchemaVersion, before)
		return nil
	},
}
