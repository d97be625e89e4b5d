package cmd

import (
	"context"
	"fmt"

	"github.com/jmehdipour/notification-relay/internal/db"
	"github.com/jmehdipour/notification-relay/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations (dev: DROP & CREATE tables)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		ctx := context.Background()

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		script, err := migrations.FS.ReadFile(migrations.MySQL)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", migrations.MySQL, err)
		}
		for _, stmt := range migrations.Statements(string(script)) {
			if _, err := sqlDB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec mysql migration: %w", err)
			}
		}
		log.Info("mysql migration complete", zap.String("file", migrations.MySQL))

		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("open clickhouse: %w", err)
		}
		if chDB == nil {
			log.Info("clickhouse not configured, skipping")
			return nil
		}
		defer chDB.Close()

		script, err = migrations.FS.ReadFile(migrations.ClickHouse)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", migrations.ClickHouse, err)
		}
		for _, stmt := range migrations.Statements(string(script)) {
			if _, err := chDB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec clickhouse migration: %w", err)
			}
		}
		log.Info("clickhouse migration complete", zap.String("file", migrations.ClickHouse))
		return nil
	},
}
