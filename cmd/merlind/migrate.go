package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/freemell/merlintg/internal/config"
	"github.com/freemell/merlintg/internal/storage/sqldb"
	"github.com/freemell/merlintg/pkg/logger"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging); err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Storage.Driver == "memory" {
				return fmt.Errorf("存储驱动为 memory，无需迁移")
			}
			db, err := sqldb.Open(cmd.Context(), storageConfig(cfg.Storage))
			if err != nil {
				return err
			}
			defer db.Close()

			versions, err := db.AppliedVersions(cmd.Context())
			if err != nil {
				return err
			}
			logger.L().Info("数据库迁移完成",
				slog.String("driver", cfg.Storage.Driver),
				slog.String("versions", strings.Join(versions, ",")))
			return nil
		},
	}
}

func storageConfig(c config.StorageConfig) sqldb.Config {
	return sqldb.Config{
		Driver:          c.Driver,
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: time.Duration(c.ConnMaxLifetimeSeconds) * time.Second,
	}
}
