package main

import (
	"github.com/spf13/cobra"

	"github.com/apphub/apphub/internal/config"
	"github.com/apphub/apphub/internal/core"
	"github.com/apphub/apphub/internal/logger"
	"github.com/apphub/apphub/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return core.ValidationErr("DATABASE_URL is required for migrate")
			}

			ctx := logger.WithLogger(cmd.Context(), newEngineLogger(cfg))
			st, err := store.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Migrate(ctx)
		},
	}
}
