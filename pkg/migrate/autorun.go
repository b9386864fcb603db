package migrate

import (
	"context"
	"fmt"

	"github.com/scanshop/companion-sync/pkg/config"
	"github.com/scanshop/companion-sync/pkg/db"
	"github.com/scanshop/companion-sync/pkg/logger"
)

// MaybeRunLocal applies the embedded local-store migrations at startup unless
// auto migration has been switched off.
func MaybeRunLocal(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.AutoMigrate {
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "path": cfg.Local.Path})
	applied, err := Up(ctx, sqlDB)
	if err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}
	if len(applied) > 0 {
		logg.Info(logg.WithField(ctx, "versions", applied), "local store migrations applied")
	}
	return nil
}
