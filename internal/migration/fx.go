package migration

import (
	"github.com/canvastack/stencil/internal/config"
	"github.com/canvastack/stencil/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// The embedded migrations target postgres; other dialects
		// migrate through AutoMigrate in their own harnesses.
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		}
		return seed.EnsurePlatformRules(conn)
	}),
)
