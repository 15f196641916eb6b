package lock

import (
	"github.com/canvastack/stencil/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("lock",
	fx.Provide(ProvideRedis),
	fx.Provide(NewLocker),
)

// ProvideRedis returns nil when REDIS_ADDR is unset; the locker degrades
// to a no-op and row locks alone serialize writers.
func ProvideRedis(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
}
