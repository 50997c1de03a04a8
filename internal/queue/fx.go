package queue

import (
	"errors"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/memora/internal/clock"
	"github.com/smallbiznis/memora/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("queue",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Clock  clock.Clock
	Redis  *redis.Client `optional:"true"`
}

func New(p Params) (Queue, error) {
	cfg := p.Config.Queue
	switch cfg.Driver {
	case config.QueueDriverRedis:
		if p.Redis == nil {
			return nil, errors.New("queue driver redis requires REDIS_ADDR")
		}
		p.Log.Info("job queue ready", zap.String("driver", cfg.Driver), zap.String("name", cfg.Name))
		return NewRedisQueue(p.Redis, cfg.Name, cfg.VisibilityTimeout, p.Clock, p.Log), nil
	default:
		p.Log.Info("job queue ready", zap.String("driver", config.QueueDriverMemory))
		return NewMemoryQueue(p.Clock, cfg.VisibilityTimeout), nil
	}
}
