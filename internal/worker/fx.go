package worker

import (
	"context"

	"github.com/smallbiznis/memora/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("worker",
	fx.Provide(ProvideEngine),
	fx.Provide(New),
	fx.Invoke(RegisterPool),
)

func ProvideEngine(cfg config.Config) Engine {
	return NewRemoteEngine(cfg.Engine)
}

func RegisterPool(lc fx.Lifecycle, cfg config.Config, pool *Pool) {
	if !cfg.Worker.Enabled {
		return
	}

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			pool.Start(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			return pool.Wait(ctx)
		},
	})
}
