package allowance

import (
	"github.com/smallbiznis/memora/internal/allowance/repository"
	"github.com/smallbiznis/memora/internal/allowance/service"
	"go.uber.org/fx"
)

var Module = fx.Module("allowance.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
