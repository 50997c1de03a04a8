package settlement

import (
	jobdomain "github.com/smallbiznis/memora/internal/analysisjob/domain"
	settlementdomain "github.com/smallbiznis/memora/internal/settlement/domain"
	"github.com/smallbiznis/memora/internal/settlement/repository"
	"github.com/smallbiznis/memora/internal/settlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(s settlementdomain.Service) jobdomain.Abandoner { return s }),
)
