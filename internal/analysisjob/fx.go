package analysisjob

import (
	"github.com/smallbiznis/memora/internal/analysisjob/repository"
	"github.com/smallbiznis/memora/internal/analysisjob/service"
	"go.uber.org/fx"
)

var Module = fx.Module("analysisjob.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
