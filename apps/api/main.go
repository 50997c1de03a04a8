package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/memora/internal/allowance"
	"github.com/smallbiznis/memora/internal/analysisjob"
	"github.com/smallbiznis/memora/internal/clock"
	"github.com/smallbiznis/memora/internal/config"
	"github.com/smallbiznis/memora/internal/observability"
	"github.com/smallbiznis/memora/internal/pricing"
	"github.com/smallbiznis/memora/internal/queue"
	"github.com/smallbiznis/memora/internal/ratelimit"
	"github.com/smallbiznis/memora/internal/server"
	"github.com/smallbiznis/memora/internal/settlement"
	"github.com/smallbiznis/memora/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Core dependencies for API
		ratelimit.Module,
		queue.Module,
		pricing.Module,
		allowance.Module,
		settlement.Module, // For worker reports and enqueue-failure settlement
		analysisjob.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
