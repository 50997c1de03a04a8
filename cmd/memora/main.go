package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/memora/internal/allowance"
	"github.com/smallbiznis/memora/internal/analysisjob"
	"github.com/smallbiznis/memora/internal/artifact"
	"github.com/smallbiznis/memora/internal/clock"
	"github.com/smallbiznis/memora/internal/config"
	"github.com/smallbiznis/memora/internal/migration"
	"github.com/smallbiznis/memora/internal/observability"
	"github.com/smallbiznis/memora/internal/pricing"
	"github.com/smallbiznis/memora/internal/queue"
	"github.com/smallbiznis/memora/internal/ratelimit"
	"github.com/smallbiznis/memora/internal/server"
	"github.com/smallbiznis/memora/internal/settlement"
	"github.com/smallbiznis/memora/internal/sweeper"
	"github.com/smallbiznis/memora/internal/worker"
	"github.com/smallbiznis/memora/pkg/db"
	"go.uber.org/fx"
)

// Monolith: HTTP API, worker pool and sweeper in one process.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,
		queue.Module,
		artifact.Module,

		// Functional Domains
		pricing.Module,
		allowance.Module,
		settlement.Module,
		analysisjob.Module,

		worker.Module,
		sweeper.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
