package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/canvastack/stencil/internal/allocation"
	"github.com/canvastack/stencil/internal/approval"
	"github.com/canvastack/stencil/internal/clock"
	"github.com/canvastack/stencil/internal/config"
	"github.com/canvastack/stencil/internal/event"
	"github.com/canvastack/stencil/internal/gateway"
	"github.com/canvastack/stencil/internal/history"
	"github.com/canvastack/stencil/internal/insurancefund"
	"github.com/canvastack/stencil/internal/logger"
	"github.com/canvastack/stencil/internal/migration"
	"github.com/canvastack/stencil/internal/negotiation"
	"github.com/canvastack/stencil/internal/notification"
	"github.com/canvastack/stencil/internal/observability"
	"github.com/canvastack/stencil/internal/orderledger"
	"github.com/canvastack/stencil/internal/refund"
	"github.com/canvastack/stencil/internal/ruleconfig"
	"github.com/canvastack/stencil/internal/sweeper"
	"github.com/canvastack/stencil/pkg/db"
	"github.com/canvastack/stencil/pkg/lock"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		lock.Module,
		clock.Module,
		event.Module,
		observability.Module,
		migration.Module,

		// Shared workflow services
		history.Module,
		ruleconfig.Module,
		orderledger.Module,
		gateway.Module,
		notification.Module,

		// Workflow domains
		negotiation.Module,
		approval.Module,
		refund.Module,
		allocation.Module,
		insurancefund.Module,

		// Background jobs
		sweeper.Module,
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
