package ruleconfig

import (
	"github.com/canvastack/stencil/internal/ruleconfig/repository"
	"github.com/canvastack/stencil/internal/ruleconfig/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ruleconfig",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
