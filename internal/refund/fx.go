package refund

import (
	"github.com/canvastack/stencil/internal/refund/repository"
	"github.com/canvastack/stencil/internal/refund/service"
	"go.uber.org/fx"
)

var Module = fx.Module("refund",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
