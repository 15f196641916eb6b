package allocation

import (
	"github.com/canvastack/stencil/internal/allocation/repository"
	"github.com/canvastack/stencil/internal/allocation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("allocation",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
