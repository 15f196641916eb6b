package negotiation

import (
	"github.com/canvastack/stencil/internal/negotiation/repository"
	"github.com/canvastack/stencil/internal/negotiation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("negotiation",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
