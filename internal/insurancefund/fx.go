package insurancefund

import (
	"github.com/canvastack/stencil/internal/insurancefund/repository"
	"github.com/canvastack/stencil/internal/insurancefund/service"
	"go.uber.org/fx"
)

var Module = fx.Module("insurancefund",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
