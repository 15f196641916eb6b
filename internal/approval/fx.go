package approval

import (
	"github.com/canvastack/stencil/internal/approval/repository"
	"github.com/canvastack/stencil/internal/approval/service"
	"go.uber.org/fx"
)

var Module = fx.Module("approval",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
