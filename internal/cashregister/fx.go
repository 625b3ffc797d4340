package cashregister

import (
	"github.com/fiskalwerk/rksv/internal/cashregister/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("cashregister",
	fx.Provide(repository.NewRepository),
)
