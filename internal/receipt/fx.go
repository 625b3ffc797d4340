package receipt

import (
	"github.com/fiskalwerk/rksv/internal/receipt/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("receipt",
	fx.Provide(repository.NewRepository),
)
