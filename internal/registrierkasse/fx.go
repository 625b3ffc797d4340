package registrierkasse

import (
	"github.com/fiskalwerk/rksv/internal/registrierkasse/service"
	"go.uber.org/fx"
)

var Module = fx.Module("registrierkasse",
	fx.Provide(service.NewService),
)
