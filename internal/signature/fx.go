package signature

import (
	"net/http"

	"github.com/fiskalwerk/rksv/internal/config"
	"go.uber.org/fx"
)

func newFactory(cfg config.Config) *Factory {
	return NewFactory(cfg.Device, &http.Client{Timeout: cfg.Device.Timeout})
}

var Module = fx.Module("signature",
	fx.Provide(
		newFactory,
		NewEngine,
	),
)
