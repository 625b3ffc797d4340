package dep

import "go.uber.org/fx"

var Module = fx.Module("dep",
	fx.Provide(
		NewExporter,
		NewPusher,
	),
)
