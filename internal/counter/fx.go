package counter

import "go.uber.org/fx"

var Module = fx.Module("counter",
	fx.Provide(NewStore),
)
