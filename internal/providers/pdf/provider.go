package pdf

import "go.uber.org/fx"

// Provider renders receipt documents. Rendering is pure: it reads stored
// receipt records and never touches counters or signatures.
type Provider struct{}

func NewProvider() *Provider { return &Provider{} }

var Module = fx.Module("pdf",
	fx.Provide(NewProvider),
)
