package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts time for the signing pipeline and the null-receipt scheduler.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewSystemClock returns a Clock backed by the wall clock, in UTC.
func NewSystemClock() Clock { return systemClock{} }

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
