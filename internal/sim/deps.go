package sim

import (
	"github.com/benbjohnson/clock"

	"tabletop/session/internal/telemetry"
)

// Deps carries shared infrastructure the loop needs.
type Deps struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Clock   clock.Clock
}
