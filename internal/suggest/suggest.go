// Package suggest produces candidate actions from a snapshot. The pipeline
// depends only on the Suggester capability; the DOM heuristic and the
// model-backed implementation are interchangeable, as is any simulated
// implementation a test injects.
package suggest

import (
	"context"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
)

// Suggester maps a snapshot to zero or more candidate actions. It must not
// mutate the snapshot. Returned actions carry no id; registration assigns
// them. Confidence values are validated by the caller before any candidate is
// registered.
type Suggester interface {
	Suggest(ctx context.Context, snap schemas.Snapshot) ([]schemas.Action, error)
}

// Func adapts a plain function to the Suggester interface.
type Func func(ctx context.Context, snap schemas.Snapshot) ([]schemas.Action, error)

// Suggest implements Suggester.
func (f Func) Suggest(ctx context.Context, snap schemas.Snapshot) ([]schemas.Action, error) {
	return f(ctx, snap)
}
