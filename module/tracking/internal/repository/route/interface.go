package route

import (
	"context"

	"github.com/nandanugg/enroute/module/tracking/domain"
)

// Provider estimates a driving route. Implementations never fail past their
// own boundary: any error yields domain.Unavailable.
type Provider interface {
	Estimate(ctx context.Context, origin, dest domain.Coordinate) domain.RouteEstimate
}
