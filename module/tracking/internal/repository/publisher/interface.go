package publisher

import (
	"context"

	"github.com/nandanugg/enroute/module/tracking/domain"
)

// ArrivalPublisher hands ArrivalDetected to the job-lifecycle side.
type ArrivalPublisher interface {
	PublishArrival(ctx context.Context, event *domain.ArrivalDetected) error
}
