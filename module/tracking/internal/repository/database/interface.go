package database

import (
	"context"
	"errors"
	"time"

	"github.com/nandanugg/enroute/module/tracking/domain"
)

var ErrNotFound = errors.New("location not found")

// LocationRepository is the durable store behind tracking sessions: one
// current row per job plus an append-only history.
//
// Upsert is last-write-wins on CapturedAt and reports whether the write was
// applied; writes that are not strictly newer than the stored row are
// no-ops. HasArrived is never written by Upsert; MarkArrived is the only way
// to flip it and reports true only to the caller that observed false.
type LocationRepository interface {
	Upsert(ctx context.Context, loc *domain.ContractorLocation) (bool, error)
	AppendHistory(ctx context.Context, loc *domain.ContractorLocation) error
	MarkArrived(ctx context.Context, jobID string) (bool, error)
	UpdateEstimate(ctx context.Context, jobID string, capturedAt time.Time, etaSeconds int, distanceM float64) (bool, error)
	SetTrackingEnabled(ctx context.Context, jobID string, enabled bool) error
	GetLatest(ctx context.Context, jobID string) (*domain.ContractorLocation, error)
	GetHistory(ctx context.Context, query *domain.HistoryQuery) ([]domain.ContractorLocation, error)
}
