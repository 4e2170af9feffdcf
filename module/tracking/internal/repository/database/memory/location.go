// Package memory is a LocationRepository kept in process memory. It follows
// the same write rules as the Postgres store and is used for local runs and
// tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nandanugg/enroute/module/tracking/domain"
	"github.com/nandanugg/enroute/module/tracking/internal/repository/database"
)

var _ database.LocationRepository = (*LocationRepo)(nil)

type historyKey struct {
	jobID      string
	capturedAt int64
}

type LocationRepo struct {
	mu      sync.RWMutex
	current map[string]domain.ContractorLocation
	history map[string][]domain.ContractorLocation
	seen    map[historyKey]struct{}
	now     func() time.Time
}

func NewLocationRepo() *LocationRepo {
	return &LocationRepo{
		current: make(map[string]domain.ContractorLocation),
		history: make(map[string][]domain.ContractorLocation),
		seen:    make(map[historyKey]struct{}),
		now:     time.Now,
	}
}

func (r *LocationRepo) Upsert(_ context.Context, loc *domain.ContractorLocation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := *loc
	stored, ok := r.current[loc.JobID]
	if ok {
		if !stored.CapturedAt.Before(loc.CapturedAt) {
			return false, nil
		}
		row.ContractorID = stored.ContractorID
		row.HasArrived = stored.HasArrived
		if row.ETASeconds == nil {
			row.ETASeconds = stored.ETASeconds
		}
		if row.UpdatedAt.Before(stored.UpdatedAt) {
			row.UpdatedAt = stored.UpdatedAt
		}
	} else {
		row.HasArrived = false
	}
	r.current[loc.JobID] = row
	return true, nil
}

func (r *LocationRepo) AppendHistory(_ context.Context, loc *domain.ContractorLocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := historyKey{jobID: loc.JobID, capturedAt: loc.CapturedAt.UnixNano()}
	if _, dup := r.seen[key]; dup {
		return nil
	}
	r.seen[key] = struct{}{}
	r.history[loc.JobID] = append(r.history[loc.JobID], *loc)
	return nil
}

func (r *LocationRepo) MarkArrived(_ context.Context, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.current[jobID]
	if !ok || row.HasArrived {
		return false, nil
	}
	row.HasArrived = true
	r.touch(&row)
	r.current[jobID] = row
	return true, nil
}

func (r *LocationRepo) UpdateEstimate(_ context.Context, jobID string, capturedAt time.Time, etaSeconds int, distanceM float64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.current[jobID]
	if !ok || !row.CapturedAt.Equal(capturedAt) {
		return false, nil
	}
	eta := etaSeconds
	row.ETASeconds = &eta
	row.DistanceRemainingM = distanceM
	r.touch(&row)
	r.current[jobID] = row
	return true, nil
}

func (r *LocationRepo) SetTrackingEnabled(_ context.Context, jobID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.current[jobID]
	if !ok {
		return nil
	}
	row.IsTrackingEnabled = enabled
	r.touch(&row)
	r.current[jobID] = row
	return nil
}

func (r *LocationRepo) GetLatest(_ context.Context, jobID string) (*domain.ContractorLocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.current[jobID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &row, nil
}

func (r *LocationRepo) GetHistory(_ context.Context, query *domain.HistoryQuery) ([]domain.ContractorLocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []domain.ContractorLocation
	for _, loc := range r.history[query.JobID] {
		if loc.CapturedAt.Before(query.Start) || loc.CapturedAt.After(query.End) {
			continue
		}
		results = append(results, loc)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CapturedAt.Before(results[j].CapturedAt)
	})
	return results, nil
}

func (r *LocationRepo) touch(row *domain.ContractorLocation) {
	if now := r.now(); now.After(row.UpdatedAt) {
		row.UpdatedAt = now
	}
}
