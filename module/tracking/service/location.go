package service

import (
	"context"
	"errors"

	"github.com/nandanugg/enroute/module/tracking/domain"
	"github.com/nandanugg/enroute/module/tracking/internal/repository/database"
)

var (
	ErrNoListener   = errors.New("job is not being tracked")
	ErrInvalidRange = errors.New("history range end is before start")
)

type sampleFeed interface {
	Push(s domain.Sample) bool
	Fail(jobID string, err error) bool
}

// LocationService is the entry point for device ingest and location reads.
type LocationService struct {
	repo database.LocationRepository
	feed sampleFeed
}

func NewLocationService(repo database.LocationRepository, feed sampleFeed) *LocationService {
	return &LocationService{repo: repo, feed: feed}
}

// IngestSample hands a device sample to the job's tracking session.
func (s *LocationService) IngestSample(sample domain.Sample) error {
	if !s.feed.Push(sample) {
		return ErrNoListener
	}
	return nil
}

// ReportSensorError forwards a device-side positioning failure.
func (s *LocationService) ReportSensorError(jobID string, err error) error {
	if !s.feed.Fail(jobID, err) {
		return ErrNoListener
	}
	return nil
}

func (s *LocationService) GetLatest(ctx context.Context, jobID string) (*domain.ContractorLocation, error) {
	return s.repo.GetLatest(ctx, jobID)
}

func (s *LocationService) GetHistory(ctx context.Context, query *domain.HistoryQuery) ([]domain.ContractorLocation, error) {
	if query.End.Before(query.Start) {
		return nil, ErrInvalidRange
	}
	return s.repo.GetHistory(ctx, query)
}
