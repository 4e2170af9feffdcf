package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/nandanugg/enroute/module/tracking/domain"
	"github.com/nandanugg/enroute/module/tracking/internal/repository/database/memory"
	"github.com/nandanugg/enroute/module/tracking/sampler"
)

var (
	parisDest    = domain.Coordinate{Lat: 48.861, Lon: 2.351}
	parisFar     = domain.Coordinate{Lat: 48.866, Lon: 2.355}
	parisNear    = domain.Coordinate{Lat: 48.8612, Lon: 2.3512}
	parisNearer  = domain.Coordinate{Lat: 48.8611, Lon: 2.3511}
	testDeadline = 2 * time.Second
)

type mockRouteProvider struct {
	calls      atomic.Int32
	estimateFn func(ctx context.Context, origin, dest domain.Coordinate) domain.RouteEstimate
}

func (m *mockRouteProvider) Estimate(ctx context.Context, origin, dest domain.Coordinate) domain.RouteEstimate {
	m.calls.Add(1)
	return m.estimateFn(ctx, origin, dest)
}

func fixedRoute(distanceM, durationS float64) *mockRouteProvider {
	return &mockRouteProvider{
		estimateFn: func(context.Context, domain.Coordinate, domain.Coordinate) domain.RouteEstimate {
			return domain.RouteEstimate{DistanceM: distanceM, DurationS: durationS, Available: true}
		},
	}
}

type mockArrivalPublisher struct {
	mu     sync.Mutex
	events []domain.ArrivalDetected
}

func (m *mockArrivalPublisher) PublishArrival(_ context.Context, ev *domain.ArrivalDetected) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	return nil
}

func (m *mockArrivalPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Publish(_ string, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(typ domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// flakyStore lets a test intercept Upsert on top of the in-memory store.
type flakyStore struct {
	*memory.LocationRepo
	upsertFn func(ctx context.Context, loc *domain.ContractorLocation) (bool, error)
}

func (f *flakyStore) Upsert(ctx context.Context, loc *domain.ContractorLocation) (bool, error) {
	if f.upsertFn != nil {
		return f.upsertFn(ctx, loc)
	}
	return f.LocationRepo.Upsert(ctx, loc)
}

func nullLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		ArrivalThresholdM:     50,
		MinRouteDisplacementM: 25,
		MinRouteInterval:      10 * time.Second,
		StoreRetryAttempts:    3,
		StoreRetryBackoff:     time.Millisecond,
		SensorRetryMin:        5 * time.Millisecond,
		SensorRetryMax:        20 * time.Millisecond,
		ArrivalRetryAttempts:  3,
	}
}

type fixture struct {
	feed     *sampler.Feed
	store    *memory.LocationRepo
	routes   *mockRouteProvider
	events   *eventRecorder
	arrivals *mockArrivalPublisher
	deps     Deps
}

func newFixture(routes *mockRouteProvider) *fixture {
	log := nullLogger()
	feed := sampler.NewFeed(log)
	f := &fixture{
		feed:     feed,
		store:    memory.NewLocationRepo(),
		routes:   routes,
		events:   &eventRecorder{},
		arrivals: &mockArrivalPublisher{},
	}
	f.deps = Deps{
		Sampler:  sampler.New(feed, sampler.Config{}, log),
		Routes:   routes,
		Store:    f.store,
		Events:   f.events,
		Arrivals: f.arrivals,
		Log:      log,
	}
	return f
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(testDeadline)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func pushWhenOpen(t *testing.T, feed *sampler.Feed, s domain.Sample) {
	t.Helper()
	eventually(t, func() bool { return feed.Push(s) }, "feed subscription for "+s.JobID)
}

func sampleAt(jobID string, c domain.Coordinate, at time.Time) domain.Sample {
	return domain.Sample{JobID: jobID, Coordinate: c, AccuracyM: 5, CapturedAt: at}
}

func (f *fixture) latest(jobID string) *domain.ContractorLocation {
	loc, err := f.store.GetLatest(context.Background(), jobID)
	if err != nil {
		return nil
	}
	return loc
}

func (f *fixture) storedAt(jobID string, at time.Time) func() bool {
	return func() bool {
		loc := f.latest(jobID)
		return loc != nil && loc.CapturedAt.Equal(at)
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(testDeadline):
		t.Fatal("session did not finish")
	}
}
