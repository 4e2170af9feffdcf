package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nandanugg/enroute/module/tracking/domain"
	"github.com/nandanugg/enroute/module/tracking/sampler"
)

func TestSession_ArrivesExactlyOnce(t *testing.T) {
	f := newFixture(fixedRoute(700, 120))
	s := NewSession("job-1", "tech-1", parisDest, testSessionConfig(), f.deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t0 := time.Now()
	pushWhenOpen(t, f.feed, sampleAt("job-1", parisFar, t0))
	eventually(t, func() bool {
		loc := f.latest("job-1")
		return loc != nil && loc.ETASeconds != nil && *loc.ETASeconds == 120
	}, "eta from route")

	loc := f.latest("job-1")
	if loc.HasArrived {
		t.Error("expected has_arrived=false after first sample")
	}
	if loc.DistanceRemainingM != 700 {
		t.Errorf("expected route distance 700, got %f", loc.DistanceRemainingM)
	}

	f.feed.Push(sampleAt("job-1", parisNear, t0.Add(time.Second)))
	f.feed.Push(sampleAt("job-1", parisNearer, t0.Add(2*time.Second)))
	waitDone(t, s.Done())

	if s.State() != domain.StateArrived {
		t.Errorf("expected arrived, got %s", s.State())
	}
	if got := f.arrivals.count(); got != 1 {
		t.Fatalf("expected 1 arrival event, got %d", got)
	}
	if ev := f.arrivals.events[0]; ev.JobID != "job-1" || ev.ContractorID != "tech-1" {
		t.Errorf("unexpected arrival event: %+v", ev)
	}

	loc = f.latest("job-1")
	if !loc.HasArrived {
		t.Error("expected has_arrived=true")
	}
	if loc.IsTrackingEnabled {
		t.Error("expected tracking disabled after arrival")
	}

	updates := f.events.ofType(domain.EventLocationUpdated)
	last := updates[len(updates)-1]
	if last.Status != domain.StatusArrived || !last.Location.HasArrived {
		t.Errorf("expected final broadcast to be arrived, got %+v", last)
	}

	again := NewSession("job-1", "tech-1", parisDest, testSessionConfig(), f.deps)
	if err := again.Start(context.Background()); !errors.Is(err, ErrAlreadyArrived) {
		t.Errorf("expected ErrAlreadyArrived, got %v", err)
	}
	if got := f.arrivals.count(); got != 1 {
		t.Errorf("expected arrival to stay at 1, got %d", got)
	}
}

func TestSession_FirstBroadcastIsCalculatingRoute(t *testing.T) {
	release := make(chan struct{})
	routes := &mockRouteProvider{
		estimateFn: func(ctx context.Context, _, _ domain.Coordinate) domain.RouteEstimate {
			select {
			case <-release:
				return domain.RouteEstimate{DistanceM: 700, DurationS: 90, Available: true}
			case <-ctx.Done():
				return domain.Unavailable
			}
		},
	}
	f := newFixture(routes)
	s := NewSession("job-1", "tech-1", parisDest, testSessionConfig(), f.deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	pushWhenOpen(t, f.feed, sampleAt("job-1", parisFar, time.Now()))
	eventually(t, func() bool { return len(f.events.ofType(domain.EventLocationUpdated)) == 1 }, "first broadcast")

	first := f.events.ofType(domain.EventLocationUpdated)[0]
	if first.Status != domain.StatusCalculatingRoute {
		t.Errorf("expected %s, got %s", domain.StatusCalculatingRoute, first.Status)
	}
	if first.Location.ETASeconds != nil {
		t.Error("expected no eta before the route resolves")
	}

	close(release)
	eventually(t, func() bool { return len(f.events.ofType(domain.EventLocationUpdated)) == 2 }, "route broadcast")
	second := f.events.ofType(domain.EventLocationUpdated)[1]
	if second.Status != domain.StatusEnRoute || *second.Location.ETASeconds != 90 {
		t.Errorf("unexpected route broadcast: %+v", second.Location)
	}
}

func TestSession_OutOfOrderSampleIgnored(t *testing.T) {
	f := newFixture(fixedRoute(700, 120))
	s := NewSession("job-1", "tech-1", parisDest, testSessionConfig(), f.deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	t0 := time.Now()
	pushWhenOpen(t, f.feed, sampleAt("job-1", parisFar, t0))
	eventually(t, f.storedAt("job-1", t0), "first sample stored")

	f.feed.Push(sampleAt("job-1", domain.Coordinate{Lat: 48.87, Lon: 2.36}, t0.Add(-5*time.Second)))
	f.feed.Push(sampleAt("job-1", parisFar, t0))
	t1 := t0.Add(time.Second)
	f.feed.Push(sampleAt("job-1", parisFar, t1))
	eventually(t, f.storedAt("job-1", t1), "newer sample stored")

	for _, ev := range f.events.ofType(domain.EventLocationUpdated) {
		if ev.Location.CapturedAt.Before(t0) {
			t.Errorf("stale sample was broadcast: %v", ev.Location.CapturedAt)
		}
		if ev.Location.Lat == 48.87 {
			t.Error("stale coordinates were broadcast")
		}
	}

	hist, err := f.store.GetHistory(context.Background(), &domain.HistoryQuery{
		JobID: "job-1",
		Start: t0.Add(-time.Minute),
		End:   t0.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hist) != 2 {
		t.Errorf("expected 2 history rows, got %d", len(hist))
	}
}

func TestSession_RouteFailureKeepsLastETA(t *testing.T) {
	var calls atomic.Int32
	routes := &mockRouteProvider{
		estimateFn: func(context.Context, domain.Coordinate, domain.Coordinate) domain.RouteEstimate {
			if calls.Add(1) == 1 {
				return domain.RouteEstimate{DistanceM: 700, DurationS: 120, Available: true}
			}
			return domain.Unavailable
		},
	}
	f := newFixture(routes)
	s := NewSession("job-1", "tech-1", parisDest, testSessionConfig(), f.deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	t0 := time.Now()
	pushWhenOpen(t, f.feed, sampleAt("job-1", parisFar, t0))
	eventually(t, func() bool {
		loc := f.latest("job-1")
		return loc != nil && loc.ETASeconds != nil
	}, "eta from route")

	// ~110m closer, past the displacement threshold
	t1 := t0.Add(time.Second)
	f.feed.Push(sampleAt("job-1", domain.Coordinate{Lat: 48.865, Lon: 2.355}, t1))
	eventually(t, func() bool { return routes.calls.Load() == 2 }, "second route call")
	eventually(t, f.storedAt("job-1", t1), "second sample stored")

	loc := f.latest("job-1")
	if loc.ETASeconds == nil || *loc.ETASeconds != 120 {
		t.Errorf("expected eta to stay 120, got %v", loc.ETASeconds)
	}
	for _, ev := range f.events.ofType(domain.EventLocationUpdated) {
		if ev.Location.CapturedAt.Equal(t1) && ev.Location.ETASeconds == nil {
			t.Error("eta was nulled in a broadcast after route failure")
		}
	}
}

func TestSession_RouteDebounced(t *testing.T) {
	f := newFixture(fixedRoute(700, 120))
	s := NewSession("job-1", "tech-1", parisDest, testSessionConfig(), f.deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	t0 := time.Now()
	pushWhenOpen(t, f.feed, sampleAt("job-1", parisFar, t0))
	eventually(t, func() bool {
		loc := f.latest("job-1")
		return loc != nil && loc.ETASeconds != nil
	}, "eta from route")

	// a few meters of drift within the minimum interval
	t1 := t0.Add(time.Second)
	f.feed.Push(sampleAt("job-1", domain.Coordinate{Lat: 48.86601, Lon: 2.35501}, t1))
	eventually(t, f.storedAt("job-1", t1), "drift sample stored")
	time.Sleep(20 * time.Millisecond)

	if got := f.routes.calls.Load(); got != 1 {
		t.Errorf("expected 1 route call, got %d", got)
	}
	loc := f.latest("job-1")
	if loc.ETASeconds == nil || *loc.ETASeconds != 120 {
		t.Errorf("expected eta carried forward, got %v", loc.ETASeconds)
	}
}

func TestSession_SlowRouteNotReissuedPerSample(t *testing.T) {
	routes := &mockRouteProvider{
		estimateFn: func(ctx context.Context, _, _ domain.Coordinate) domain.RouteEstimate {
			select {
			case <-time.After(50 * time.Millisecond):
				return domain.RouteEstimate{DistanceM: 700, DurationS: 120, Available: true}
			case <-ctx.Done():
				return domain.Unavailable
			}
		},
	}
	f := newFixture(routes)
	s := NewSession("job-1", "tech-1", parisDest, testSessionConfig(), f.deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	const samples = 20
	t0 := time.Now()
	var lastAt time.Time
	for i := 0; i < samples; i++ {
		// about a metre apart, well under the displacement threshold
		pos := domain.Coordinate{Lat: parisFar.Lat - float64(i)*0.000009, Lon: parisFar.Lon}
		lastAt = t0.Add(time.Duration(i) * 10 * time.Millisecond)
		pushWhenOpen(t, f.feed, sampleAt("job-1", pos, lastAt))
		time.Sleep(10 * time.Millisecond)
	}
	eventually(t, f.storedAt("job-1", lastAt), "last sample stored")
	eventually(t, func() bool {
		loc := f.latest("job-1")
		return loc != nil && loc.ETASeconds != nil && *loc.ETASeconds == 120
	}, "eta from the slow route")

	if got := routes.calls.Load(); got != 1 {
		t.Errorf("expected 1 route call for %d samples, got %d", samples, got)
	}
}

func TestSession_StoreFailureRetriesThenDrops(t *testing.T) {
	f := newFixture(&mockRouteProvider{
		estimateFn: func(context.Context, domain.Coordinate, domain.Coordinate) domain.RouteEstimate {
			return domain.Unavailable
		},
	})
	t0 := time.Now()
	t1 := t0.Add(time.Second)

	var attempts atomic.Int32
	store := &flakyStore{LocationRepo: f.store}
	store.upsertFn = func(ctx context.Context, loc *domain.ContractorLocation) (bool, error) {
		if loc.CapturedAt.Equal(t0) {
			attempts.Add(1)
			return false, errors.New("connection reset")
		}
		return f.store.Upsert(ctx, loc)
	}
	f.deps.Store = store

	s := NewSession("job-1", "tech-1", parisDest, testSessionConfig(), f.deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	pushWhenOpen(t, f.feed, sampleAt("job-1", parisFar, t0))
	f.feed.Push(sampleAt("job-1", parisFar, t1))
	eventually(t, f.storedAt("job-1", t1), "sample after failure stored")

	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 upsert attempts, got %d", got)
	}
	for _, ev := range f.events.ofType(domain.EventLocationUpdated) {
		if ev.Location.CapturedAt.Equal(t0) {
			t.Error("dropped sample was broadcast")
		}
	}
	if s.State() != domain.StateTracking {
		t.Errorf("expected session to keep tracking, got %s", s.State())
	}
}

func TestSession_StopDiscardsInFlightRoute(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	routes := &mockRouteProvider{
		estimateFn: func(context.Context, domain.Coordinate, domain.Coordinate) domain.RouteEstimate {
			close(started)
			<-release
			return domain.RouteEstimate{DistanceM: 700, DurationS: 120, Available: true}
		},
	}
	f := newFixture(routes)
	s := NewSession("job-1", "tech-1", parisDest, testSessionConfig(), f.deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pushWhenOpen(t, f.feed, sampleAt("job-1", parisFar, time.Now()))
	<-started

	if !s.Stop() {
		t.Fatal("expected Stop to report a running session")
	}
	close(release)
	time.Sleep(20 * time.Millisecond)

	if s.State() != domain.StateStopped {
		t.Errorf("expected stopped, got %s", s.State())
	}
	loc := f.latest("job-1")
	if loc.ETASeconds != nil {
		t.Errorf("expected no eta, got %d", *loc.ETASeconds)
	}
	if loc.IsTrackingEnabled {
		t.Error("expected tracking disabled")
	}
	for _, ev := range f.events.ofType(domain.EventLocationUpdated) {
		if ev.Location.ETASeconds != nil {
			t.Error("in-flight route result was broadcast after stop")
		}
	}
	if got := len(f.events.ofType(domain.EventTrackingStopped)); got != 1 {
		t.Errorf("expected 1 stopped event, got %d", got)
	}
	if s.Stop() {
		t.Error("expected second Stop to be a no-op")
	}
}

func TestSession_SensorErrorReportedAndResubscribed(t *testing.T) {
	f := newFixture(fixedRoute(700, 120))
	s := NewSession("job-1", "tech-1", parisDest, testSessionConfig(), f.deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	eventually(t, func() bool { return f.feed.Fail("job-1", sampler.ErrPermissionDenied) }, "feed subscription")
	eventually(t, func() bool { return len(f.events.ofType(domain.EventTrackingUnavailable)) == 1 }, "unavailable event")

	ev := f.events.ofType(domain.EventTrackingUnavailable)[0]
	if ev.Status != domain.StatusGPSUnavailable {
		t.Errorf("expected %s, got %s", domain.StatusGPSUnavailable, ev.Status)
	}
	if ev.Reason != sampler.ErrPermissionDenied.Error() {
		t.Errorf("unexpected reason %q", ev.Reason)
	}

	// the old subscription may linger briefly, so keep offering the sample
	t0 := time.Now()
	eventually(t, func() bool {
		f.feed.Push(sampleAt("job-1", parisFar, t0))
		return f.storedAt("job-1", t0)()
	}, "sample after resubscribe")

	if s.State() != domain.StateTracking {
		t.Errorf("expected tracking, got %s", s.State())
	}
}

func TestSession_StartTwice(t *testing.T) {
	f := newFixture(fixedRoute(700, 120))
	s := NewSession("job-1", "tech-1", parisDest, testSessionConfig(), f.deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	if err := s.Start(context.Background()); !errors.Is(err, ErrSessionNotIdle) {
		t.Errorf("expected ErrSessionNotIdle, got %v", err)
	}
}
