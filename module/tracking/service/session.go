package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/nandanugg/enroute/module/tracking/domain"
	"github.com/nandanugg/enroute/module/tracking/geo"
	"github.com/nandanugg/enroute/module/tracking/internal/repository/database"
	"github.com/nandanugg/enroute/module/tracking/internal/repository/publisher"
	"github.com/nandanugg/enroute/module/tracking/internal/repository/route"
	"github.com/nandanugg/enroute/module/tracking/sampler"
)

var (
	ErrSessionNotIdle = errors.New("session already started")
	ErrAlreadyArrived = errors.New("job already marked arrived")
)

const cleanupTimeout = 5 * time.Second

type SessionConfig struct {
	ArrivalThresholdM     float64
	MinRouteDisplacementM float64
	MinRouteInterval      time.Duration
	StoreRetryAttempts    int
	StoreRetryBackoff     time.Duration
	SensorRetryMin        time.Duration
	SensorRetryMax        time.Duration
	ArrivalRetryAttempts  int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ArrivalThresholdM:     geo.DefaultArrivalThresholdM,
		MinRouteDisplacementM: 25,
		MinRouteInterval:      10 * time.Second,
		StoreRetryAttempts:    3,
		StoreRetryBackoff:     100 * time.Millisecond,
		SensorRetryMin:        time.Second,
		SensorRetryMax:        30 * time.Second,
		ArrivalRetryAttempts:  5,
	}
}

type sampleStreamer interface {
	Start(ctx context.Context, jobID string) *sampler.Stream
	Stop(jobID string)
}

type eventPublisher interface {
	Publish(jobID string, ev domain.Event)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Sampler  sampleStreamer
	Routes   route.Provider
	Store    database.LocationRepository
	Events   eventPublisher
	Arrivals publisher.ArrivalPublisher
	Log      logrus.FieldLogger
}

// routeAttempt is where and when the last route request was issued.
type routeAttempt struct {
	origin domain.Coordinate
	at     time.Time
}

type routeRequest struct {
	seq    uint64
	cancel context.CancelFunc
}

type routeResult struct {
	seq uint64
	est domain.RouteEstimate
}

// Session owns one job's pipeline from samples to broadcast. All pipeline
// state below mu is touched only by the run goroutine, which is what keeps
// samples for a job strictly serialized.
type Session struct {
	jobID        string
	contractorID string
	dest         domain.Coordinate
	cfg          SessionConfig
	deps         Deps
	log          logrus.FieldLogger
	now          func() time.Time

	mu     sync.Mutex
	state  domain.SessionState
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	last       *domain.ContractorLocation
	attempt    *routeAttempt
	retryAfter time.Time
	routeGeo   json.RawMessage
	inflight   *routeRequest
	seq        uint64
	results    chan routeResult
}

func NewSession(jobID, contractorID string, dest domain.Coordinate, cfg SessionConfig, deps Deps) *Session {
	if cfg.ArrivalThresholdM <= 0 {
		cfg.ArrivalThresholdM = geo.DefaultArrivalThresholdM
	}
	return &Session{
		jobID:        jobID,
		contractorID: contractorID,
		dest:         dest,
		cfg:          cfg,
		deps:         deps,
		log:          deps.Log.WithFields(logrus.Fields{"job_id": jobID, "contractor_id": contractorID}),
		now:          time.Now,
		state:        domain.StateIdle,
		done:         make(chan struct{}),
		results:      make(chan routeResult, 1),
	}
}

func (s *Session) JobID() string                 { return s.jobID }
func (s *Session) Destination() domain.Coordinate { return s.dest }

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the pipeline has exited and any arrival event has
// been handed off.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start moves the session from Idle to Tracking and begins sampling. The
// session outlives ctx's cancellation; use Stop to end it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != domain.StateIdle {
		s.mu.Unlock()
		return ErrSessionNotIdle
	}

	stored, err := s.deps.Store.GetLatest(ctx, s.jobID)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		s.log.WithError(err).Warn("could not load stored location, relying on store ordering")
	case stored.HasArrived:
		s.mu.Unlock()
		return ErrAlreadyArrived
	default:
		s.last = stored
		if err := s.deps.Store.SetTrackingEnabled(ctx, s.jobID, true); err != nil {
			s.log.WithError(err).Warn("could not flag tracking enabled")
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.state = domain.StateTracking
	s.mu.Unlock()

	s.log.WithField("destination", s.dest).Info("tracking started")
	go s.run(runCtx)
	return nil
}

// Stop ends a tracking session and waits for its pipeline to exit. It
// reports false if the session was not tracking.
func (s *Session) Stop() bool {
	s.mu.Lock()
	if s.state != domain.StateTracking {
		s.mu.Unlock()
		return false
	}
	s.state = domain.StateStopped
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.done
	return true
}

func (s *Session) tracking() bool {
	return s.State() == domain.StateTracking
}

// transition moves Tracking to a terminal state. It reports false if
// another transition already happened.
func (s *Session) transition(to domain.SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateTracking {
		return false
	}
	s.state = to
	return true
}

func (s *Session) run(ctx context.Context) {
	defer func() {
		s.wg.Wait()
		close(s.done)
	}()
	defer s.finish()

	stream := s.deps.Sampler.Start(ctx, s.jobID)
	sensorRetry := newBackoff(s.cfg.SensorRetryMin, s.cfg.SensorRetryMax)
	var resubscribe <-chan time.Time

	for {
		var samples <-chan domain.Sample
		if stream != nil {
			samples = stream.C
		}

		select {
		case <-ctx.Done():
			return

		case sample, ok := <-samples:
			if !ok {
				err := stream.Err()
				stream = nil
				if ctx.Err() != nil {
					return
				}
				s.sensorFailed(err)
				resubscribe = time.After(sensorRetry.NextBackOff())
				continue
			}
			sensorRetry.Reset()
			if s.handleSample(ctx, sample) {
				return
			}

		case res := <-s.results:
			s.applyRoute(ctx, res)

		case <-resubscribe:
			resubscribe = nil
			s.log.Info("resubscribing to positioning source")
			stream = s.deps.Sampler.Start(ctx, s.jobID)
		}
	}
}

// handleSample runs one sample through the pipeline. It reports true when
// the sample moved the session to Arrived.
func (s *Session) handleSample(ctx context.Context, sample domain.Sample) bool {
	if !s.tracking() {
		return false
	}

	if s.last != nil && !sample.CapturedAt.After(s.last.CapturedAt) {
		s.log.WithFields(logrus.Fields{
			"captured_at": sample.CapturedAt,
			"stored_at":   s.last.CapturedAt,
		}).Debug("dropping out-of-order sample")
		return false
	}

	pos := sample.Coordinate
	distance := geo.Distance(pos, s.dest)
	qualifies := geo.IsArrived(distance, s.cfg.ArrivalThresholdM)

	loc := &domain.ContractorLocation{
		JobID:              s.jobID,
		ContractorID:       s.contractorID,
		Lat:                pos.Lat,
		Lon:                pos.Lon,
		AccuracyM:          sample.AccuracyM,
		HeadingDeg:         sample.HeadingDeg,
		SpeedMps:           sample.SpeedMps,
		CapturedAt:         sample.CapturedAt,
		DistanceRemainingM: distance,
		IsTrackingEnabled:  true,
		UpdatedAt:          s.now(),
	}
	if s.last != nil {
		loc.ETASeconds = s.last.ETASeconds
		loc.HasArrived = s.last.HasArrived
		if loc.UpdatedAt.Before(s.last.UpdatedAt) {
			loc.UpdatedAt = s.last.UpdatedAt
		}
	}

	applied, err := s.persist(ctx, loc)
	if err != nil {
		s.log.WithError(err).WithField("captured_at", sample.CapturedAt).Error("persist failed, dropping sample")
		return false
	}
	if !applied {
		s.log.WithField("captured_at", sample.CapturedAt).Debug("store rejected stale sample")
		return false
	}
	s.last = loc

	arrived := false
	if qualifies && !loc.HasArrived {
		arrived = s.claimArrival(ctx, loc)
	}

	if !arrived && s.routeDue(pos) {
		s.requestRoute(ctx, pos)
	}

	s.deps.Events.Publish(s.jobID, domain.NewLocationEvent(loc, s.routeGeo))

	s.log.WithFields(logrus.Fields{
		"distance_m":  math.Round(distance),
		"eta_seconds": loc.ETASeconds,
		"has_arrived": loc.HasArrived,
	}).Debug("sample applied")

	if arrived && s.transition(domain.StateArrived) {
		s.log.Info("contractor arrived")
		return true
	}
	return false
}

func (s *Session) persist(ctx context.Context, loc *domain.ContractorLocation) (bool, error) {
	var applied bool
	err := retry(ctx, s.cfg.StoreRetryAttempts, s.cfg.StoreRetryBackoff, func() error {
		var err error
		applied, err = s.deps.Store.Upsert(ctx, loc)
		return err
	})
	if err != nil || !applied {
		return false, err
	}

	err = retry(ctx, s.cfg.StoreRetryAttempts, s.cfg.StoreRetryBackoff, func() error {
		return s.deps.Store.AppendHistory(ctx, loc)
	})
	if err != nil {
		s.log.WithError(err).Warn("history append failed")
	}
	return true, nil
}

// claimArrival races for the store's one-way arrival flag. Only the winner
// emits ArrivalDetected; a loser finds the flag already set.
func (s *Session) claimArrival(ctx context.Context, loc *domain.ContractorLocation) bool {
	var won bool
	err := retry(ctx, s.cfg.StoreRetryAttempts, s.cfg.StoreRetryBackoff, func() error {
		var err error
		won, err = s.deps.Store.MarkArrived(ctx, s.jobID)
		return err
	})
	if err != nil {
		s.log.WithError(err).Error("could not record arrival, next sample retries")
		return false
	}

	loc.HasArrived = true
	if won {
		s.emitArrival(ctx, loc)
	} else {
		s.log.Debug("arrival already recorded")
	}
	return true
}

func (s *Session) emitArrival(ctx context.Context, loc *domain.ContractorLocation) {
	ev := &domain.ArrivalDetected{
		JobID:        s.jobID,
		ContractorID: s.contractorID,
		Location:     loc.Coordinate(),
		DetectedAt:   s.now(),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()

		err := retry(pubCtx, s.cfg.ArrivalRetryAttempts, s.cfg.StoreRetryBackoff, func() error {
			return s.deps.Arrivals.PublishArrival(pubCtx, ev)
		})
		if err != nil {
			s.log.WithError(err).Error("arrival event not delivered")
			return
		}
		s.log.Info("arrival event published")
	}()
}

// routeDue measures from the last request issued, successful or not, so a
// slow provider still sees at most one request per debounce window.
func (s *Session) routeDue(pos domain.Coordinate) bool {
	now := s.now()
	if now.Before(s.retryAfter) {
		return false
	}
	if s.attempt == nil {
		return true
	}
	return geo.Distance(s.attempt.origin, pos) >= s.cfg.MinRouteDisplacementM ||
		now.Sub(s.attempt.at) >= s.cfg.MinRouteInterval
}

// requestRoute supersedes any in-flight request with one from origin.
func (s *Session) requestRoute(ctx context.Context, origin domain.Coordinate) {
	s.cancelRoute()
	s.attempt = &routeAttempt{origin: origin, at: s.now()}

	s.seq++
	reqCtx, cancel := context.WithCancel(ctx)
	req := &routeRequest{seq: s.seq, cancel: cancel}
	s.inflight = req

	go func() {
		defer cancel()
		est := s.deps.Routes.Estimate(reqCtx, origin, s.dest)
		select {
		case s.results <- routeResult{seq: req.seq, est: est}:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) cancelRoute() {
	if s.inflight != nil {
		s.inflight.cancel()
		s.inflight = nil
	}
}

func (s *Session) applyRoute(ctx context.Context, res routeResult) {
	if s.inflight == nil || res.seq != s.inflight.seq {
		s.log.WithField("seq", res.seq).Debug("discarding superseded route estimate")
		return
	}
	s.inflight = nil
	if !s.tracking() {
		return
	}

	if !res.est.Available {
		s.retryAfter = s.now().Add(s.cfg.MinRouteInterval)
		s.log.Debug("route unavailable, keeping last estimate")
		return
	}
	if s.last == nil {
		return
	}

	// The estimate lands on the newest row; samples since the request lie
	// within the debounce window of its origin.
	capturedAt := s.last.CapturedAt
	eta := int(math.Round(res.est.DurationS))
	distance := math.Max(res.est.DistanceM, geo.Distance(s.last.Coordinate(), s.dest))

	var ok bool
	err := retry(ctx, s.cfg.StoreRetryAttempts, s.cfg.StoreRetryBackoff, func() error {
		var err error
		ok, err = s.deps.Store.UpdateEstimate(ctx, s.jobID, capturedAt, eta, distance)
		return err
	})
	if err != nil {
		s.log.WithError(err).Warn("could not persist route estimate")
		return
	}
	if !ok {
		return
	}

	s.last.ETASeconds = &eta
	s.last.DistanceRemainingM = distance
	if now := s.now(); now.After(s.last.UpdatedAt) {
		s.last.UpdatedAt = now
	}
	if res.est.Geometry != nil {
		if raw, err := geojson.Marshal(res.est.Geometry); err == nil {
			s.routeGeo = raw
		}
	}

	s.deps.Events.Publish(s.jobID, domain.NewLocationEvent(s.last, s.routeGeo))
}

func (s *Session) sensorFailed(err error) {
	s.log.WithError(err).Warn("positioning unavailable")
	s.deps.Events.Publish(s.jobID, domain.Event{
		Type:   domain.EventTrackingUnavailable,
		JobID:  s.jobID,
		Status: domain.StatusGPSUnavailable,
		Reason: err.Error(),
		At:     s.now(),
	})
}

// finish releases the session's resources once the pipeline exits.
func (s *Session) finish() {
	s.cancelRoute()
	s.deps.Sampler.Stop(s.jobID)

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.deps.Store.SetTrackingEnabled(ctx, s.jobID, false); err != nil {
		s.log.WithError(err).Warn("could not clear tracking flag")
	}

	state := s.State()
	if state == domain.StateStopped {
		s.deps.Events.Publish(s.jobID, domain.Event{
			Type:   domain.EventTrackingStopped,
			JobID:  s.jobID,
			Status: domain.StatusStopped,
			At:     s.now(),
		})
	}
	s.log.WithField("state", state).Info("tracking ended")
}
