package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/nandanugg/enroute/module/tracking/domain"
	"github.com/nandanugg/enroute/module/tracking/internal/repository/database"
)

var (
	errFeedStale   = errors.New("feed stale")
	errFeedDropped = errors.New("subscription dropped")
)

type ViewerConfig struct {
	StaleAfter   time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func DefaultViewerConfig() ViewerConfig {
	return ViewerConfig{
		StaleAfter:   30 * time.Second,
		ReconnectMin: 500 * time.Millisecond,
		ReconnectMax: 15 * time.Second,
	}
}

type subscriber interface {
	Subscribe(jobID string) *Subscription
}

type latestReader interface {
	GetLatest(ctx context.Context, jobID string) (*domain.ContractorLocation, error)
}

type stateReader interface {
	State(jobID string) domain.SessionState
}

type ViewerDeps struct {
	Events subscriber
	Store  latestReader
	States stateReader
	Log    logrus.FieldLogger
}

// ViewerSession follows one job for one viewer. Each (re)connect delivers
// the stored snapshot first and live events after it.
type ViewerSession struct {
	jobID string
	cfg   ViewerConfig
	deps  ViewerDeps
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewViewerSession(jobID string, cfg ViewerConfig, deps ViewerDeps) *ViewerSession {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultViewerConfig().StaleAfter
	}
	return &ViewerSession{
		jobID: jobID,
		cfg:   cfg,
		deps:  deps,
		log:   deps.Log.WithField("job_id", jobID),
		now:   time.Now,
	}
}

// Run delivers events until ctx is done or deliver fails. A deliver error
// is returned as is; ctx cancellation returns ctx.Err().
func (v *ViewerSession) Run(ctx context.Context, deliver func(domain.Event) error) error {
	reconnect := newBackoff(v.cfg.ReconnectMin, v.cfg.ReconnectMax)

	for {
		sub := v.deps.Events.Subscribe(v.jobID)
		err := v.follow(ctx, sub, deliver, reconnect)
		sub.Close()

		if !errors.Is(err, errFeedStale) && !errors.Is(err, errFeedDropped) {
			return err
		}

		wait := reconnect.NextBackOff()
		v.log.WithError(err).WithField("retry_in", wait).Info("reconnecting viewer")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (v *ViewerSession) follow(ctx context.Context, sub *Subscription, deliver func(domain.Event) error, reconnect backoff.BackOff) error {
	shown, err := v.snapshot(ctx, deliver)
	if err != nil {
		return err
	}

	stale := time.NewTimer(v.cfg.StaleAfter)
	defer stale.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-sub.C:
			if !ok {
				return errFeedDropped
			}
			if ev.Type == domain.EventLocationUpdated && ev.Location != nil {
				// never step back past what this viewer has shown
				if shown != nil && !newerThan(ev, *shown) {
					continue
				}
				shown = &ev
			}
			if err := deliver(ev); err != nil {
				return err
			}
			reconnect.Reset()
			stale.Reset(v.cfg.StaleAfter)

		case <-stale.C:
			// only a live session can go stale
			if v.deps.States.State(v.jobID) != domain.StateTracking {
				stale.Reset(v.cfg.StaleAfter)
				continue
			}
			err := deliver(domain.Event{
				Type:   domain.EventFeedStale,
				JobID:  v.jobID,
				Status: domain.StatusStale,
				At:     v.now(),
			})
			if err != nil {
				return err
			}
			return errFeedStale
		}
	}
}

// snapshot delivers the stored location, if any, and returns what it sent.
func (v *ViewerSession) snapshot(ctx context.Context, deliver func(domain.Event) error) (*domain.Event, error) {
	loc, err := v.deps.Store.GetLatest(ctx, v.jobID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return nil, nil
	case err != nil:
		v.log.WithError(err).Warn("could not load snapshot, waiting for live updates")
		return nil, nil
	}
	ev := domain.NewLocationEvent(loc, nil)
	if err := deliver(ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// newerThan reports whether ev carries a later sample than shown, or a
// later update of the same sample such as a fresh ETA.
func newerThan(ev, shown domain.Event) bool {
	at, prev := ev.Location.CapturedAt, shown.Location.CapturedAt
	if !at.Equal(prev) {
		return at.After(prev)
	}
	return ev.At.After(shown.At)
}
