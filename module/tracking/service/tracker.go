package service

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nandanugg/enroute/module/tracking/domain"
)

var (
	ErrSessionActive   = errors.New("job is already being tracked")
	ErrSessionNotFound = errors.New("no tracking session for job")
)

// Tracker owns the active TrackingSession of every job. A job has at most
// one session in Tracking at a time.
type Tracker struct {
	deps Deps
	cfg  SessionConfig
	log  logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewTracker(cfg SessionConfig, deps Deps) *Tracker {
	return &Tracker{
		deps:     deps,
		cfg:      cfg,
		log:      deps.Log,
		sessions: make(map[string]*Session),
	}
}

// StartTracking opens a session for jobID toward dest. A non-positive
// thresholdM uses the configured default.
func (t *Tracker) StartTracking(ctx context.Context, jobID, contractorID string, dest domain.Coordinate, thresholdM float64) error {
	cfg := t.cfg
	if thresholdM > 0 {
		cfg.ArrivalThresholdM = thresholdM
	}

	t.mu.Lock()
	prev, hadPrev := t.sessions[jobID]
	if hadPrev && prev.State() == domain.StateTracking {
		t.mu.Unlock()
		return ErrSessionActive
	}
	s := NewSession(jobID, contractorID, dest, cfg, t.deps)
	t.sessions[jobID] = s
	t.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		// a failed start leaves the job as it was
		t.mu.Lock()
		if t.sessions[jobID] == s {
			if hadPrev {
				t.sessions[jobID] = prev
			} else {
				delete(t.sessions, jobID)
			}
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *Tracker) StopTracking(jobID string) error {
	t.mu.Lock()
	s, ok := t.sessions[jobID]
	t.mu.Unlock()
	if !ok || !s.Stop() {
		return ErrSessionNotFound
	}
	return nil
}

// State reports the state of the job's most recent session, or Idle.
func (t *Tracker) State(jobID string) domain.SessionState {
	t.mu.Lock()
	s, ok := t.sessions[jobID]
	t.mu.Unlock()
	if !ok {
		return domain.StateIdle
	}
	return s.State()
}

// Destination returns where the job's current session is heading.
func (t *Tracker) Destination(jobID string) (domain.Coordinate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[jobID]
	if !ok {
		return domain.Coordinate{}, false
	}
	return s.Destination(), true
}

// Shutdown stops every tracking session and waits for them to finish or
// for ctx to expire.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if s.Stop() || s.State().Terminal() {
				<-s.Done()
			}
		}(s)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		t.log.WithField("sessions", len(sessions)).Info("tracking sessions drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
