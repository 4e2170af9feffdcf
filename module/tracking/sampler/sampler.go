// Package sampler turns a raw positioning source into per-job sample
// streams. A stream is lazy (nothing is read until the consumer receives),
// unbounded, cancellable and restartable: Start after Stop opens a fresh one.
//
// Samples older than MaximumAge are not yielded. If no acceptable sample
// arrives within Timeout the stream ends with ErrPositionTimeout. A device
// permission error ends it with ErrPermissionDenied. The sampler never
// retries; that is the consumer's decision.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nandanugg/enroute/module/tracking/domain"
)

var (
	ErrPermissionDenied = errors.New("positioning permission denied")
	ErrPositionTimeout  = errors.New("positioning timed out")
	ErrStopped          = errors.New("sampling stopped")
)

type Config struct {
	MaximumAge time.Duration
	Timeout    time.Duration
}

type Sampler struct {
	source Source
	cfg    Config
	now    func() time.Time
	log    logrus.FieldLogger

	mu      sync.Mutex
	streams map[string]*Stream
}

func New(source Source, cfg Config, log logrus.FieldLogger) *Sampler {
	return &Sampler{
		source:  source,
		cfg:     cfg,
		now:     time.Now,
		log:     log,
		streams: make(map[string]*Stream),
	}
}

// Stream is one subscription to a job's samples. C is closed when the
// stream ends; Err then returns the reason.
type Stream struct {
	C <-chan domain.Sample

	out    chan domain.Sample
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Err returns the terminal error. It blocks until the stream has ended.
func (st *Stream) Err() error {
	<-st.done
	return st.err
}

func (st *Stream) ended() <-chan struct{} {
	return st.done
}

// Start opens a new stream for jobID, ending any previous one.
func (s *Sampler) Start(ctx context.Context, jobID string) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan domain.Sample)
	st := &Stream{
		C:      out,
		out:    out,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	prev := s.streams[jobID]
	s.streams[jobID] = st
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	go s.run(ctx, jobID, st)
	return st
}

// Stop ends the current stream for jobID, if any.
func (s *Sampler) Stop(jobID string) {
	s.mu.Lock()
	st := s.streams[jobID]
	delete(s.streams, jobID)
	s.mu.Unlock()
	if st != nil {
		st.cancel()
	}
}

func (s *Sampler) run(ctx context.Context, jobID string, st *Stream) {
	err := s.pump(ctx, jobID, st.out)
	if err == nil || errors.Is(err, context.Canceled) {
		err = ErrStopped
	}
	st.err = err
	st.cancel()
	close(st.out)
	close(st.done)

	s.mu.Lock()
	if s.streams[jobID] == st {
		delete(s.streams, jobID)
	}
	s.mu.Unlock()

	if !errors.Is(err, ErrStopped) {
		s.log.WithError(err).WithField("job_id", jobID).Warn("sample stream ended")
	}
}

func (s *Sampler) pump(ctx context.Context, jobID string, out chan<- domain.Sample) error {
	readings, err := s.source.Open(ctx, jobID)
	if err != nil {
		return fmt.Errorf("open positioning source: %w", err)
	}

	var timeout <-chan time.Time
	var timer *time.Timer
	if s.cfg.Timeout > 0 {
		timer = time.NewTimer(s.cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return ErrPositionTimeout
		case r, ok := <-readings:
			if !ok {
				return ctx.Err()
			}
			if r.Err != nil {
				return r.Err
			}
			if s.tooOld(r.Sample) {
				s.log.WithFields(logrus.Fields{
					"job_id":      jobID,
					"captured_at": r.Sample.CapturedAt,
				}).Debug("sample older than maximum age, skipping")
				continue
			}
			select {
			case out <- r.Sample:
			case <-ctx.Done():
				return ctx.Err()
			}
			if timer != nil {
				timer.Reset(s.cfg.Timeout)
			}
		}
	}
}

func (s *Sampler) tooOld(sample domain.Sample) bool {
	if s.cfg.MaximumAge <= 0 {
		return false
	}
	return s.now().Sub(sample.CapturedAt) > s.cfg.MaximumAge
}
