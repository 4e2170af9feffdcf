package sampler

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nandanugg/enroute/module/tracking/domain"
)

// Reading is one item from a positioning source: either a sample or a
// device-side error such as a revoked permission.
type Reading struct {
	Sample domain.Sample
	Err    error
}

// Source delivers readings for one job until ctx is done, then closes the
// returned channel.
type Source interface {
	Open(ctx context.Context, jobID string) (<-chan Reading, error)
}

const feedBuffer = 32

// Feed is the in-process positioning source. Ingest paths (MQTT, HTTP) push
// readings into it and every open subscription for the job receives them.
type Feed struct {
	mu   sync.RWMutex
	subs map[string]map[chan Reading]struct{}
	log  logrus.FieldLogger
}

var _ Source = (*Feed)(nil)

func NewFeed(log logrus.FieldLogger) *Feed {
	return &Feed{
		subs: make(map[string]map[chan Reading]struct{}),
		log:  log,
	}
}

func (f *Feed) Open(ctx context.Context, jobID string) (<-chan Reading, error) {
	ch := make(chan Reading, feedBuffer)

	f.mu.Lock()
	if _, ok := f.subs[jobID]; !ok {
		f.subs[jobID] = make(map[chan Reading]struct{})
	}
	f.subs[jobID][ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		if subs, ok := f.subs[jobID]; ok {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(f.subs, jobID)
			}
		}
		close(ch)
	}()

	return ch, nil
}

// Push hands a sample to every open subscription for its job. It reports
// false when nothing is listening.
func (f *Feed) Push(s domain.Sample) bool {
	return f.deliver(s.JobID, Reading{Sample: s})
}

// Fail reports a device-side positioning error for jobID.
func (f *Feed) Fail(jobID string, err error) bool {
	return f.deliver(jobID, Reading{Err: err})
}

func (f *Feed) deliver(jobID string, r Reading) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	subs, ok := f.subs[jobID]
	if !ok || len(subs) == 0 {
		return false
	}
	for ch := range subs {
		select {
		case ch <- r:
		default:
			f.log.WithField("job_id", jobID).Warn("positioning feed full, dropping reading")
		}
	}
	return true
}
