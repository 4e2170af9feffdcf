package service

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nandanugg/enroute/module/tracking/domain"
)

const DefaultBroadcastBuffer = 16

// Subscription receives events for one job. C is closed when the
// subscription is closed or dropped for falling behind.
type Subscription struct {
	ID    string
	JobID string
	C     <-chan domain.Event

	ch chan domain.Event
	b  *Broadcaster
}

func (s *Subscription) Close() {
	s.b.unsubscribe(s)
}

// Broadcaster fans events out to per-job subscribers. Publish never blocks:
// each subscriber has its own bounded buffer and one that is full is
// dropped. Subscribers recover by resubscribing and reading the latest
// snapshot from the store, so nothing is replayed.
type Broadcaster struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
	buffer int
	log    logrus.FieldLogger
}

func NewBroadcaster(buffer int, log logrus.FieldLogger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBroadcastBuffer
	}
	return &Broadcaster{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		log:    log,
	}
}

func (b *Broadcaster) Subscribe(jobID string) *Subscription {
	ch := make(chan domain.Event, b.buffer)
	sub := &Subscription{
		ID:    uuid.NewString(),
		JobID: jobID,
		C:     ch,
		ch:    ch,
		b:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[jobID]; !ok {
		b.topics[jobID] = make(map[*Subscription]struct{})
	}
	b.topics[jobID][sub] = struct{}{}

	b.log.WithFields(logrus.Fields{
		"job_id":          jobID,
		"subscription_id": sub.ID,
	}).Debug("viewer subscribed")
	return sub
}

func (b *Broadcaster) Publish(jobID string, ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.topics[jobID] {
		select {
		case sub.ch <- ev:
		default:
			b.log.WithFields(logrus.Fields{
				"job_id":          jobID,
				"subscription_id": sub.ID,
			}).Warn("subscriber fell behind, dropping")
			b.removeLocked(sub)
		}
	}
}

func (b *Broadcaster) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[jobID])
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	subs, ok := b.topics[sub.JobID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(b.topics, sub.JobID)
	}
}
