// Package notify fans build changes out to live subscribers.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/k11v/apkbuild/internal/build"
)

// Getter reads the current state of a build.
type Getter interface {
	GetBuild(ctx context.Context, params *build.DatabaseGetBuildParams) (*build.Build, error)
}

// Hub delivers published builds to the subscribers of their ID.
// Publish never blocks on a subscriber.
type Hub struct {
	getter Getter // required
	log    *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func NewHub(getter Getter, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		getter: getter,
		log:    log.With(slog.String("component", "notify.Hub")),
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers for changes of build id.
//
// The first value on Subscription.C is the state read after registration,
// so no change made after Subscribe returns is missed.
// The subscription ends when Close is called or ctx is done.
func (h *Hub) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	s := newSubscription(h, id)
	h.register(s)

	snapshot, err := h.getter.GetBuild(ctx, &build.DatabaseGetBuildParams{ID: id})
	if err != nil {
		h.unregister(s)
		close(s.done)
		<-s.stopped
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	s.prime(snapshot)

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	s.mu.Lock()
	s.stopAfterFunc = stop
	s.mu.Unlock()

	return s, nil
}

// Publish hands b to every subscriber of b.ID.
func (h *Hub) Publish(b *build.Build) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs[b.ID]))
	for s := range h.subs[b.ID] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.push(b)
	}
}

// IDs returns the build IDs that have at least one subscriber.
func (h *Hub) IDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	return ids
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.subs {
		n += len(m)
	}
	return n
}

func (h *Hub) register(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.subs[s.id]
	if !ok {
		m = make(map[*Subscription]struct{})
		h.subs[s.id] = m
	}
	m[s] = struct{}{}
}

func (h *Hub) unregister(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.subs[s.id]
	delete(m, s)
	if len(m) == 0 {
		delete(h.subs, s.id)
	}
}

// Subscription is a stream of build snapshots.
// Snapshots arrive in non-decreasing UpdatedAt order and counters never go down.
// An identical snapshot may repeat.
type Subscription struct {
	// C receives snapshots. It is closed when the subscription ends.
	C <-chan *build.Build

	hub *Hub
	id  string
	c   chan *build.Build

	mu      sync.Mutex
	primed  bool
	early   []*build.Build // published before the snapshot was read
	queue   []*build.Build
	last    *build.Build
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}

	closeOnce     sync.Once
	stopAfterFunc func() bool
}

func newSubscription(h *Hub, id string) *Subscription {
	c := make(chan *build.Build)
	s := &Subscription{
		C:       c,
		hub:     h,
		id:      id,
		c:       c,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.pump()
	return s
}

// Close ends the subscription. After Close returns, C is closed and receives nothing more.
// It is safe to call Close more than once and concurrently.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.hub.unregister(s)
		close(s.done)
		<-s.stopped

		s.mu.Lock()
		stop := s.stopAfterFunc
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
	})
	return nil
}

func (s *Subscription) prime(snapshot *build.Build) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primed = true
	s.enqueue(snapshot)
	for _, b := range s.early {
		s.enqueue(b)
	}
	s.early = nil
	s.signal()
}

func (s *Subscription) push(b *build.Build) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.primed {
		s.early = append(s.early, b)
		return
	}
	if s.enqueue(b) {
		s.signal()
	}
}

// enqueue must be called with s.mu held.
func (s *Subscription) enqueue(b *build.Build) bool {
	if s.last != nil && olderThan(b, s.last) {
		return false
	}
	s.queue = append(s.queue, b)
	s.last = b
	return true
}

// olderThan reports whether b precedes last. Counter writes keep UpdatedAt,
// so snapshots with equal UpdatedAt are ordered by their counters.
func olderThan(b, last *build.Build) bool {
	if !b.UpdatedAt.Equal(last.UpdatedAt) {
		return b.UpdatedAt.Before(last.UpdatedAt)
	}
	return b.ViewCount < last.ViewCount || b.DownloadCount < last.DownloadCount
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.stopped)
	defer close(s.c)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		b := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.c <- b:
		case <-s.done:
			return
		}
	}
}
