// Package live pushes persisted status changes to connected subscribers.
// The subscriber set is per process; every instance listens to the same
// Postgres change feed and serves its own connections.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kindfi-org/kindfi-sub006/metrics"
)

// Event is the wire envelope sent to subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StatusUpdate is the payload of status events.
type StatusUpdate struct {
	Entity string    `json:"entity"`
	ID     string    `json:"id"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

var ErrForbiddenInterest = errors.New("live: interest not permitted")

// Subscriber is one live connection.
type Subscriber struct {
	ID     string
	UserID string

	mu        sync.Mutex
	interests map[string]struct{}
	// while catching > 0, live events are held back so catch-up goes first
	catching  int
	held      []Event
	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewSubscriber(userID string, queue int) *Subscriber {
	if queue <= 0 {
		queue = 32
	}
	return &Subscriber{
		ID:        uuid.NewString(),
		UserID:    userID,
		interests: make(map[string]struct{}),
		out:       make(chan Event, queue),
		done:      make(chan struct{}),
	}
}

// Events yields queued events for the transport to write.
func (s *Subscriber) Events() <-chan Event { return s.out }

// Done is closed once the subscriber was disconnected or dropped.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) Interests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.interests))
	for k := range s.interests {
		out = append(out, k)
	}
	return out
}

func (s *Subscriber) wants(keys []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if _, ok := s.interests[k]; ok {
			return true
		}
	}
	return false
}

// offer queues ev without blocking; false means the queue is full.
func (s *Subscriber) offer(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catching > 0 {
		s.held = append(s.held, ev)
		return true
	}
	return s.send(ev)
}

// send requires s.mu.
func (s *Subscriber) send(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// ChangeFeed yields raw change payloads until ctx ends.
type ChangeFeed interface {
	Changes(ctx context.Context) (<-chan string, error)
}

type Broadcaster struct {
	reader  StatusReader
	feed    ChangeFeed
	logger  *slog.Logger
	metrics *metrics.Registry

	mu   sync.RWMutex
	subs map[string]*Subscriber

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBroadcaster(reader StatusReader, feed ChangeFeed, logger *slog.Logger, m *metrics.Registry) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		reader:  reader,
		feed:    feed,
		logger:  logger.With("component", "live"),
		metrics: m,
		subs:    make(map[string]*Subscriber),
	}
}

// HandleConnect registers sub and subscribes it to the initial interests.
func (b *Broadcaster) HandleConnect(ctx context.Context, sub *Subscriber, interests ...string) error {
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	b.metrics.LiveSubscribers(1)
	b.logger.Debug("subscriber connected", "subscriber", sub.ID, "user", sub.UserID)

	if err := b.Subscribe(ctx, sub, interests...); err != nil {
		b.HandleDisconnect(sub)
		return err
	}
	return nil
}

// Subscribe adds interests and pushes the current persisted status of each
// before any later live event.
func (b *Broadcaster) Subscribe(ctx context.Context, sub *Subscriber, interests ...string) error {
	type parsed struct{ key, kind, id string }
	list := make([]parsed, 0, len(interests))
	for _, raw := range interests {
		kind, id, err := ParseInterest(raw)
		if err != nil {
			return err
		}
		if kind == EntityUser && id != sub.UserID {
			return fmt.Errorf("%w: %s", ErrForbiddenInterest, raw)
		}
		list = append(list, parsed{key: kind + ":" + id, kind: kind, id: id})
	}

	sub.mu.Lock()
	sub.catching++
	for _, p := range list {
		sub.interests[p.key] = struct{}{}
	}
	sub.mu.Unlock()

	events := make([]Event, 0, len(list))
	for _, p := range list {
		if ev, ok := b.catchUp(ctx, p.kind, p.id); ok {
			events = append(events, ev)
		}
	}

	sub.mu.Lock()
	sub.catching--
	if sub.catching == 0 {
		events = append(events, sub.held...)
		sub.held = nil
	}
	ok := true
	for _, ev := range events {
		if ok = sub.send(ev); !ok {
			break
		}
	}
	sub.mu.Unlock()

	if !ok {
		b.drop(sub, "queue full during catch-up")
	}
	return nil
}

func (b *Broadcaster) catchUp(ctx context.Context, kind, id string) (Event, bool) {
	if b.reader == nil {
		return Event{}, false
	}
	var (
		status string
		err    error
		typ    string
	)
	switch kind {
	case EntityDispute:
		status, err = b.reader.DisputeStatus(ctx, id)
		typ = "dispute.status"
	case EntityUser:
		status, err = b.reader.UserKYCStatus(ctx, id)
		typ = "user.kyc_status"
	}
	if err != nil {
		if !errors.Is(err, ErrUnknownEntity) {
			b.logger.Warn("catch-up read failed", "entity", kind, "id", id, "error", err)
		}
		return Event{}, false
	}
	return Event{Type: typ, Data: StatusUpdate{Entity: kind, ID: id, Status: status, At: time.Now().UTC()}}, true
}

// HandleDisconnect removes sub. It is safe to call more than once.
func (b *Broadcaster) HandleDisconnect(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub.ID]
	delete(b.subs, sub.ID)
	b.mu.Unlock()
	sub.close()
	if ok {
		b.metrics.LiveSubscribers(-1)
		b.logger.Debug("subscriber disconnected", "subscriber", sub.ID)
	}
}

func (b *Broadcaster) drop(sub *Subscriber, reason string) {
	b.logger.Warn("dropping subscriber", "subscriber", sub.ID, "user", sub.UserID, "reason", reason)
	b.metrics.LiveDropped()
	b.HandleDisconnect(sub)
}

// Broadcast delivers c to every subscriber interested in one of its keys
// and returns how many received it. Slow subscribers are dropped.
func (b *Broadcaster) Broadcast(_ context.Context, c Change) int {
	keys := c.Keys()
	typ := c.Entity + ".status"
	if c.Entity == EntityUser {
		typ = "user.kyc_status"
	}
	ev := Event{Type: typ, Data: StatusUpdate{Entity: c.Entity, ID: c.ID, Status: c.Status, At: c.At}}

	var stalled []*Subscriber
	delivered := 0
	b.mu.RLock()
	for _, sub := range b.subs {
		if !sub.wants(keys) {
			continue
		}
		if sub.offer(ev) {
			delivered++
		} else {
			stalled = append(stalled, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range stalled {
		b.drop(sub, "queue full")
	}
	return delivered
}

func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Start subscribes to the change feed once and fans changes out until ctx
// ends or Stop is called.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.feed == nil {
		return errors.New("live: no change feed")
	}
	ctx, cancel := context.WithCancel(ctx)
	changes, err := b.feed.Changes(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("live: subscribe to change feed: %w", err)
	}
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-changes:
				if !ok {
					return
				}
				c, err := DecodeChange(payload)
				if err != nil {
					b.logger.Warn("skipping malformed change", "error", err)
					continue
				}
				b.Broadcast(ctx, c)
			}
		}
	}()
	return nil
}

// Stop halts the feed loop and disconnects every subscriber.
func (b *Broadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		b.HandleDisconnect(s)
	}
}
