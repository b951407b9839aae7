package watch

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Subscription delivers wake-ups for one session. C is buffered with room
// for a single signal; bursts coalesce.
type Subscription struct {
	SessionID string
	C         chan struct{}
	Done      chan struct{}
}

// Notifier announces activations so pollers can re-resolve immediately
// instead of waiting for their next tick. Delivery is best effort; the
// poll loop stays correct without it.
type Notifier interface {
	Publish(ctx context.Context, sessionID string) error
	Subscribe(sessionID string) *Subscription
	Unsubscribe(sub *Subscription)
	Close()
}

// hub is the subscriber registry shared by both brokers.
type hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]bool

	// onFirst and onLast run under mu when a session gains its first
	// subscriber or loses its last one.
	onFirst func(sessionID string)
	onLast  func(sessionID string)
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*Subscription]bool)}
}

func (h *hub) subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		SessionID: sessionID,
		C:         make(chan struct{}, 1),
		Done:      make(chan struct{}),
	}

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*Subscription]bool)
		if h.onFirst != nil {
			h.onFirst(sessionID)
		}
	}
	h.subs[sessionID][sub] = true
	count := len(h.subs[sessionID])
	h.mu.Unlock()

	log.Debug().
		Str("sessionId", sessionID).
		Int("subscriberCount", count).
		Msg("watch subscribed")

	return sub
}

func (h *hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[sub.SessionID]
	if !ok || !subs[sub] {
		return
	}
	delete(subs, sub)
	close(sub.Done)

	if len(subs) == 0 {
		delete(h.subs, sub.SessionID)
		if h.onLast != nil {
			h.onLast(sub.SessionID)
		}
	}
}

func (h *hub) signal(sessionID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[sessionID] {
		select {
		case sub.C <- struct{}{}:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, subs := range h.subs {
		for sub := range subs {
			close(sub.Done)
		}
	}
	h.subs = make(map[string]map[*Subscription]bool)
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, subs := range h.subs {
		total += len(subs)
	}
	return total
}

// LocalBroker delivers notifications within one process.
type LocalBroker struct {
	hub *hub
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{hub: newHub()}
}

func (b *LocalBroker) Publish(ctx context.Context, sessionID string) error {
	b.hub.signal(sessionID)
	return nil
}

func (b *LocalBroker) Subscribe(sessionID string) *Subscription {
	return b.hub.subscribe(sessionID)
}

func (b *LocalBroker) Unsubscribe(sub *Subscription) {
	b.hub.unsubscribe(sub)
}

func (b *LocalBroker) Close() {
	b.hub.closeAll()
}

func (b *LocalBroker) TotalSubscribers() int {
	return b.hub.count()
}
