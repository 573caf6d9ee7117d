// Package events carries the in-process notifications that decouple the
// tracking hub from the matching and routing services. Publishers never
// block on slow subscribers and delivery is best-effort, matching the
// at-most-once contract of room broadcasts.
package events

import (
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

type Kind string

const (
	KindAssignmentCreated Kind = "assignment_created"
	KindStatusChanged     Kind = "status_changed"
	KindPingAccepted      Kind = "ping_accepted"
	KindRouteInvalidated  Kind = "route_invalidated"
)

type Event struct {
	Kind         Kind
	AssignmentID string
	CourierID    string
	JobID        string
	Status       models.AssignmentStatus
	Prev         models.AssignmentStatus
	Ping         *models.TrackingPing
	Reason       models.AdjustReason
	At           time.Time
}

type Handler func(Event)

// Bus is a minimal synchronous-subscribe, asynchronous-publish fanout.
type Bus struct {
	mu   sync.RWMutex
	subs map[Kind][]Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]Handler)}
}

func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], h)
}

// Publish invokes every subscriber for the event kind in its own goroutine.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	handlers := b.subs[ev.Kind]
	b.mu.RUnlock()
	for _, h := range handlers {
		go h(ev)
	}
}
