package tracking

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/observability"
)

// Observer receives room events. The websocket layer adapts connections to
// this interface; tests plug in channel-backed fakes.
type Observer interface {
	ID() string
	Send(ev RoomEvent) error
}

// RoomEvent is one hub-to-subscriber message.
type RoomEvent struct {
	Type         string    `json:"type"` // tracking_update, status_update, broadcast
	AssignmentID string    `json:"assignment_id"`
	Payload      any       `json:"payload,omitempty"`
	At           time.Time `json:"at"`
}

type room struct {
	mu            sync.Mutex
	subs          map[string]Observer
	lastBroadcast time.Time
}

// Hub owns one room per tracked assignment. Rooms are the only shared
// mutable state in the tracking path; each room carries its own lock so
// subscribe/unsubscribe/broadcast/cleanup can race safely.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	Logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{rooms: make(map[string]*room), Logger: logger}
}

// RoomState summarizes a room for a subscriber that just joined.
type RoomState struct {
	AssignmentID  string    `json:"assignment_id"`
	Subscribers   int       `json:"subscribers"`
	LastBroadcast time.Time `json:"last_broadcast,omitempty"`
}

// Subscribe adds the observer, creating the room on first subscription.
// The insert happens under the hub lock: releasing it between the room
// lookup and the insert would let a concurrent last-subscriber Unsubscribe
// delete the room out from under the new observer.
func (h *Hub) Subscribe(assignmentID string, obs Observer) RoomState {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[assignmentID]
	if !ok {
		r = &room{subs: make(map[string]Observer)}
		h.rooms[assignmentID] = r
		observability.RoomsOpen.Inc()
	}

	r.mu.Lock()
	r.subs[obs.ID()] = obs
	n := len(r.subs)
	last := r.lastBroadcast
	r.mu.Unlock()
	return RoomState{AssignmentID: assignmentID, Subscribers: n, LastBroadcast: last}
}

// Unsubscribe removes the observer and deletes the room the moment its
// subscriber set becomes empty.
func (h *Hub) Unsubscribe(assignmentID, observerID string) {
	h.mu.Lock()
	r, ok := h.rooms[assignmentID]
	h.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.subs, observerID)
	empty := len(r.subs) == 0
	r.mu.Unlock()
	if empty {
		h.deleteRoom(assignmentID)
	}
}

// deleteRoom drops the room if it is still empty; forceDelete drops it
// regardless, used by cleanup for idle rooms with stale subscribers.
func (h *Hub) deleteRoom(assignmentID string) {
	h.mu.Lock()
	r, ok := h.rooms[assignmentID]
	if ok {
		r.mu.Lock()
		if len(r.subs) == 0 {
			delete(h.rooms, assignmentID)
			observability.RoomsOpen.Dec()
		}
		r.mu.Unlock()
	}
	h.mu.Unlock()
}

func (h *Hub) forceDelete(assignmentID string) {
	h.mu.Lock()
	if _, ok := h.rooms[assignmentID]; ok {
		delete(h.rooms, assignmentID)
		observability.RoomsOpen.Dec()
	}
	h.mu.Unlock()
}

// Broadcast fans the event out to every subscriber, at most once each.
// Failed sends drop the subscriber; a broadcast never fails the caller.
func (h *Hub) Broadcast(assignmentID string, ev RoomEvent) {
	h.mu.RLock()
	r, ok := h.rooms[assignmentID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	ev.AssignmentID = assignmentID

	r.mu.Lock()
	r.lastBroadcast = ev.At
	var failed []string
	for id, obs := range r.subs {
		if err := obs.Send(ev); err != nil {
			failed = append(failed, id)
			observability.BroadcastsFailed.Inc()
			if h.Logger != nil {
				h.Logger.Warn("broadcast send failed", "assignment_id", assignmentID,
					"observer", id, "error", err)
			}
			continue
		}
		observability.BroadcastsSent.Inc()
	}
	for _, id := range failed {
		delete(r.subs, id)
	}
	empty := len(r.subs) == 0
	r.mu.Unlock()
	if empty {
		h.deleteRoom(assignmentID)
	}
}

// Cleanup removes rooms whose last broadcast is older than the inactivity
// window and whose assignment is no longer active. Zero-subscriber rooms go
// regardless of status.
func (h *Hub) Cleanup(inactivity time.Duration, active func(assignmentID string) bool) int {
	now := time.Now()
	h.mu.RLock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		h.mu.RLock()
		r, ok := h.rooms[id]
		h.mu.RUnlock()
		if !ok {
			continue // already gone, not an error
		}
		r.mu.Lock()
		empty := len(r.subs) == 0
		idle := !r.lastBroadcast.IsZero() && now.Sub(r.lastBroadcast) > inactivity
		if r.lastBroadcast.IsZero() {
			idle = true
		}
		r.mu.Unlock()

		if empty {
			h.deleteRoom(id)
			removed++
			continue
		}
		if idle && !active(id) {
			h.forceDelete(id)
			removed++
		}
	}
	if removed > 0 && h.Logger != nil {
		h.Logger.Info("tracking rooms cleaned", "removed", removed)
	}
	return removed
}

// RoomCount reports the number of open rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Subscribers reports the subscriber count for one assignment's room.
func (h *Hub) Subscribers(assignmentID string) int {
	h.mu.RLock()
	r, ok := h.rooms[assignmentID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
