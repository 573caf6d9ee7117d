package tracking

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObserver struct {
	id   string
	mu   sync.Mutex
	got  []RoomEvent
	fail bool
}

func (f *fakeObserver) ID() string { return f.id }

func (f *fakeObserver) Send(ev RoomEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send failed")
	}
	f.got = append(f.got, ev)
	return nil
}

func (f *fakeObserver) events() []RoomEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RoomEvent, len(f.got))
	copy(out, f.got)
	return out
}

func TestHubBroadcastReachesSubscribers(t *testing.T) {
	h := NewHub(nil)
	a := &fakeObserver{id: "a"}
	b := &fakeObserver{id: "b"}

	state := h.Subscribe("as-1", a)
	assert.Equal(t, 1, state.Subscribers)
	h.Subscribe("as-1", b)

	h.Broadcast("as-1", RoomEvent{Type: "status_update"})

	require.Len(t, a.events(), 1)
	require.Len(t, b.events(), 1)
	assert.Equal(t, "as-1", a.events()[0].AssignmentID)
	assert.False(t, a.events()[0].At.IsZero())
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	h := NewHub(nil)
	ok := &fakeObserver{id: "ok"}
	bad := &fakeObserver{id: "bad", fail: true}
	h.Subscribe("as-1", ok)
	h.Subscribe("as-1", bad)

	h.Broadcast("as-1", RoomEvent{Type: "tracking_update"})

	assert.Equal(t, 1, h.Subscribers("as-1"))
	require.Len(t, ok.events(), 1)
}

func TestHubRoomDeletedWithLastSubscriber(t *testing.T) {
	h := NewHub(nil)
	a := &fakeObserver{id: "a"}
	h.Subscribe("as-1", a)
	require.Equal(t, 1, h.RoomCount())

	h.Unsubscribe("as-1", "a")
	assert.Equal(t, 0, h.RoomCount())

	// a cleanup pass over the now-absent room must not error or recreate it
	removed := h.Cleanup(time.Minute, func(string) bool { return true })
	assert.Equal(t, 0, removed)
	assert.Equal(t, 0, h.RoomCount())
}

// A subscription racing the previous last subscriber's departure must land
// in a room the hub still maps; otherwise broadcasts silently miss it.
func TestHubSubscribeDuringLastUnsubscribe(t *testing.T) {
	h := NewHub(nil)
	for i := 0; i < 5000; i++ {
		a := &fakeObserver{id: "a"}
		b := &fakeObserver{id: "b"}
		h.Subscribe("as-1", a)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Unsubscribe("as-1", "a")
		}()
		go func() {
			defer wg.Done()
			h.Subscribe("as-1", b)
		}()
		wg.Wait()

		h.Broadcast("as-1", RoomEvent{Type: "status_update"})
		require.Len(t, b.events(), 1, "iteration %d: subscriber detached from a dropped room", i)
		h.Unsubscribe("as-1", "b")
	}
	assert.Equal(t, 0, h.RoomCount())
}

func TestHubCleanupRemovesIdleInactiveRooms(t *testing.T) {
	h := NewHub(nil)
	stale := &fakeObserver{id: "stale"}
	live := &fakeObserver{id: "live"}
	h.Subscribe("as-done", stale)
	h.Subscribe("as-live", live)
	h.Broadcast("as-live", RoomEvent{Type: "tracking_update"})

	active := func(id string) bool { return id == "as-live" }
	removed := h.Cleanup(time.Nanosecond, active)

	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, h.Subscribers("as-done"))
	assert.Equal(t, 1, h.Subscribers("as-live"))
}
