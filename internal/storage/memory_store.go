package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

// MemoryStore backs tests and single-node dev runs.
type MemoryStore struct {
	mu          sync.RWMutex
	assignments map[string]*models.DeliveryAssignment
	couriers    map[string]*models.CourierProfile
	routes      map[string]*models.OptimizedRoute
	pings       []*models.TrackingPing
	lastPing    map[string]time.Time // assignmentID|courierID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assignments: make(map[string]*models.DeliveryAssignment),
		couriers:    make(map[string]*models.CourierProfile),
		routes:      make(map[string]*models.OptimizedRoute),
		lastPing:    make(map[string]time.Time),
	}
}

func (m *MemoryStore) SaveAssignment(_ context.Context, a *models.DeliveryAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.assignments[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, id string) (*models.DeliveryAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) UpdateAssignment(_ context.Context, a *models.DeliveryAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	m.assignments[a.ID] = &cp
	return nil
}

func (m *MemoryStore) ActiveAssignmentByJob(_ context.Context, jobID string) (*models.DeliveryAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.assignments {
		if a.JobID == jobID && !a.Status.Terminal() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) OpenAssignmentsByCourier(_ context.Context, courierID string) ([]*models.DeliveryAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.DeliveryAssignment
	for _, a := range m.assignments {
		if a.CourierID == courierID && a.Status.Active() {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SaveCourier(_ context.Context, c *models.CourierProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.couriers[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCourier(_ context.Context, id string) (*models.CourierProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.couriers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpdateCourier(_ context.Context, c *models.CourierProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.couriers[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	m.couriers[c.ID] = &cp
	return nil
}

func (m *MemoryStore) SaveRoute(_ context.Context, r *models.OptimizedRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRoute(_ context.Context, id string) (*models.OptimizedRoute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) SavePing(_ context.Context, p *models.TrackingPing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.pings = append(m.pings, &cp)
	m.lastPing[p.AssignmentID+"|"+p.CourierID] = p.RecordedAt
	return nil
}

func (m *MemoryStore) PingHistory(_ context.Context, assignmentID string, limit int, since time.Time) ([]*models.TrackingPing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.TrackingPing
	for _, p := range m.pings {
		if p.AssignmentID != assignmentID {
			continue
		}
		if !since.IsZero() && p.RecordedAt.Before(since) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) LastPingAt(_ context.Context, assignmentID, courierID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.lastPing[assignmentID+"|"+courierID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.pings[:0]
	var removed int64
	for _, p := range m.pings {
		if p.RecordedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	m.pings = kept
	return removed, nil
}
