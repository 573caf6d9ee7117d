package routeopt

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/example/courier-dispatch/internal/config"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/storage"
)

func testRoutingConfig() config.RoutingConfig {
	return config.RoutingConfig{
		AvgSpeedKmh:        40,
		PickupServiceMin:   5,
		DropServiceMin:     10,
		FuelCostPerKm:      0.15,
		CacheTTL:           30 * time.Minute,
		ProviderMaxStops:   10,
		TrafficLightFactor: 1.0,
		TrafficModFactor:   1.3,
		TrafficHeavyFactor: 1.8,
	}
}

func newRouteService(t *testing.T) (*Service, *storage.MemoryStore, *time.Time) {
	t.Helper()
	store := storage.NewMemoryStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := &now
	svc := &Service{
		Routes:      store,
		Assignments: store,
		Cache:       NewCache(),
		Cfg:         testRoutingConfig(),
		Now:         func() time.Time { return *clock },
	}
	return svc, store, clock
}

func assignment(jobID string, pickup, delivery models.Coord) *models.DeliveryAssignment {
	return &models.DeliveryAssignment{
		ID:     "as-" + jobID,
		JobID:  jobID,
		Status: models.StatusAssigned,
		Pickup: pickup, Delivery: delivery,
	}
}

func seedAssignments(t *testing.T, store *storage.MemoryStore, as ...*models.DeliveryAssignment) {
	t.Helper()
	for _, a := range as {
		if err := store.SaveAssignment(context.Background(), a); err != nil {
			t.Fatal(err)
		}
	}
}

func twoJobRequest(t *testing.T, store *storage.MemoryStore) OptimizeRequest {
	t.Helper()
	a1 := assignment("j1", models.Coord{Lat: 40.71, Lon: -74.00}, models.Coord{Lat: 40.73, Lon: -74.00})
	a2 := assignment("j2", models.Coord{Lat: 40.72, Lon: -74.01}, models.Coord{Lat: 40.75, Lon: -74.02})
	seedAssignments(t, store, a1, a2)
	return OptimizeRequest{
		CourierID:   "c1",
		Start:       models.Coord{Lat: 40.70, Lon: -74.00},
		Assignments: []*models.DeliveryAssignment{a1, a2},
	}
}

func TestOptimizeNoWaypoints(t *testing.T) {
	svc, _, _ := newRouteService(t)
	route, err := svc.Optimize(context.Background(), OptimizeRequest{CourierID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(route.Stops) != 0 || route.DistanceKm != 0 || route.DurationMin != 0 {
		t.Fatalf("empty optimize: stops=%d dist=%.2f dur=%.2f", len(route.Stops), route.DistanceKm, route.DurationMin)
	}
}

func TestOptimizeBuildsStopsAndCosts(t *testing.T) {
	svc, store, _ := newRouteService(t)
	req := twoJobRequest(t, store)

	route, err := svc.Optimize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(route.Stops) != 4 {
		t.Fatalf("stops = %d, want 4", len(route.Stops))
	}
	for i, st := range route.Stops {
		if st.Seq != i+1 {
			t.Fatalf("stop %d has seq %d", i, st.Seq)
		}
		if i > 0 && st.EstimatedETA.Before(route.Stops[i-1].EstimatedETA) {
			t.Fatalf("ETAs not monotonic at stop %d", i)
		}
	}
	if route.Source != "heuristic" {
		t.Fatalf("source = %s", route.Source)
	}
	if math.Abs(route.FuelCost-route.DistanceKm*0.15) > 1e-9 {
		t.Fatalf("fuel cost %.4f for %.4f km", route.FuelCost, route.DistanceKm)
	}
	if route.Efficiency < 0 || route.Efficiency > 100 {
		t.Fatalf("efficiency = %d", route.Efficiency)
	}
	if len(route.Alternates) != 2 {
		t.Fatalf("alternates = %d, want distance and time variants", len(route.Alternates))
	}

	if _, err := store.GetRoute(context.Background(), route.ID); err != nil {
		t.Fatalf("route not persisted: %v", err)
	}
}

func TestOptimizeServesAndExpiresCache(t *testing.T) {
	svc, store, clock := newRouteService(t)
	req := twoJobRequest(t, store)
	ctx := context.Background()

	first, err := svc.Optimize(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Optimize(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected cache hit, got new route %s", second.ID)
	}

	*clock = clock.Add(31 * time.Minute)
	third, err := svc.Optimize(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if third.ID == first.ID {
		t.Fatalf("expired entry was served")
	}
}

func TestOptimizeDiscardsRouteWhenAssignmentCancelled(t *testing.T) {
	svc, store, _ := newRouteService(t)
	a := assignment("j1", models.Coord{Lat: 40.71, Lon: -74.00}, models.Coord{Lat: 40.73, Lon: -74.00})
	a.Status = models.StatusCancelled
	seedAssignments(t, store, a)

	route, err := svc.Optimize(context.Background(), OptimizeRequest{
		CourierID:   "c1",
		Start:       models.Coord{Lat: 40.70, Lon: -74.00},
		Assignments: []*models.DeliveryAssignment{a},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetRoute(context.Background(), route.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("cancelled assignment's route was persisted")
	}
}

type fakeProvider struct {
	route *ProviderRoute
	err   error
	calls int
}

func (f *fakeProvider) Sequence(_ context.Context, _ models.Coord, wps []models.Waypoint, _ models.RoutePreferences) (*ProviderRoute, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.route, nil
}

func TestProviderFallbackToHeuristic(t *testing.T) {
	svc, store, _ := newRouteService(t)
	svc.Provider = &fakeProvider{err: errors.New("osrm down")}
	req := twoJobRequest(t, store)

	route, err := svc.Optimize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if route.Source != "heuristic" {
		t.Fatalf("source = %s, want heuristic fallback", route.Source)
	}
}

func TestProviderResultUsedWhenSmall(t *testing.T) {
	svc, store, _ := newRouteService(t)
	fp := &fakeProvider{route: &ProviderRoute{Order: []int{0, 1, 2, 3}, DistanceKm: 9.5, DurationMin: 20}}
	svc.Provider = fp
	req := twoJobRequest(t, store)
	req.Prefs.Objective = models.OptimizeDistance // no alternates, one provider call

	route, err := svc.Optimize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if route.Source != "provider" {
		t.Fatalf("source = %s, want provider", route.Source)
	}
	if route.DistanceKm != 9.5 {
		t.Fatalf("distance = %.2f, want provider value", route.DistanceKm)
	}
	if fp.calls != 1 {
		t.Fatalf("provider calls = %d", fp.calls)
	}
	// 20 travel + 2x(5 pickup + 10 drop) service
	if math.Abs(route.DurationMin-50) > 1e-9 {
		t.Fatalf("duration = %.2f, want 50", route.DurationMin)
	}
}

func TestAdjustTrafficDefaultsToHeavy(t *testing.T) {
	svc, store, _ := newRouteService(t)
	base, err := svc.Optimize(context.Background(), twoJobRequest(t, store))
	if err != nil {
		t.Fatal(err)
	}

	adjusted, err := svc.Adjust(context.Background(), base.ID, AdjustRequest{Reason: models.AdjustTraffic})
	if err != nil {
		t.Fatal(err)
	}
	if adjusted.ID == base.ID {
		t.Fatalf("adjusted route kept the prior identity")
	}
	if adjusted.Traffic == nil || adjusted.Traffic.Condition != models.TrafficHeavy {
		t.Fatalf("traffic adjustment = %+v", adjusted.Traffic)
	}
	if adjusted.Traffic.Factor != 1.8 {
		t.Fatalf("factor = %.1f, want 1.8", adjusted.Traffic.Factor)
	}
	if math.Abs(adjusted.DurationMin-adjusted.Traffic.OriginalMin*1.8) > 1e-9 {
		t.Fatalf("duration %.2f not scaled from %.2f", adjusted.DurationMin, adjusted.Traffic.OriginalMin)
	}
}

func TestAdjustCancellationDropsJob(t *testing.T) {
	svc, store, _ := newRouteService(t)
	base, err := svc.Optimize(context.Background(), twoJobRequest(t, store))
	if err != nil {
		t.Fatal(err)
	}

	adjusted, err := svc.Adjust(context.Background(), base.ID, AdjustRequest{
		Reason:      models.AdjustCancellation,
		CancelJobID: "j1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(adjusted.Stops) != 2 {
		t.Fatalf("stops = %d, want 2 after cancellation", len(adjusted.Stops))
	}
	for _, st := range adjusted.Stops {
		if st.JobID == "j1" {
			t.Fatalf("cancelled job still routed")
		}
	}
	for _, id := range adjusted.JobIDs {
		if id == "j1" {
			t.Fatalf("cancelled job still listed")
		}
	}
}

func TestAdjustNewAssignmentExtendsRoute(t *testing.T) {
	svc, store, _ := newRouteService(t)
	base, err := svc.Optimize(context.Background(), twoJobRequest(t, store))
	if err != nil {
		t.Fatal(err)
	}

	extra := assignment("j3", models.Coord{Lat: 40.74, Lon: -74.00}, models.Coord{Lat: 40.76, Lon: -74.00})
	seedAssignments(t, store, extra)
	adjusted, err := svc.Adjust(context.Background(), base.ID, AdjustRequest{
		Reason: models.AdjustNewAssignment,
		Add:    []*models.DeliveryAssignment{extra},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(adjusted.Stops) != 6 {
		t.Fatalf("stops = %d, want 6", len(adjusted.Stops))
	}
	found := false
	for _, id := range adjusted.JobIDs {
		if id == "j3" {
			found = true
		}
	}
	if !found {
		t.Fatalf("new job missing from %v", adjusted.JobIDs)
	}
}

// The mid-flight cancellation check covers adjustments too: a re-derived
// route whose job set lost its active assignment is returned but never
// committed.
func TestAdjustDiscardsRouteWhenAssignmentCancelled(t *testing.T) {
	svc, store, _ := newRouteService(t)
	ctx := context.Background()
	base, err := svc.Optimize(ctx, twoJobRequest(t, store))
	if err != nil {
		t.Fatal(err)
	}

	a, err := store.GetAssignment(ctx, "as-j1")
	if err != nil {
		t.Fatal(err)
	}
	a.Status = models.StatusCancelled
	if err := store.UpdateAssignment(ctx, a); err != nil {
		t.Fatal(err)
	}

	adjusted, err := svc.Adjust(ctx, base.ID, AdjustRequest{Reason: models.AdjustDelay})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetRoute(ctx, adjusted.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("cancelled assignment's adjusted route was persisted")
	}
}

func TestAdjustUnknownReason(t *testing.T) {
	svc, store, _ := newRouteService(t)
	base, err := svc.Optimize(context.Background(), twoJobRequest(t, store))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Adjust(context.Background(), base.ID, AdjustRequest{Reason: "weather"}); err == nil {
		t.Fatalf("expected error for unknown reason")
	}
}

func TestCacheInvalidateByCourier(t *testing.T) {
	c := NewCache()
	now := time.Now()
	r := &models.OptimizedRoute{ID: "r1", ExpiresAt: now.Add(time.Hour)}
	key := cacheKey("c1", []string{"j1"}, models.Coord{}, models.RoutePreferences{})
	c.Put(key, r)

	if _, ok := c.Get(key, now); !ok {
		t.Fatalf("entry missing before invalidation")
	}
	c.Invalidate("c1")
	if _, ok := c.Get(key, now); ok {
		t.Fatalf("entry survived invalidation")
	}
}
