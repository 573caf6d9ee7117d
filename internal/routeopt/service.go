package routeopt

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/courier-dispatch/internal/config"
	"github.com/example/courier-dispatch/internal/derr"
	"github.com/example/courier-dispatch/internal/events"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/storage"
)

// Service sequences a courier's open jobs into a route. Small jobs may be
// delegated to an external provider; everything else runs the internal
// nearest-neighbor + 2-opt heuristic.
type Service struct {
	Routes      storage.RouteStore
	Assignments storage.AssignmentStore // consulted before committing a route
	Provider    Provider                // optional
	Cache       *Cache
	Bus         *events.Bus // optional
	Cfg         config.RoutingConfig
	Logger      *slog.Logger
	Now         func() time.Time // defaults to time.Now
}

// OptimizeRequest carries one optimization call.
type OptimizeRequest struct {
	CourierID   string
	Start       models.Coord
	Assignments []*models.DeliveryAssignment
	Prefs       models.RoutePreferences
	Traffic     models.TrafficCondition
}

// AdjustRequest re-derives an existing route for a changed condition.
type AdjustRequest struct {
	Reason      models.AdjustReason
	Traffic     models.TrafficCondition
	CourierLoc  *models.Coord
	CancelJobID string
	Add         []*models.DeliveryAssignment
	Prefs       *models.RoutePreferences
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// DeriveWaypoints expands assignments into pickup-then-delivery waypoints
// with the configured service durations.
func (s *Service) DeriveWaypoints(assignments []*models.DeliveryAssignment, prefs models.RoutePreferences) []models.Waypoint {
	pickupMin := prefs.PickupServiceMin
	if pickupMin <= 0 {
		pickupMin = s.Cfg.PickupServiceMin
	}
	dropMin := prefs.DropServiceMin
	if dropMin <= 0 {
		dropMin = s.Cfg.DropServiceMin
	}
	wps := make([]models.Waypoint, 0, 2*len(assignments))
	for _, a := range assignments {
		wps = append(wps,
			models.Waypoint{JobID: a.JobID, Kind: models.WaypointPickup, Loc: a.Pickup, ServiceMin: pickupMin},
			models.Waypoint{JobID: a.JobID, Kind: models.WaypointDelivery, Loc: a.Delivery, ServiceMin: dropMin},
		)
	}
	return wps
}

func (s *Service) Optimize(ctx context.Context, req OptimizeRequest) (*models.OptimizedRoute, error) {
	if req.Prefs.Objective == "" {
		req.Prefs.Objective = models.OptimizeBalanced
	}
	jobIDs := jobSet(req.Assignments)
	key := cacheKey(req.CourierID, jobIDs, req.Start, req.Prefs)
	if s.Cache != nil {
		if cached, ok := s.Cache.Get(key, s.now()); ok {
			observability.RouteCacheHits.Inc()
			return cached, nil
		}
	}

	wps := s.DeriveWaypoints(req.Assignments, req.Prefs)
	route := s.optimizeWaypoints(ctx, req.CourierID, req.Start, wps, jobIDs, req.Prefs, req.Traffic, true)

	if len(wps) > 0 {
		if s.commitAllowed(ctx, req.Assignments) {
			if err := s.persist(ctx, route); err != nil {
				return nil, derr.Wrap(derr.CodeInternal, "persist route", err)
			}
			if s.Cache != nil {
				s.Cache.Put(key, route)
			}
		} else if s.Logger != nil {
			s.Logger.Info("route discarded, assignment cancelled mid-optimization",
				"route_id", route.ID, "courier_id", req.CourierID)
		}
	}
	return route, nil
}

// optimizeWaypoints is the shared core for Optimize, Adjust and alternative
// generation. withAlternates guards against recursion.
func (s *Service) optimizeWaypoints(ctx context.Context, courierID string, start models.Coord, wps []models.Waypoint, jobIDs []string, prefs models.RoutePreferences, traffic models.TrafficCondition, withAlternates bool) *models.OptimizedRoute {
	now := s.now()
	route := &models.OptimizedRoute{
		ID:        uuid.NewString(),
		CourierID: courierID,
		JobIDs:    jobIDs,
		Start:     start,
		CreatedAt: now,
		ExpiresAt: now.Add(s.Cfg.CacheTTL),
	}
	if len(wps) == 0 {
		route.Source = "heuristic"
		route.Stops = []models.RouteStop{}
		return route
	}

	matrix := buildMatrix(start, wps)
	var order []int
	var distanceKm, durationMin float64
	source := "heuristic"

	if s.Provider != nil && len(wps) <= s.Cfg.ProviderMaxStops {
		if pr, err := s.Provider.Sequence(ctx, start, wps, prefs); err == nil && len(pr.Order) == len(wps) {
			order = pr.Order
			distanceKm = pr.DistanceKm
			durationMin = pr.DurationMin + serviceMinutes(wps)
			source = "provider"
		} else if err != nil {
			observability.ProviderFallbacks.Inc()
			if s.Logger != nil {
				s.Logger.Warn("routing provider failed, using heuristic", "error", err)
			}
		}
	}
	if order == nil {
		ordering := matrix
		if prefs.Objective == models.OptimizeTime {
			ordering = matrix.timeWeighted(wps, s.Cfg.AvgSpeedKmh)
		}
		order = twoOpt(ordering, nearestNeighbor(ordering))
		distanceKm = sequenceCost(matrix, order)
		durationMin = distanceKm/s.Cfg.AvgSpeedKmh*60 + serviceMinutes(wps)
	}
	observability.OptimizationsRun.WithLabelValues(source).Inc()

	route.Source = source
	route.Stops = s.buildStops(now, start, wps, order, matrix)
	route.DistanceKm = distanceKm
	route.DurationMin = durationMin
	route.FuelCost = distanceKm * s.Cfg.FuelCostPerKm

	if traffic != "" {
		factor := s.trafficFactor(traffic)
		adjusted := durationMin * factor
		route.Traffic = &models.TrafficAdjustment{
			Segment:     "route:" + route.ID,
			Condition:   traffic,
			OriginalMin: durationMin,
			AdjustedMin: adjusted,
			Factor:      factor,
		}
		route.DurationMin = adjusted
	}

	route.Efficiency = s.efficiency(start, wps, jobIDs, route.DistanceKm, route.DurationMin)

	if withAlternates && prefs.Objective == models.OptimizeBalanced && len(wps) > 1 {
		for _, obj := range []models.OptimizeFor{models.OptimizeDistance, models.OptimizeTime} {
			alt := prefs
			alt.Objective = obj
			route.Alternates = append(route.Alternates,
				s.optimizeWaypoints(ctx, courierID, start, wps, jobIDs, alt, traffic, false))
		}
	}
	return route
}

// Adjust re-derives an existing route for the given reason. The result is a
// new route identity; the prior route is superseded, never mutated.
func (s *Service) Adjust(ctx context.Context, routeID string, req AdjustRequest) (*models.OptimizedRoute, error) {
	prior, err := s.Routes.GetRoute(ctx, routeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, derr.Newf(derr.CodeNotFound, "route %s not found", routeID)
	}
	if err != nil {
		return nil, derr.Wrap(derr.CodeInternal, "load route", err)
	}

	start := prior.Start
	prefs := models.RoutePreferences{Objective: models.OptimizeBalanced}
	if req.Prefs != nil {
		prefs = *req.Prefs
	}
	traffic := models.TrafficCondition("")
	wps := make([]models.Waypoint, 0, len(prior.Stops))
	for _, st := range prior.Stops {
		wps = append(wps, st.Waypoint)
	}
	jobIDs := prior.JobIDs

	switch req.Reason {
	case models.AdjustTraffic:
		traffic = req.Traffic
		if traffic == "" {
			traffic = models.TrafficHeavy
		}
	case models.AdjustDelay:
		if req.CourierLoc != nil {
			start = *req.CourierLoc
		}
	case models.AdjustPriorityChange:
		prefs.Objective = models.OptimizeTime
	case models.AdjustNewAssignment:
		wps = append(wps, s.DeriveWaypoints(req.Add, prefs)...)
		jobIDs = append(append([]string{}, jobIDs...), jobSet(req.Add)...)
	case models.AdjustCancellation:
		kept := wps[:0]
		for _, w := range wps {
			if w.JobID != req.CancelJobID {
				kept = append(kept, w)
			}
		}
		wps = kept
		ids := make([]string, 0, len(jobIDs))
		for _, id := range jobIDs {
			if id != req.CancelJobID {
				ids = append(ids, id)
			}
		}
		jobIDs = ids
	default:
		return nil, derr.Newf(derr.CodeInvalidArgument, "unknown adjust reason %q", req.Reason).
			With("reason", string(req.Reason))
	}

	route := s.optimizeWaypoints(ctx, prior.CourierID, start, wps, jobIDs, prefs, traffic, true)
	if !s.commitAllowedJobs(ctx, jobIDs) {
		if s.Logger != nil {
			s.Logger.Info("adjusted route discarded, assignment cancelled mid-optimization",
				"route_id", route.ID, "courier_id", prior.CourierID)
		}
		return route, nil
	}
	if err := s.persist(ctx, route); err != nil {
		return nil, derr.Wrap(derr.CodeInternal, "persist adjusted route", err)
	}
	if s.Cache != nil {
		s.Cache.Invalidate(prior.CourierID)
		s.Cache.Put(cacheKey(prior.CourierID, jobIDs, start, prefs), route)
	}
	if s.Bus != nil {
		s.Bus.Publish(events.Event{
			Kind:      events.KindRouteInvalidated,
			CourierID: prior.CourierID,
			Reason:    req.Reason,
		})
	}
	if s.Logger != nil {
		s.Logger.Info("route adjusted", "prior", prior.ID, "route_id", route.ID,
			"reason", string(req.Reason), "stops", len(route.Stops))
	}
	return route, nil
}

func (s *Service) persist(ctx context.Context, r *models.OptimizedRoute) error {
	if s.Routes == nil {
		return nil
	}
	return s.Routes.SaveRoute(ctx, r)
}

// commitAllowed rejects persistence when an input assignment was cancelled
// while the optimization ran.
func (s *Service) commitAllowed(ctx context.Context, assignments []*models.DeliveryAssignment) bool {
	if s.Assignments == nil {
		return true
	}
	for _, a := range assignments {
		current, err := s.Assignments.GetAssignment(ctx, a.ID)
		if err != nil {
			continue // surface nothing; the route is still returned
		}
		if current.Status == models.StatusCancelled {
			return false
		}
	}
	return true
}

// commitAllowedJobs is the adjustment-path variant of commitAllowed: the
// prior route carries job ids, not assignment ids, so a job whose assignment
// left the active set while the re-derivation ran blocks persistence.
func (s *Service) commitAllowedJobs(ctx context.Context, jobIDs []string) bool {
	if s.Assignments == nil {
		return true
	}
	for _, id := range jobIDs {
		if _, err := s.Assignments.ActiveAssignmentByJob(ctx, id); errors.Is(err, storage.ErrNotFound) {
			return false
		}
	}
	return true
}

// buildStops walks the visiting order, accumulating travel and service time
// into per-stop arrival estimates.
func (s *Service) buildStops(departure time.Time, start models.Coord, wps []models.Waypoint, order []int, m *costMatrix) []models.RouteStop {
	stops := make([]models.RouteStop, 0, len(order))
	clock := departure
	current := 0
	for seq, idx := range order {
		legKm := m.cost[current][idx+1]
		clock = clock.Add(time.Duration(legKm / s.Cfg.AvgSpeedKmh * 60 * float64(time.Minute)))
		stops = append(stops, models.RouteStop{
			Waypoint:     wps[idx],
			Seq:          seq + 1,
			EstimatedETA: clock,
		})
		clock = clock.Add(time.Duration(wps[idx].ServiceMin * float64(time.Minute)))
		current = idx + 1
	}
	return stops
}

// efficiency compares the optimized route against a naive baseline: every
// stop served by a direct out-and-back leg from the start, at one hour per
// job.
func (s *Service) efficiency(start models.Coord, wps []models.Waypoint, jobIDs []string, actualKm, actualMin float64) int {
	if len(wps) == 0 {
		return 0
	}
	m := buildMatrix(start, wps)
	baselineKm := 0.0
	for i := range wps {
		baselineKm += m.cost[0][i+1]
	}
	baselineMin := float64(len(jobIDs)) * 60

	distGain := gainRatio(baselineKm, actualKm)
	timeGain := gainRatio(baselineMin, actualMin)
	return int(math.Round(100 * (0.6*distGain + 0.4*timeGain)))
}

func gainRatio(baseline, actual float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return math.Max(0, (baseline-actual)/baseline)
}

func (s *Service) trafficFactor(cond models.TrafficCondition) float64 {
	switch cond {
	case models.TrafficModerate:
		return s.Cfg.TrafficModFactor
	case models.TrafficHeavy:
		return s.Cfg.TrafficHeavyFactor
	default:
		return s.Cfg.TrafficLightFactor
	}
}

func serviceMinutes(wps []models.Waypoint) float64 {
	total := 0.0
	for _, w := range wps {
		total += w.ServiceMin
	}
	return total
}

func jobSet(assignments []*models.DeliveryAssignment) []string {
	seen := make(map[string]bool, len(assignments))
	out := make([]string, 0, len(assignments))
	for _, a := range assignments {
		if !seen[a.JobID] {
			seen[a.JobID] = true
			out = append(out, a.JobID)
		}
	}
	return out
}
