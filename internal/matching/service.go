package matching

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/courier-dispatch/internal/config"
	"github.com/example/courier-dispatch/internal/derr"
	"github.com/example/courier-dispatch/internal/events"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/storage"
)

// Notifier pushes a new assignment to the chosen courier's device.
type Notifier interface {
	NotifyAssignment(ctx context.Context, courierID string, a *models.DeliveryAssignment) error
}

// PaymentsClient holds the delivery fee when an assignment is created.
type PaymentsClient interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
}

// fee model: base charge plus a per-km component, platform takes 20%.
const (
	feeBase         = 3.0
	feePerKm        = 1.2
	commissionShare = 0.20
)

// Service is the matching and assignment engine.
type Service struct {
	Geo         geo.Index
	Assignments storage.AssignmentStore
	Couriers    storage.CourierStore
	Notifier    Notifier
	Payments    PaymentsClient
	Bus         *events.Bus
	Cfg         config.MatchingConfig
	Logger      *slog.Logger
	Now         func() time.Time

	locks *jobLocks
}

func NewService(gi geo.Index, as storage.AssignmentStore, cs storage.CourierStore, cfg config.MatchingConfig, logger *slog.Logger) *Service {
	return &Service{
		Geo:         gi,
		Assignments: as,
		Couriers:    cs,
		Cfg:         cfg,
		Logger:      logger,
		locks:       newJobLocks(),
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Assign matches the job to the best eligible courier and creates the
// assignment, or explains why it could not.
func (s *Service) Assign(ctx context.Context, job models.Job, constraints models.MatchConstraints) (*models.DeliveryAssignment, error) {
	started := time.Now()
	defer func() {
		observability.MatchLatency.Observe(time.Since(started).Seconds())
	}()

	if !geo.ValidCoord(job.Pickup) || !geo.ValidCoord(job.Delivery) {
		observability.AssignmentsFailed.WithLabelValues("invalid_coordinates").Inc()
		return nil, derr.New(derr.CodeInvalidCoordinates, "pickup and delivery must lie within [-90,90]x[-180,180]").
			With("pickup", job.Pickup).With("delivery", job.Delivery)
	}

	unlock := s.locks.Lock(job.ID)
	defer unlock()

	if existing, err := s.Assignments.ActiveAssignmentByJob(ctx, job.ID); err == nil {
		observability.AssignmentsFailed.WithLabelValues("assignment_exists").Inc()
		return nil, derr.Newf(derr.CodeAssignmentExists, "job %s already has an active assignment", job.ID).
			With("assignment_id", existing.ID).
			With("status", string(existing.Status)).
			With("courier_id", existing.CourierID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, derr.Wrap(derr.CodeInternal, "check active assignment", err)
	}

	var chosen models.CourierProfile
	var chosenOpen int
	if constraints.CourierID != "" {
		c, open, err := s.validateOverride(ctx, constraints.CourierID)
		if err != nil {
			return nil, err
		}
		chosen, chosenOpen = *c, open
	} else {
		ranked, pool, err := s.rankCandidates(ctx, job, constraints, s.radius(constraints), s.minRating(constraints))
		if err != nil {
			return nil, err
		}
		if len(ranked) == 0 {
			observability.AssignmentsFailed.WithLabelValues("no_couriers").Inc()
			return nil, derr.New(derr.CodeNoCouriersAvailable, "no eligible couriers in range").
				With("radius_km", s.radius(constraints))
		}
		best := ranked[0]
		chosen = pool[best.CourierID].courier
		chosenOpen = pool[best.CourierID].openJobs
		if s.Logger != nil {
			s.Logger.Debug("candidate ranked first", "courier_id", best.CourierID,
				"total", best.Total, "distance_km", best.DistanceKm)
		}
	}

	a := s.buildAssignment(job, chosen)
	if err := s.Assignments.SaveAssignment(ctx, a); err != nil {
		return nil, derr.Wrap(derr.CodeInternal, "save assignment", err)
	}
	s.afterAssign(ctx, a, chosen, chosenOpen)
	observability.AssignmentsMatched.Inc()
	return a, nil
}

func (s *Service) radius(c models.MatchConstraints) float64 {
	r := c.SearchRadiusKm
	if r <= 0 {
		r = s.Cfg.SearchRadiusKm
	}
	if r > s.Cfg.MaxSearchRadiusKm {
		r = s.Cfg.MaxSearchRadiusKm
	}
	return r
}

func (s *Service) minRating(c models.MatchConstraints) float64 {
	if c.MinRating > 0 {
		return c.MinRating
	}
	return s.Cfg.MinRating
}

// validateOverride checks a manually requested courier.
func (s *Service) validateOverride(ctx context.Context, courierID string) (*models.CourierProfile, int, error) {
	c, err := s.Couriers.GetCourier(ctx, courierID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, derr.Newf(derr.CodeNotFound, "courier %s not found", courierID)
	}
	if err != nil {
		return nil, 0, derr.Wrap(derr.CodeInternal, "load courier", err)
	}
	if !c.Active || !c.Verified || !c.Online || c.Availability != models.AvailabilityAvailable {
		return nil, 0, derr.Newf(derr.CodeCourierNotAvailable, "courier %s is not available", courierID).
			With("availability", string(c.Availability)).
			With("online", c.Online).
			With("verified", c.Verified)
	}
	open, _, err := s.openLoad(ctx, courierID)
	if err != nil {
		return nil, 0, err
	}
	if open >= s.Cfg.ConcurrentJobCap {
		return nil, 0, derr.Newf(derr.CodeCourierOverloaded, "courier %s is at the concurrent job cap", courierID).
			With("open_jobs", open).
			With("cap", s.Cfg.ConcurrentJobCap)
	}
	return c, open, nil
}

// rankCandidates queries the geo index and applies the eligibility filters
// in order, then scores the survivors against the pool maxima.
func (s *Service) rankCandidates(ctx context.Context, job models.Job, constraints models.MatchConstraints, radiusKm, minRating float64) ([]models.ScoreBreakdown, map[string]candidate, error) {
	nearby, err := s.Geo.Nearby(ctx, job.Pickup.Lat, job.Pickup.Lon, radiusKm, s.Cfg.CandidateLimit)
	if err != nil {
		return nil, nil, derr.Wrap(derr.CodeInternal, "geo query", err)
	}

	cands := make([]candidate, 0, len(nearby))
	for _, c := range nearby {
		if c.Rating < minRating {
			continue
		}
		// vehicle preference is soft: mismatches stay in the pool and take
		// the scoring penalty, so sparse areas can still match
		if !c.Active || !c.Verified || !c.Online || c.Availability != models.AvailabilityAvailable {
			continue
		}
		open, inFlight, err := s.openLoad(ctx, c.ID)
		if err != nil {
			return nil, nil, err
		}
		if open >= s.Cfg.ConcurrentJobCap {
			continue
		}
		if job.WeightKg > 0 && c.CapacityKg > 0 && inFlight+job.WeightKg > c.CapacityKg {
			continue
		}
		cands = append(cands, candidate{
			courier:      c,
			distanceKm:   geo.Haversine(job.Pickup, c.Loc),
			openJobs:     open,
			inFlightKg:   inFlight,
			newWeightKg:  job.WeightKg,
			requiredType: constraints.RequiredVehicle,
			priority:     job.Priority,
		})
	}
	if len(cands) == 0 {
		return nil, nil, nil
	}
	pool := make(map[string]candidate, len(cands))
	for _, c := range cands {
		pool[c.courier.ID] = c
	}
	return rank(cands, s.Cfg.ConcurrentJobCap), pool, nil
}

func (s *Service) openLoad(ctx context.Context, courierID string) (int, float64, error) {
	open, err := s.Assignments.OpenAssignmentsByCourier(ctx, courierID)
	if err != nil {
		return 0, 0, derr.Wrap(derr.CodeInternal, "load open assignments", err)
	}
	weight := 0.0
	for _, a := range open {
		weight += a.WeightKg
	}
	return len(open), weight, nil
}

func (s *Service) buildAssignment(job models.Job, courier models.CourierProfile) *models.DeliveryAssignment {
	now := s.now()
	distKm := geo.Haversine(job.Pickup, job.Delivery)
	fee := feeBase + feePerKm*distKm
	return &models.DeliveryAssignment{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		CourierID:   courier.ID,
		RequesterID: job.RequesterID,
		Pickup:      job.Pickup,
		Delivery:    job.Delivery,
		Status:      models.StatusAssigned,
		StatusLog:   []models.StatusChange{{Status: models.StatusAssigned, At: now}},
		Fee:         fee,
		Commission:  fee * commissionShare,
		WeightKg:    job.WeightKg,
		Priority:    job.Priority,
		EstimatedKm: distKm,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// afterAssign performs the best-effort side effects of a successful match.
func (s *Service) afterAssign(ctx context.Context, a *models.DeliveryAssignment, courier models.CourierProfile, openBefore int) {
	if openBefore+1 >= s.Cfg.ConcurrentJobCap {
		courier.Availability = models.AvailabilityBusy
		if err := s.Couriers.UpdateCourier(ctx, &courier); err != nil && s.Logger != nil {
			s.Logger.Warn("courier availability update failed", "courier_id", courier.ID, "error", err)
		}
		if err := s.Geo.Upsert(ctx, courier); err != nil && s.Logger != nil {
			s.Logger.Warn("geo upsert failed", "courier_id", courier.ID, "error", err)
		}
	}
	if s.Payments != nil {
		// hold in minor units
		if piID, err := s.Payments.Hold(ctx, int64(a.Fee*100), "usd", a.RequesterID); err == nil {
			a.PaymentIntentID = piID
			if err := s.Assignments.UpdateAssignment(ctx, a); err != nil && s.Logger != nil {
				s.Logger.Warn("payment intent id not persisted", "assignment_id", a.ID, "error", err)
			}
		} else if s.Logger != nil {
			s.Logger.Warn("fee hold failed", "assignment_id", a.ID, "error", err)
		}
	}
	if s.Notifier != nil {
		if err := s.Notifier.NotifyAssignment(ctx, courier.ID, a); err != nil && s.Logger != nil {
			s.Logger.Warn("assignment notification failed", "courier_id", courier.ID, "error", err)
		}
	}
	if s.Bus != nil {
		s.Bus.Publish(events.Event{
			Kind:         events.KindAssignmentCreated,
			AssignmentID: a.ID,
			CourierID:    courier.ID,
			JobID:        a.JobID,
			Status:       a.Status,
		})
	}
	if s.Logger != nil {
		s.Logger.Info("assignment created", "assignment_id", a.ID, "job_id", a.JobID,
			"courier_id", courier.ID, "fee", a.Fee)
	}
}

// ResolveConflict recommends how to handle a job that could not be matched.
func (s *Service) ResolveConflict(ctx context.Context, job models.Job, reason derr.Code) (*models.ConflictResolution, error) {
	// retry with the radius cap and a relaxed rating floor
	ranked, _, err := s.rankCandidates(ctx, job, models.MatchConstraints{}, s.Cfg.MaxSearchRadiusKm, 1.0)
	if err != nil {
		return nil, err
	}
	if len(ranked) > 0 {
		if len(ranked) > 3 {
			ranked = ranked[:3]
		}
		return &models.ConflictResolution{
			Action:       models.ActionReassign,
			Alternatives: ranked,
			DelayMin:     30,
			Detail:       "candidates found at extended radius",
		}, nil
	}
	if job.ScheduledAt != nil {
		if until := job.ScheduledAt.Sub(s.now()); until > 2*time.Hour {
			delay := until.Minutes()
			if delay < 120 {
				delay = 120
			}
			return &models.ConflictResolution{
				Action:   models.ActionQueue,
				DelayMin: delay,
				Detail:   "scheduled job queued until closer to its window",
			}, nil
		}
	}
	if job.Priority == models.PriorityHigh || job.Priority == models.PriorityUrgent || job.ValueAmount >= 100 {
		return &models.ConflictResolution{
			Action: models.ActionEscalate,
			Detail: "high priority or high value job needs manual handling",
		}, nil
	}
	return &models.ConflictResolution{
		Action: models.ActionReject,
		Detail: string(reason),
	}, nil
}
