package tracking

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/courier-dispatch/internal/auth"
	"github.com/example/courier-dispatch/internal/config"
	"github.com/example/courier-dispatch/internal/derr"
	"github.com/example/courier-dispatch/internal/events"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/storage"
)

// PingPublisher forwards accepted pings to the async pipeline.
type PingPublisher interface {
	PublishPing(ctx context.Context, p *models.TrackingPing) error
}

const maxNoteLen = 1000

// Service ingests location pings, drives assignment status transitions and
// feeds the hub.
type Service struct {
	Assignments storage.AssignmentStore
	Couriers    storage.CourierStore
	Pings       storage.PingStore
	Geo         geo.Index
	Hub         *Hub
	Producer    PingPublisher // optional
	Bus         *events.Bus   // optional
	Cfg         config.TrackingConfig
	AvgSpeedKmh float64
	Logger      *slog.Logger
	Now         func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// EnrichedPing is what room subscribers see: the stored ping plus derived
// progress and ETA.
type EnrichedPing struct {
	Ping            *models.TrackingPing    `json:"ping"`
	Status          models.AssignmentStatus `json:"status"`
	DistanceLeftKm  float64                 `json:"distance_left_km"`
	ETAMin          float64                 `json:"eta_min"`
	ProgressPercent int                     `json:"progress_percent"`
}

// Ingest validates and stores one ping, updates the courier's live
// position, optionally advances the assignment status, and broadcasts the
// enriched sample to the assignment's room. Broadcast failures never fail
// the ingestion.
func (s *Service) Ingest(ctx context.Context, ping models.TrackingPing) (*EnrichedPing, error) {
	if !geo.ValidCoord(ping.Loc) {
		observability.PingsRejected.WithLabelValues("invalid_coordinates").Inc()
		return nil, derr.New(derr.CodeInvalidCoordinates, "ping coordinates out of bounds").
			With("lat", ping.Loc.Lat).With("lon", ping.Loc.Lon)
	}
	if ping.SpeedKmh > s.Cfg.MaxSpeedKmh {
		observability.PingsRejected.WithLabelValues("implausible_speed").Inc()
		return nil, derr.Newf(derr.CodeInvalidPing, "speed %.1f km/h exceeds the plausible maximum", ping.SpeedKmh).
			With("max_speed_kmh", s.Cfg.MaxSpeedKmh)
	}

	a, err := s.Assignments.GetAssignment(ctx, ping.AssignmentID)
	if errors.Is(err, storage.ErrNotFound) {
		observability.PingsRejected.WithLabelValues("not_found").Inc()
		return nil, derr.Newf(derr.CodeNotFound, "assignment %s not found", ping.AssignmentID)
	}
	if err != nil {
		return nil, derr.Wrap(derr.CodeInternal, "load assignment", err)
	}
	if a.CourierID != ping.CourierID {
		observability.PingsRejected.WithLabelValues("unauthorized").Inc()
		return nil, derr.New(derr.CodeUnauthorized, "ping courier does not match the assignment").
			With("assignment_courier", a.CourierID)
	}

	now := s.now()
	if last, err := s.Pings.LastPingAt(ctx, ping.AssignmentID, ping.CourierID); err == nil {
		if since := now.Sub(last); since < s.Cfg.MinPingInterval {
			observability.PingsRejected.WithLabelValues("throttled").Inc()
			return nil, derr.New(derr.CodePingThrottled, "ping submitted too soon after the previous one").
				With("since_last_sec", since.Seconds()).
				With("min_interval_sec", s.Cfg.MinPingInterval.Seconds())
		}
	}

	s.normalize(&ping, now)
	if ping.AccuracyM > s.Cfg.AccuracyWarningM && s.Logger != nil {
		s.Logger.Warn("low gps accuracy", "assignment_id", ping.AssignmentID,
			"courier_id", ping.CourierID, "accuracy_m", ping.AccuracyM)
	}

	if err := s.Pings.SavePing(ctx, &ping); err != nil {
		return nil, derr.Wrap(derr.CodeInternal, "save ping", err)
	}
	observability.PingsAccepted.Inc()

	s.updateCourierPosition(ctx, ping)

	if ping.Status != nil && *ping.Status != a.Status {
		updated, err := s.UpdateStatus(ctx, a.ID, *ping.Status)
		if err != nil {
			// the ping is already stored; surface the transition error
			return nil, err
		}
		a = updated
	}

	enriched := s.enrich(a, &ping)

	if s.Producer != nil {
		if err := s.Producer.PublishPing(ctx, &ping); err != nil && s.Logger != nil {
			s.Logger.Warn("ping publish failed", "assignment_id", ping.AssignmentID, "error", err)
		}
	}
	if s.Bus != nil {
		s.Bus.Publish(events.Event{
			Kind:         events.KindPingAccepted,
			AssignmentID: a.ID,
			CourierID:    ping.CourierID,
			JobID:        a.JobID,
			Status:       a.Status,
			Ping:         &ping,
		})
	}
	if s.Hub != nil {
		s.Hub.Broadcast(a.ID, RoomEvent{Type: "tracking_update", Payload: enriched})
	}
	return enriched, nil
}

// normalize applies the clamping rules: battery into [0,100], speed into
// [0,120], coordinates to 6 decimal places, note to 1000 characters.
func (s *Service) normalize(p *models.TrackingPing, now time.Time) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.RecordedAt.IsZero() {
		p.RecordedAt = now
	}
	p.Battery = clamp(p.Battery, 0, 100)
	p.SpeedKmh = clamp(p.SpeedKmh, 0, s.Cfg.MaxSpeedKmh)
	p.Loc.Lat = round6(p.Loc.Lat)
	p.Loc.Lon = round6(p.Loc.Lon)
	if len(p.Note) > maxNoteLen {
		p.Note = p.Note[:maxNoteLen]
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func (s *Service) updateCourierPosition(ctx context.Context, ping models.TrackingPing) {
	c, err := s.Couriers.GetCourier(ctx, ping.CourierID)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("courier position not updated", "courier_id", ping.CourierID, "error", err)
		}
		return
	}
	c.Loc = ping.Loc
	c.LocUpdated = ping.RecordedAt
	if err := s.Couriers.UpdateCourier(ctx, c); err != nil && s.Logger != nil {
		s.Logger.Warn("courier position not persisted", "courier_id", c.ID, "error", err)
	}
	if s.Geo != nil {
		if err := s.Geo.Upsert(ctx, *c); err != nil && s.Logger != nil {
			s.Logger.Warn("geo index not updated", "courier_id", c.ID, "error", err)
		}
	}
}

// UpdateStatus applies one status transition, enforcing the lifecycle
// centrally. Illegal transitions return the current status, the requested
// status and the legal set.
func (s *Service) UpdateStatus(ctx context.Context, assignmentID string, to models.AssignmentStatus) (*models.DeliveryAssignment, error) {
	a, err := s.Assignments.GetAssignment(ctx, assignmentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, derr.Newf(derr.CodeNotFound, "assignment %s not found", assignmentID)
	}
	if err != nil {
		return nil, derr.Wrap(derr.CodeInternal, "load assignment", err)
	}
	if !models.CanTransition(a.Status, to) {
		allowed := models.AllowedTransitions(a.Status)
		strs := make([]string, len(allowed))
		for i, st := range allowed {
			strs[i] = string(st)
		}
		return nil, derr.Newf(derr.CodeInvalidTransition, "cannot move assignment from %s to %s", a.Status, to).
			With("current", string(a.Status)).
			With("requested", string(to)).
			With("allowed", strs)
	}

	prev := a.Status
	now := s.now()
	a.Status = to
	a.StatusLog = append(a.StatusLog, models.StatusChange{Status: to, At: now})
	a.UpdatedAt = now
	if err := s.Assignments.UpdateAssignment(ctx, a); err != nil {
		return nil, derr.Wrap(derr.CodeInternal, "update assignment", err)
	}

	s.afterTransition(ctx, a, prev)
	return a, nil
}

// afterTransition performs the side effects of a committed status change:
// courier counters and availability, event publication, room notification.
func (s *Service) afterTransition(ctx context.Context, a *models.DeliveryAssignment, prev models.AssignmentStatus) {
	if a.Status == models.StatusDelivered || a.Status == models.StatusFailed ||
		a.Status == models.StatusCancelled || a.Status == models.StatusReturned {
		s.releaseCourier(ctx, a)
	}
	if s.Bus != nil {
		s.Bus.Publish(events.Event{
			Kind:         events.KindStatusChanged,
			AssignmentID: a.ID,
			CourierID:    a.CourierID,
			JobID:        a.JobID,
			Status:       a.Status,
			Prev:         prev,
		})
	}
	if s.Hub != nil {
		s.Hub.Broadcast(a.ID, RoomEvent{Type: "status_update", Payload: map[string]any{
			"status":   a.Status,
			"previous": prev,
		}})
	}
	if s.Logger != nil {
		s.Logger.Info("assignment status changed", "assignment_id", a.ID,
			"from", string(prev), "to", string(a.Status))
	}
}

// releaseCourier refreshes completion counters and frees a busy courier
// once their open-job count drops under the cap.
func (s *Service) releaseCourier(ctx context.Context, a *models.DeliveryAssignment) {
	if a.CourierID == "" {
		return
	}
	c, err := s.Couriers.GetCourier(ctx, a.CourierID)
	if err != nil {
		return
	}
	switch a.Status {
	case models.StatusDelivered:
		c.Completed++
	case models.StatusFailed:
		c.Failed++
	}
	if c.Availability == models.AvailabilityBusy {
		c.Availability = models.AvailabilityAvailable
	}
	if err := s.Couriers.UpdateCourier(ctx, c); err != nil && s.Logger != nil {
		s.Logger.Warn("courier release not persisted", "courier_id", c.ID, "error", err)
	}
	if s.Geo != nil {
		_ = s.Geo.Upsert(ctx, *c)
	}
}

// enrich derives distance-to-destination, ETA and progress for a ping.
func (s *Service) enrich(a *models.DeliveryAssignment, p *models.TrackingPing) *EnrichedPing {
	dest := a.Delivery
	if beforePickup(a.Status) {
		dest = a.Pickup
	}
	left := geo.Haversine(p.Loc, dest)
	speed := s.AvgSpeedKmh
	if p.SpeedKmh > 0 {
		speed = p.SpeedKmh
	}
	eta := 0.0
	if speed > 0 {
		eta = left / speed * 60
	}
	return &EnrichedPing{
		Ping:            p,
		Status:          a.Status,
		DistanceLeftKm:  left,
		ETAMin:          eta,
		ProgressPercent: s.progressFor(a, p),
	}
}

func beforePickup(st models.AssignmentStatus) bool {
	switch st {
	case models.StatusPending, models.StatusAssigned,
		models.StatusEnRouteToPickup, models.StatusArrivedAtPickup:
		return true
	}
	return false
}

// statusProgress maps each lifecycle status to a baseline percentage.
var statusProgress = map[models.AssignmentStatus]int{
	models.StatusPending:           0,
	models.StatusAssigned:          10,
	models.StatusEnRouteToPickup:   15,
	models.StatusArrivedAtPickup:   25,
	models.StatusPickedUp:          30,
	models.StatusInTransit:         60,
	models.StatusArrivedAtDelivery: 75,
	models.StatusOutForDelivery:    80,
	models.StatusDelivered:         100,
	models.StatusFailed:            0,
	models.StatusCancelled:         0,
	models.StatusReturned:          0,
}

// progressFor takes the larger of the status baseline and the fraction of
// the originally estimated distance already covered. Failure states stick
// at their baseline of zero; distance already covered no longer counts.
func (s *Service) progressFor(a *models.DeliveryAssignment, latest *models.TrackingPing) int {
	pct := statusProgress[a.Status]
	switch a.Status {
	case models.StatusFailed, models.StatusReturned:
		return pct
	}
	if latest == nil || a.EstimatedKm <= 0 || a.Status.Terminal() {
		return pct
	}
	left := geo.Haversine(latest.Loc, a.Delivery)
	covered := a.EstimatedKm - left
	if covered > 0 {
		byDistance := int(math.Round(covered / a.EstimatedKm * 100))
		if byDistance > 100 {
			byDistance = 100
		}
		if byDistance > pct {
			pct = byDistance
		}
	}
	return pct
}

// ProgressReport is the computed progress/ETA answer for an assignment.
type ProgressReport struct {
	AssignmentID    string                  `json:"assignment_id"`
	Status          models.AssignmentStatus `json:"status"`
	ProgressPercent int                     `json:"progress_percent"`
	DistanceLeftKm  float64                 `json:"distance_left_km,omitempty"`
	ETAMin          float64                 `json:"eta_min,omitempty"`
	LastPingAt      *time.Time              `json:"last_ping_at,omitempty"`
}

// Progress reports the assignment's completion estimate, refined with the
// latest tracking sample when one exists.
func (s *Service) Progress(ctx context.Context, assignmentID string) (*ProgressReport, error) {
	a, err := s.Assignments.GetAssignment(ctx, assignmentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, derr.Newf(derr.CodeNotFound, "assignment %s not found", assignmentID)
	}
	if err != nil {
		return nil, derr.Wrap(derr.CodeInternal, "load assignment", err)
	}
	report := &ProgressReport{AssignmentID: a.ID, Status: a.Status}

	history, err := s.Pings.PingHistory(ctx, assignmentID, 1, time.Time{})
	if err != nil {
		return nil, derr.Wrap(derr.CodeInternal, "load ping history", err)
	}
	var latest *models.TrackingPing
	if len(history) > 0 {
		latest = history[0]
		enriched := s.enrich(a, latest)
		report.DistanceLeftKm = enriched.DistanceLeftKm
		report.ETAMin = enriched.ETAMin
		report.LastPingAt = &latest.RecordedAt
	}
	report.ProgressPercent = s.progressFor(a, latest)
	return report, nil
}

// History returns an assignment's pings, newest first.
func (s *Service) History(ctx context.Context, assignmentID string, limit int, since time.Time) ([]*models.TrackingPing, error) {
	out, err := s.Pings.PingHistory(ctx, assignmentID, limit, since)
	if err != nil {
		return nil, derr.Wrap(derr.CodeInternal, "load ping history", err)
	}
	return out, nil
}

// Prune deletes pings older than the retention window.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.Cfg.Retention)
	n, err := s.Pings.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, derr.Wrap(derr.CodeInternal, "prune tracking history", err)
	}
	if n > 0 && s.Logger != nil {
		s.Logger.Info("tracking history pruned", "removed", n, "cutoff", cutoff)
	}
	return n, nil
}

// SubscribeRoom joins an observer to an assignment's room after checking
// entitlement: the assigned courier, the job requester, or an operator.
// Unauthorized attempts never create a room.
func (s *Service) SubscribeRoom(ctx context.Context, assignmentID string, id auth.Identity, obs Observer) (*RoomState, error) {
	a, err := s.Assignments.GetAssignment(ctx, assignmentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, derr.Newf(derr.CodeNotFound, "assignment %s not found", assignmentID)
	}
	if err != nil {
		return nil, derr.Wrap(derr.CodeInternal, "load assignment", err)
	}
	if !s.entitled(a, id) {
		return nil, derr.New(derr.CodeUnauthorized, "not entitled to this tracking room").
			With("assignment_id", assignmentID).
			With("role", string(id.Role))
	}
	state := s.Hub.Subscribe(assignmentID, obs)
	return &state, nil
}

func (s *Service) entitled(a *models.DeliveryAssignment, id auth.Identity) bool {
	switch id.Role {
	case auth.RoleOperator:
		return true
	case auth.RoleCourier:
		return id.Subject == a.CourierID
	case auth.RoleRequester:
		return id.Subject == a.RequesterID
	}
	return false
}

// Announce pushes an operator announcement into one assignment's room.
func (s *Service) Announce(ctx context.Context, assignmentID string, id auth.Identity, payload any) error {
	if id.Role != auth.RoleOperator {
		return derr.New(derr.CodeUnauthorized, "room announcements require an operator token")
	}
	if _, err := s.Assignments.GetAssignment(ctx, assignmentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return derr.Newf(derr.CodeNotFound, "assignment %s not found", assignmentID)
		}
		return derr.Wrap(derr.CodeInternal, "load assignment", err)
	}
	s.Hub.Broadcast(assignmentID, RoomEvent{Type: "broadcast", Payload: payload})
	return nil
}

// CleanupRooms runs the periodic room sweep against current assignment
// statuses.
func (s *Service) CleanupRooms(ctx context.Context) int {
	return s.Hub.Cleanup(s.Cfg.RoomInactivity, func(assignmentID string) bool {
		a, err := s.Assignments.GetAssignment(ctx, assignmentID)
		if err != nil {
			return false
		}
		return a.Status.Active()
	})
}
