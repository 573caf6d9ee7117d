package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Availability is a courier's duty state.
type Availability string

const (
	AvailabilityAvailable Availability = "available"
	AvailabilityBusy      Availability = "busy"
	AvailabilityOffline   Availability = "offline"
	AvailabilityOnBreak   Availability = "on_break"
)

type CourierProfile struct {
	ID             string       `json:"id"`
	Name           string       `json:"name,omitempty"`
	VehicleType    string       `json:"vehicle_type"` // bicycle, motorbike, car, van
	CapacityKg     float64      `json:"capacity_kg"`
	Loc            Coord        `json:"loc"`
	LocUpdated     time.Time    `json:"loc_updated"`
	Availability   Availability `json:"availability"`
	Online         bool         `json:"online"`
	Verified       bool         `json:"verified"`
	Active         bool         `json:"active"` // false once suspended
	Rating         float64      `json:"rating"` // 0..5
	Completed      int          `json:"completed"`
	Failed         int          `json:"failed"`
	AvgDeliveryMin float64      `json:"avg_delivery_min"`
}

type JobPriority string

const (
	PriorityLow    JobPriority = "low"
	PriorityMedium JobPriority = "medium"
	PriorityHigh   JobPriority = "high"
	PriorityUrgent JobPriority = "urgent"
)

// Job is a delivery request; an Assignment binds it to a courier.
type Job struct {
	ID              string      `json:"id"`
	RequesterID     string      `json:"requester_id"`
	Pickup          Coord       `json:"pickup"`
	Delivery        Coord       `json:"delivery"`
	PickupAddress   string      `json:"pickup_address,omitempty"`
	DeliveryAddress string      `json:"delivery_address,omitempty"`
	WeightKg        float64     `json:"weight_kg,omitempty"`
	Priority        JobPriority `json:"priority,omitempty"`
	ValueAmount     float64     `json:"value_amount,omitempty"`
	ScheduledAt     *time.Time  `json:"scheduled_at,omitempty"`
}

type AssignmentStatus string

const (
	StatusPending           AssignmentStatus = "pending"
	StatusAssigned          AssignmentStatus = "assigned"
	StatusEnRouteToPickup   AssignmentStatus = "en_route_to_pickup"
	StatusArrivedAtPickup   AssignmentStatus = "arrived_at_pickup"
	StatusPickedUp          AssignmentStatus = "picked_up"
	StatusInTransit         AssignmentStatus = "in_transit"
	StatusArrivedAtDelivery AssignmentStatus = "arrived_at_delivery"
	StatusOutForDelivery    AssignmentStatus = "out_for_delivery"
	StatusDelivered         AssignmentStatus = "delivered"
	StatusFailed            AssignmentStatus = "failed"
	StatusCancelled         AssignmentStatus = "cancelled"
	StatusReturned          AssignmentStatus = "returned"
)

// transitions is the single source of truth for assignment lifecycle legality.
var transitions = map[AssignmentStatus][]AssignmentStatus{
	StatusPending:           {StatusAssigned, StatusCancelled, StatusFailed},
	StatusAssigned:          {StatusEnRouteToPickup, StatusCancelled, StatusFailed},
	StatusEnRouteToPickup:   {StatusArrivedAtPickup, StatusCancelled, StatusFailed},
	StatusArrivedAtPickup:   {StatusPickedUp, StatusCancelled, StatusFailed},
	StatusPickedUp:          {StatusInTransit, StatusFailed},
	StatusInTransit:         {StatusArrivedAtDelivery, StatusFailed, StatusReturned},
	StatusArrivedAtDelivery: {StatusOutForDelivery, StatusDelivered, StatusFailed, StatusReturned},
	StatusOutForDelivery:    {StatusDelivered, StatusFailed, StatusReturned},
	StatusDelivered:         {},
	StatusFailed:            {StatusAssigned},
	StatusCancelled:         {},
	StatusReturned:          {StatusAssigned},
}

// AllowedTransitions returns the legal next statuses from s.
func AllowedTransitions(s AssignmentStatus) []AssignmentStatus {
	next := transitions[s]
	out := make([]AssignmentStatus, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to AssignmentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
// failed and returned are re-assignable and therefore not terminal.
func (s AssignmentStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Active reports whether a courier is actively working the assignment.
func (s AssignmentStatus) Active() bool {
	switch s {
	case StatusAssigned, StatusEnRouteToPickup, StatusArrivedAtPickup,
		StatusPickedUp, StatusInTransit, StatusArrivedAtDelivery, StatusOutForDelivery:
		return true
	}
	return false
}

type StatusChange struct {
	Status AssignmentStatus `json:"status"`
	At     time.Time        `json:"at"`
}

type DeliveryAssignment struct {
	ID          string           `json:"id"`
	JobID       string           `json:"job_id"`
	CourierID   string           `json:"courier_id,omitempty"`
	RequesterID string           `json:"requester_id"`
	Pickup      Coord            `json:"pickup"`
	Delivery    Coord            `json:"delivery"`
	Status      AssignmentStatus `json:"status"`
	StatusLog   []StatusChange   `json:"status_log,omitempty"`
	Fee         float64          `json:"fee"`
	Commission  float64          `json:"commission"`
	WeightKg    float64          `json:"weight_kg,omitempty"`
	Priority    JobPriority      `json:"priority,omitempty"`
	// EstimatedKm is the direct pickup->delivery distance captured at
	// assignment time; progress refinement compares covered distance to it.
	EstimatedKm     float64   `json:"estimated_km"`
	PaymentIntentID string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type WaypointKind string

const (
	WaypointPickup   WaypointKind = "pickup"
	WaypointDelivery WaypointKind = "delivery"
)

// Waypoint is one stop in a courier's route. Waypoints are recomputed per
// optimization request and only persist as part of a stored route.
type Waypoint struct {
	JobID      string       `json:"job_id"`
	Kind       WaypointKind `json:"kind"`
	Address    string       `json:"address,omitempty"`
	Loc        Coord        `json:"loc"`
	ServiceMin float64      `json:"service_min"`
}

// RouteStop is a waypoint placed in an optimized sequence, with its
// accumulated arrival estimate.
type RouteStop struct {
	Waypoint
	Seq          int       `json:"seq"`
	EstimatedETA time.Time `json:"estimated_eta"`
}

type TrafficCondition string

const (
	TrafficLight    TrafficCondition = "light"
	TrafficModerate TrafficCondition = "moderate"
	TrafficHeavy    TrafficCondition = "heavy"
)

// TrafficAdjustment records a traffic multiplier applied to a route so the
// original estimate stays auditable.
type TrafficAdjustment struct {
	Segment     string           `json:"segment"`
	Condition   TrafficCondition `json:"condition"`
	OriginalMin float64          `json:"original_min"`
	AdjustedMin float64          `json:"adjusted_min"`
	Factor      float64          `json:"factor"`
}

// OptimizeFor selects the optimizer's objective.
type OptimizeFor string

const (
	OptimizeBalanced OptimizeFor = "balanced"
	OptimizeDistance OptimizeFor = "distance"
	OptimizeTime     OptimizeFor = "time"
)

type RoutePreferences struct {
	Objective        OptimizeFor `json:"objective,omitempty"`
	AvoidHighways    bool        `json:"avoid_highways,omitempty"`
	PickupServiceMin float64     `json:"pickup_service_min,omitempty"`
	DropServiceMin   float64     `json:"drop_service_min,omitempty"`
}

type OptimizedRoute struct {
	ID          string             `json:"id"`
	CourierID   string             `json:"courier_id"`
	JobIDs      []string           `json:"job_ids"`
	Start       Coord              `json:"start"`
	Stops       []RouteStop        `json:"stops"`
	DistanceKm  float64            `json:"distance_km"`
	DurationMin float64            `json:"duration_min"`
	FuelCost    float64            `json:"fuel_cost"`
	Efficiency  int                `json:"efficiency"` // 0..100 vs naive baseline
	Traffic     *TrafficAdjustment `json:"traffic,omitempty"`
	Source      string             `json:"source"` // "provider" or "heuristic"
	Alternates  []*OptimizedRoute  `json:"alternates,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

// IsExpired reports whether the route may no longer be served from cache.
func (r *OptimizedRoute) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// AdjustReason drives route re-derivation strategy.
type AdjustReason string

const (
	AdjustTraffic        AdjustReason = "traffic"
	AdjustDelay          AdjustReason = "delay"
	AdjustPriorityChange AdjustReason = "priority_change"
	AdjustNewAssignment  AdjustReason = "new_assignment"
	AdjustCancellation   AdjustReason = "cancellation"
)

// TrackingPing is one validated location sample. Append-only.
type TrackingPing struct {
	ID           string            `json:"id"`
	AssignmentID string            `json:"assignment_id"`
	CourierID    string            `json:"courier_id"`
	Loc          Coord             `json:"loc"`
	AccuracyM    float64           `json:"accuracy_m,omitempty"`
	SpeedKmh     float64           `json:"speed_kmh,omitempty"`
	HeadingDeg   float64           `json:"heading_deg,omitempty"`
	Battery      float64           `json:"battery,omitempty"`
	Status       *AssignmentStatus `json:"status,omitempty"`
	Note         string            `json:"note,omitempty"`
	RecordedAt   time.Time         `json:"recorded_at"`
}

// MatchConstraints narrows candidate selection for one assignment request.
type MatchConstraints struct {
	CourierID       string  `json:"courier_id,omitempty"` // manual override
	RequiredVehicle string  `json:"required_vehicle,omitempty"`
	MinRating       float64 `json:"min_rating,omitempty"`
	SearchRadiusKm  float64 `json:"search_radius_km,omitempty"`
}

// ScoreBreakdown explains how one candidate was ranked.
type ScoreBreakdown struct {
	CourierID    string  `json:"courier_id"`
	DistanceKm   float64 `json:"distance_km"`
	Distance     float64 `json:"distance_score"`
	Rating       float64 `json:"rating_score"`
	Experience   float64 `json:"experience_score"`
	Workload     float64 `json:"workload_score"`
	Availability float64 `json:"availability_score"`
	Bonus        float64 `json:"bonus"`
	Total        float64 `json:"total"`
}

// ConflictAction is the closed set of outcomes from conflict resolution.
type ConflictAction string

const (
	ActionReassign ConflictAction = "reassign"
	ActionQueue    ConflictAction = "queue"
	ActionEscalate ConflictAction = "escalate"
	ActionReject   ConflictAction = "reject"
)

type ConflictResolution struct {
	Action       ConflictAction   `json:"action"`
	Alternatives []ScoreBreakdown `json:"alternatives,omitempty"`
	DelayMin     float64          `json:"delay_min,omitempty"`
	Detail       string           `json:"detail,omitempty"`
}
