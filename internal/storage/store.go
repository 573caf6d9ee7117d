package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

// ErrNotFound is returned for lookups that match nothing. Services wrap it
// with a coded error before it reaches a caller.
var ErrNotFound = errors.New("storage: not found")

// AssignmentStore defines persistence operations for delivery assignments.
type AssignmentStore interface {
	SaveAssignment(ctx context.Context, a *models.DeliveryAssignment) error
	GetAssignment(ctx context.Context, id string) (*models.DeliveryAssignment, error)
	UpdateAssignment(ctx context.Context, a *models.DeliveryAssignment) error
	// ActiveAssignmentByJob returns the job's non-terminal assignment, if any.
	ActiveAssignmentByJob(ctx context.Context, jobID string) (*models.DeliveryAssignment, error)
	// OpenAssignmentsByCourier returns the courier's assignments in an
	// active status, oldest first.
	OpenAssignmentsByCourier(ctx context.Context, courierID string) ([]*models.DeliveryAssignment, error)
}

type CourierStore interface {
	SaveCourier(ctx context.Context, c *models.CourierProfile) error
	GetCourier(ctx context.Context, id string) (*models.CourierProfile, error)
	UpdateCourier(ctx context.Context, c *models.CourierProfile) error
}

type RouteStore interface {
	SaveRoute(ctx context.Context, r *models.OptimizedRoute) error
	GetRoute(ctx context.Context, id string) (*models.OptimizedRoute, error)
}

type PingStore interface {
	SavePing(ctx context.Context, p *models.TrackingPing) error
	// PingHistory returns pings for an assignment, newest first, bounded by
	// limit (0 means no limit) and since (zero means no lower bound).
	PingHistory(ctx context.Context, assignmentID string, limit int, since time.Time) ([]*models.TrackingPing, error)
	// LastPingAt returns when the courier last pinged for the assignment.
	LastPingAt(ctx context.Context, assignmentID, courierID string) (time.Time, error)
	// PruneBefore deletes pings recorded before cutoff; returns rows removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store aggregates everything the record store collaborator offers.
type Store interface {
	AssignmentStore
	CourierStore
	RouteStore
	PingStore
}
