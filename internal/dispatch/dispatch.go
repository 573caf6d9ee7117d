// Package dispatch delivers new-assignment offers to courier devices: the
// live websocket first, FCM as fallback.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/courier-dispatch/internal/models"
)

// Dispatcher fans an assignment offer out to the courier's active channel.
type Dispatcher struct {
	WS     *WSRegistry
	FCM    *FCMNotifier // optional
	Logger *slog.Logger
}

func NewDispatcher(ws *WSRegistry, fcm *FCMNotifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{WS: ws, FCM: fcm, Logger: logger}
}

type assignmentOffer struct {
	Type         string             `json:"type"`
	AssignmentID string             `json:"assignment_id"`
	JobID        string             `json:"job_id"`
	Pickup       models.Coord       `json:"pickup"`
	Delivery     models.Coord       `json:"delivery"`
	Priority     models.JobPriority `json:"priority,omitempty"`
	Fee          float64            `json:"fee"`
	EstimatedKm  float64            `json:"estimated_km"`
}

// NotifyAssignment pushes the offer over the courier's websocket when one is
// connected, otherwise falls back to FCM.
func (d *Dispatcher) NotifyAssignment(ctx context.Context, courierID string, a *models.DeliveryAssignment) error {
	offer := assignmentOffer{
		Type:         "assignment_offer",
		AssignmentID: a.ID,
		JobID:        a.JobID,
		Pickup:       a.Pickup,
		Delivery:     a.Delivery,
		Priority:     a.Priority,
		Fee:          a.Fee,
		EstimatedKm:  a.EstimatedKm,
	}
	if d.WS != nil {
		if err := d.WS.Push(courierID, offer); err == nil {
			return nil
		}
	}
	if d.FCM != nil {
		if err := d.FCM.Push(ctx, courierID, offer); err != nil {
			if d.Logger != nil {
				d.Logger.Warn("fcm offer failed", "courier_id", courierID, "assignment_id", a.ID, "error", err)
			}
			return err
		}
		return nil
	}
	return ErrNoSession
}
