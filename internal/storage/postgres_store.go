package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/courier-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveAssignment(ctx context.Context, a *models.DeliveryAssignment) error {
	log, err := json.Marshal(a.StatusLog)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO assignments(
			id, job_id, courier_id, requester_id,
			pickup_lat, pickup_lon, delivery_lat, delivery_lon,
			status, status_log, fee, commission, weight_kg, priority,
			estimated_km, payment_intent_id, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		a.ID, a.JobID, a.CourierID, a.RequesterID,
		a.Pickup.Lat, a.Pickup.Lon, a.Delivery.Lat, a.Delivery.Lon,
		string(a.Status), log, a.Fee, a.Commission, a.WeightKg, string(a.Priority),
		a.EstimatedKm, a.PaymentIntentID, a.CreatedAt, a.UpdatedAt)
	return err
}

func (p *PostgresStore) GetAssignment(ctx context.Context, id string) (*models.DeliveryAssignment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, job_id, courier_id, requester_id,
			pickup_lat, pickup_lon, delivery_lat, delivery_lon,
			status, status_log, fee, commission, weight_kg, priority,
			estimated_km, payment_intent_id, created_at, updated_at
		FROM assignments WHERE id = $1`, id)
	return scanAssignment(row)
}

func (p *PostgresStore) UpdateAssignment(ctx context.Context, a *models.DeliveryAssignment) error {
	log, err := json.Marshal(a.StatusLog)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE assignments SET courier_id=$1, status=$2, status_log=$3,
			fee=$4, commission=$5, payment_intent_id=$6, updated_at=$7
		WHERE id=$8`,
		a.CourierID, string(a.Status), log, a.Fee, a.Commission,
		a.PaymentIntentID, time.Now(), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ActiveAssignmentByJob(ctx context.Context, jobID string) (*models.DeliveryAssignment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, job_id, courier_id, requester_id,
			pickup_lat, pickup_lon, delivery_lat, delivery_lon,
			status, status_log, fee, commission, weight_kg, priority,
			estimated_km, payment_intent_id, created_at, updated_at
		FROM assignments
		WHERE job_id = $1 AND status NOT IN ('delivered','cancelled')
		ORDER BY created_at DESC LIMIT 1`, jobID)
	return scanAssignment(row)
}

func (p *PostgresStore) OpenAssignmentsByCourier(ctx context.Context, courierID string) ([]*models.DeliveryAssignment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, job_id, courier_id, requester_id,
			pickup_lat, pickup_lon, delivery_lat, delivery_lon,
			status, status_log, fee, commission, weight_kg, priority,
			estimated_km, payment_intent_id, created_at, updated_at
		FROM assignments
		WHERE courier_id = $1 AND status IN (
			'assigned','en_route_to_pickup','arrived_at_pickup','picked_up',
			'in_transit','arrived_at_delivery','out_for_delivery')
		ORDER BY created_at ASC`, courierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.DeliveryAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (*models.DeliveryAssignment, error) {
	var a models.DeliveryAssignment
	var status, priority string
	var log []byte
	err := row.Scan(&a.ID, &a.JobID, &a.CourierID, &a.RequesterID,
		&a.Pickup.Lat, &a.Pickup.Lon, &a.Delivery.Lat, &a.Delivery.Lon,
		&status, &log, &a.Fee, &a.Commission, &a.WeightKg, &priority,
		&a.EstimatedKm, &a.PaymentIntentID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = models.AssignmentStatus(status)
	a.Priority = models.JobPriority(priority)
	if len(log) > 0 {
		if err := json.Unmarshal(log, &a.StatusLog); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func (p *PostgresStore) SaveCourier(ctx context.Context, c *models.CourierProfile) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO couriers(id, name, vehicle_type, capacity_kg, lat, lon,
			loc_updated, availability, online, verified, active, rating,
			completed, failed, avg_delivery_min)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, vehicle_type=EXCLUDED.vehicle_type,
			capacity_kg=EXCLUDED.capacity_kg, lat=EXCLUDED.lat, lon=EXCLUDED.lon,
			loc_updated=EXCLUDED.loc_updated, availability=EXCLUDED.availability,
			online=EXCLUDED.online, verified=EXCLUDED.verified,
			active=EXCLUDED.active, rating=EXCLUDED.rating,
			completed=EXCLUDED.completed, failed=EXCLUDED.failed,
			avg_delivery_min=EXCLUDED.avg_delivery_min`,
		c.ID, c.Name, c.VehicleType, c.CapacityKg, c.Loc.Lat, c.Loc.Lon,
		c.LocUpdated, string(c.Availability), c.Online, c.Verified, c.Active,
		c.Rating, c.Completed, c.Failed, c.AvgDeliveryMin)
	return err
}

func (p *PostgresStore) GetCourier(ctx context.Context, id string) (*models.CourierProfile, error) {
	var c models.CourierProfile
	var availability string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, vehicle_type, capacity_kg, lat, lon, loc_updated,
			availability, online, verified, active, rating, completed, failed,
			avg_delivery_min
		FROM couriers WHERE id = $1`, id).Scan(
		&c.ID, &c.Name, &c.VehicleType, &c.CapacityKg, &c.Loc.Lat, &c.Loc.Lon,
		&c.LocUpdated, &availability, &c.Online, &c.Verified, &c.Active,
		&c.Rating, &c.Completed, &c.Failed, &c.AvgDeliveryMin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Availability = models.Availability(availability)
	return &c, nil
}

func (p *PostgresStore) UpdateCourier(ctx context.Context, c *models.CourierProfile) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE couriers SET lat=$1, lon=$2, loc_updated=$3, availability=$4,
			online=$5, rating=$6, completed=$7, failed=$8, avg_delivery_min=$9
		WHERE id=$10`,
		c.Loc.Lat, c.Loc.Lon, c.LocUpdated, string(c.Availability), c.Online,
		c.Rating, c.Completed, c.Failed, c.AvgDeliveryMin, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Routes persist as one row with the stop sequence and alternates in JSON;
// routes are superseded, never mutated, so there is no update path.
func (p *PostgresStore) SaveRoute(ctx context.Context, r *models.OptimizedRoute) error {
	blob, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO routes(id, courier_id, body, created_at, expires_at)
		VALUES($1,$2,$3,$4,$5)`,
		r.ID, r.CourierID, blob, r.CreatedAt, r.ExpiresAt)
	return err
}

func (p *PostgresStore) GetRoute(ctx context.Context, id string) (*models.OptimizedRoute, error) {
	var blob []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM routes WHERE id = $1`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r models.OptimizedRoute
	if err := json.Unmarshal(blob, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) SavePing(ctx context.Context, ping *models.TrackingPing) error {
	var status sql.NullString
	if ping.Status != nil {
		status = sql.NullString{String: string(*ping.Status), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tracking_pings(id, assignment_id, courier_id, lat, lon,
			accuracy_m, speed_kmh, heading_deg, battery, status, note, recorded_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		ping.ID, ping.AssignmentID, ping.CourierID, ping.Loc.Lat, ping.Loc.Lon,
		ping.AccuracyM, ping.SpeedKmh, ping.HeadingDeg, ping.Battery, status,
		ping.Note, ping.RecordedAt)
	return err
}

func (p *PostgresStore) PingHistory(ctx context.Context, assignmentID string, limit int, since time.Time) ([]*models.TrackingPing, error) {
	q := `SELECT id, assignment_id, courier_id, lat, lon, accuracy_m,
			speed_kmh, heading_deg, battery, status, note, recorded_at
		FROM tracking_pings WHERE assignment_id = $1`
	args := []any{assignmentID}
	if !since.IsZero() {
		args = append(args, since)
		q += ` AND recorded_at >= $2`
	}
	q += ` ORDER BY recorded_at DESC`
	if limit > 0 {
		args = append(args, limit)
		q += ` LIMIT $` + strconv.Itoa(len(args))
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.TrackingPing
	for rows.Next() {
		var ping models.TrackingPing
		var status sql.NullString
		if err := rows.Scan(&ping.ID, &ping.AssignmentID, &ping.CourierID,
			&ping.Loc.Lat, &ping.Loc.Lon, &ping.AccuracyM, &ping.SpeedKmh,
			&ping.HeadingDeg, &ping.Battery, &status, &ping.Note, &ping.RecordedAt); err != nil {
			return nil, err
		}
		if status.Valid {
			s := models.AssignmentStatus(status.String)
			ping.Status = &s
		}
		out = append(out, &ping)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LastPingAt(ctx context.Context, assignmentID, courierID string) (time.Time, error) {
	var t time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT recorded_at FROM tracking_pings
		WHERE assignment_id = $1 AND courier_id = $2
		ORDER BY recorded_at DESC LIMIT 1`, assignmentID, courierID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM tracking_pings WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
