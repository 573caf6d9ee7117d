package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/courier-dispatch/internal/auth"
	"github.com/example/courier-dispatch/internal/config"
	"github.com/example/courier-dispatch/internal/dispatch"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/logging"
	"github.com/example/courier-dispatch/internal/matching"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/routeopt"
	"github.com/example/courier-dispatch/internal/storage"
	"github.com/example/courier-dispatch/internal/tracking"
)

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore, *geo.MemoryIndex, *auth.Verifier) {
	t.Helper()
	logger := logging.NewLogger("error")
	store := storage.NewMemoryStore()
	idx := geo.NewMemoryIndex()

	matcher := matching.NewService(idx, store, store, config.MatchingConfig{
		SearchRadiusKm: 25, MaxSearchRadiusKm: 50, ConcurrentJobCap: 5, MinRating: 2.0, CandidateLimit: 50,
	}, logger)

	router := &routeopt.Service{
		Routes: store, Assignments: store, Cache: routeopt.NewCache(),
		Cfg: config.RoutingConfig{
			AvgSpeedKmh: 40, PickupServiceMin: 5, DropServiceMin: 10, FuelCostPerKm: 0.15,
			CacheTTL: 30 * time.Minute, ProviderMaxStops: 10,
			TrafficLightFactor: 1.0, TrafficModFactor: 1.3, TrafficHeavyFactor: 1.8,
		},
		Logger: logger,
	}

	hub := tracking.NewHub(logger)
	tracker := &tracking.Service{
		Assignments: store, Couriers: store, Pings: store, Geo: idx, Hub: hub,
		Cfg: config.TrackingConfig{
			MinPingInterval: 10 * time.Second, MaxSpeedKmh: 120, AccuracyWarningM: 100,
			Retention: 72 * time.Hour, RoomInactivity: 30 * time.Minute,
		},
		AvgSpeedKmh: 40,
		Logger:      logger,
	}

	verifier := auth.NewVerifier("test-secret")
	wsreg := dispatch.NewWSRegistry(logger)
	return NewServer(matcher, router, tracker, store, verifier, wsreg, logger), store, idx, verifier
}

func seedCourier(t *testing.T, srv *Server, idx *geo.MemoryIndex) {
	t.Helper()
	body := bytes.NewBufferString(`{
		"vehicle_type": "motorbike", "capacity_kg": 30,
		"loc": {"lat": 40.715, "lon": -74.005},
		"availability": "available", "online": true, "verified": true, "active": true,
		"rating": 4.4, "completed": 80
	}`)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/couriers/c1", body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("seed courier: status %d body %s", rec.Code, rec.Body.String())
	}
	if _, ok := idx.Get("c1"); !ok {
		t.Fatalf("courier missing from geo index")
	}
}

func createAssignment(t *testing.T, srv *Server, jobID string) models.DeliveryAssignment {
	t.Helper()
	payload := map[string]any{"job": map[string]any{
		"id": jobID, "requester_id": "req-1",
		"pickup":   map[string]float64{"lat": 40.7128, "lon": -74.0060},
		"delivery": map[string]float64{"lat": 40.7580, "lon": -73.9855},
		"priority": "medium", "weight_kg": 5,
	}}
	b, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/assignments", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create assignment: status %d body %s", rec.Code, rec.Body.String())
	}
	var a models.DeliveryAssignment
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestCreateAssignmentEndToEnd(t *testing.T) {
	srv, _, idx, _ := newTestServer(t)
	seedCourier(t, srv, idx)

	a := createAssignment(t, srv, "job-1")
	if a.CourierID != "c1" || a.Status != models.StatusAssigned {
		t.Fatalf("assignment = %+v", a)
	}

	// duplicate is a conflict and names the existing assignment
	payload := map[string]any{"job": map[string]any{
		"id": "job-1", "requester_id": "req-1",
		"pickup":   map[string]float64{"lat": 40.7128, "lon": -74.0060},
		"delivery": map[string]float64{"lat": 40.7580, "lon": -73.9855},
	}}
	b, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/assignments", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: status %d", rec.Code)
	}
	var resp struct {
		Error struct {
			Code   string         `json:"code"`
			Detail map[string]any `json:"detail"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error.Code != "assignment_exists" || resp.Error.Detail["assignment_id"] != a.ID {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestCreateAssignmentNoCouriersIncludesResolution(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	payload := map[string]any{"job": map[string]any{
		"id": "job-x", "requester_id": "req-1", "priority": "urgent",
		"pickup":   map[string]float64{"lat": 40.7128, "lon": -74.0060},
		"delivery": map[string]float64{"lat": 40.7580, "lon": -73.9855},
	}}
	b, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/assignments", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Resolution *models.ConflictResolution `json:"resolution"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Resolution == nil || resp.Resolution.Action != models.ActionEscalate {
		t.Fatalf("resolution = %+v", resp.Resolution)
	}
}

func TestStatusUpdateRejectsIllegalTransition(t *testing.T) {
	srv, _, idx, _ := newTestServer(t)
	seedCourier(t, srv, idx)
	a := createAssignment(t, srv, "job-1")

	body := bytes.NewBufferString(`{"status": "delivered"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/assignments/"+a.ID+"/status", body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}

	body = bytes.NewBufferString(`{"status": "en_route_to_pickup"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/assignments/"+a.ID+"/status", body)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("legal transition: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestPingIngestionAndThrottling(t *testing.T) {
	srv, _, idx, _ := newTestServer(t)
	seedCourier(t, srv, idx)
	a := createAssignment(t, srv, "job-1")

	send := func() *httptest.ResponseRecorder {
		payload := map[string]any{
			"assignment_id": a.ID, "courier_id": "c1",
			"loc": map[string]float64{"lat": 40.72, "lon": -74.0}, "speed_kmh": 25,
		}
		b, _ := json.Marshal(payload)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tracking/pings", bytes.NewReader(b))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusAccepted {
		t.Fatalf("first ping: status %d body %s", rec.Code, rec.Body.String())
	}
	if rec := send(); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("rapid ping: status %d", rec.Code)
	}
}

func TestProgressAndHistoryEndpoints(t *testing.T) {
	srv, _, idx, _ := newTestServer(t)
	seedCourier(t, srv, idx)
	a := createAssignment(t, srv, "job-1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/assignments/"+a.ID+"/progress", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress: status %d", rec.Code)
	}
	var report map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report["progress_percent"] != float64(10) {
		t.Fatalf("progress = %v, want 10 for assigned", report["progress_percent"])
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/assignments/"+a.ID+"/tracking", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: status %d", rec.Code)
	}
}

func TestPruneRequiresOperator(t *testing.T) {
	srv, _, _, verifier := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/tracking/history", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous prune: status %d", rec.Code)
	}

	token, err := verifier.Issue("ops-1", auth.RoleOperator, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/tracking/history", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("operator prune: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestOptimizeRouteEndpoint(t *testing.T) {
	srv, _, idx, _ := newTestServer(t)
	seedCourier(t, srv, idx)
	createAssignment(t, srv, "job-1")
	createAssignment(t, srv, "job-2")

	body := bytes.NewBufferString(`{"courier_id": "c1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/routes/optimize", body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("optimize: status %d body %s", rec.Code, rec.Body.String())
	}
	var route models.OptimizedRoute
	if err := json.Unmarshal(rec.Body.Bytes(), &route); err != nil {
		t.Fatal(err)
	}
	if len(route.Stops) != 4 {
		t.Fatalf("stops = %d, want 4 for two jobs", len(route.Stops))
	}

	// fetching it back works until it expires
	req = httptest.NewRequest(http.MethodGet, "/api/v1/routes/"+route.ID, nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get route: status %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}
}
