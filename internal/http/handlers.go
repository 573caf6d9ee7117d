// Package httpapi exposes the dispatch engine over REST and websocket.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/courier-dispatch/internal/auth"
	"github.com/example/courier-dispatch/internal/derr"
	"github.com/example/courier-dispatch/internal/dispatch"
	"github.com/example/courier-dispatch/internal/matching"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/routeopt"
	"github.com/example/courier-dispatch/internal/storage"
	"github.com/example/courier-dispatch/internal/tracking"
)

type Server struct {
	Matching *matching.Service
	Routing  *routeopt.Service
	Tracking *tracking.Service
	Store    storage.Store
	Auth     *auth.Verifier
	WSReg    *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(m *matching.Service, r *routeopt.Service, t *tracking.Service, store storage.Store, verifier *auth.Verifier, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		Matching: m,
		Routing:  r,
		Tracking: t,
		Store:    store,
		Auth:     verifier,
		WSReg:    wsreg,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/assignments", s.handleCreateAssignment).Methods("POST")
	api.HandleFunc("/assignments/{id}", s.handleGetAssignment).Methods("GET")
	api.HandleFunc("/assignments/{id}/status", s.handleUpdateStatus).Methods("POST")
	api.HandleFunc("/assignments/{id}/progress", s.handleProgress).Methods("GET")
	api.HandleFunc("/assignments/{id}/tracking", s.handleHistory).Methods("GET")
	api.HandleFunc("/assignments/conflicts", s.handleResolveConflict).Methods("POST")

	api.HandleFunc("/tracking/pings", s.handlePing).Methods("POST")
	api.HandleFunc("/tracking/history", s.handlePrune).Methods("DELETE")

	api.HandleFunc("/routes/optimize", s.handleOptimizeRoute).Methods("POST")
	api.HandleFunc("/routes/{id}", s.handleGetRoute).Methods("GET")
	api.HandleFunc("/routes/{id}/adjust", s.handleAdjustRoute).Methods("POST")

	api.HandleFunc("/couriers/{id}", s.handleUpsertCourier).Methods("PUT")

	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// statusFor maps error codes onto HTTP statuses.
func statusFor(code derr.Code) int {
	switch code {
	case derr.CodeInvalidArgument, derr.CodeInvalidCoordinates, derr.CodeInvalidPing:
		return http.StatusBadRequest
	case derr.CodeUnauthorized:
		return http.StatusUnauthorized
	case derr.CodeNotFound:
		return http.StatusNotFound
	case derr.CodeAssignmentExists, derr.CodeInvalidTransition:
		return http.StatusConflict
	case derr.CodeCourierNotAvailable, derr.CodeCourierOverloaded:
		return http.StatusUnprocessableEntity
	case derr.CodePingThrottled:
		return http.StatusTooManyRequests
	case derr.CodeRouteExpired:
		return http.StatusGone
	case derr.CodeNoCouriersAvailable, derr.CodeProviderDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil && s.logger != nil {
			s.logger.Warn("response encode failed", "error", err)
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	var de *derr.Error
	if !errors.As(err, &de) {
		de = derr.Wrap(derr.CodeInternal, "unexpected error", err)
	}
	status := statusFor(de.Code)
	if status >= 500 && s.logger != nil {
		s.logger.Error("request failed", "code", string(de.Code), "error", err)
	}
	s.respond(w, status, map[string]any{"error": de})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, derr.Wrap(derr.CodeInvalidArgument, "malformed request body", err))
		return false
	}
	return true
}

type createAssignmentRequest struct {
	Job         models.Job              `json:"job"`
	Constraints models.MatchConstraints `json:"constraints"`
}

func (s *Server) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	var req createAssignmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Job.ID == "" {
		s.respondError(w, derr.New(derr.CodeInvalidArgument, "job.id is required"))
		return
	}
	a, err := s.Matching.Assign(r.Context(), req.Job, req.Constraints)
	if err != nil {
		// a matching failure comes back with a suggested resolution
		if code := derr.CodeOf(err); code == derr.CodeNoCouriersAvailable || code == derr.CodeCourierOverloaded {
			if res, rerr := s.Matching.ResolveConflict(r.Context(), req.Job, code); rerr == nil {
				var de *derr.Error
				errors.As(err, &de)
				s.respond(w, statusFor(code), map[string]any{"error": de, "resolution": res})
				return
			}
		}
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, a)
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, err := s.Store.GetAssignment(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, derr.Newf(derr.CodeNotFound, "assignment %s not found", id))
		return
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, a)
}

type updateStatusRequest struct {
	Status models.AssignmentStatus `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.Tracking.UpdateStatus(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, a)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	report, err := s.Tracking.Progress(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, report)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, derr.Wrap(derr.CodeInvalidArgument, "since must be RFC3339", err))
			return
		}
		since = t
	}
	pings, err := s.Tracking.History(r.Context(), mux.Vars(r)["id"], limit, since)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"pings": pings, "count": len(pings)})
}

type resolveConflictRequest struct {
	Job    models.Job `json:"job"`
	Reason string     `json:"reason"`
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveConflictRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Matching.ResolveConflict(r.Context(), req.Job, derr.Code(req.Reason))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var ping models.TrackingPing
	if !s.decode(w, r, &ping) {
		return
	}
	if id, ok := s.identity(r); ok && id.Role == auth.RoleCourier && id.Subject != ping.CourierID {
		s.respondError(w, derr.New(derr.CodeUnauthorized, "token subject does not match courier_id"))
		return
	}
	enriched, err := s.Tracking.Ingest(r.Context(), ping)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, enriched)
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(r)
	if !ok || id.Role != auth.RoleOperator {
		s.respondError(w, derr.New(derr.CodeUnauthorized, "history pruning requires an operator token"))
		return
	}
	n, err := s.Tracking.Prune(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"removed": n})
}

type optimizeRouteRequest struct {
	CourierID string                  `json:"courier_id"`
	Start     *models.Coord           `json:"start,omitempty"`
	Prefs     models.RoutePreferences `json:"preferences"`
	Traffic   models.TrafficCondition `json:"traffic,omitempty"`
}

func (s *Server) handleOptimizeRoute(w http.ResponseWriter, r *http.Request) {
	var req optimizeRouteRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.CourierID == "" {
		s.respondError(w, derr.New(derr.CodeInvalidArgument, "courier_id is required"))
		return
	}
	open, err := s.Store.OpenAssignmentsByCourier(r.Context(), req.CourierID)
	if err != nil {
		s.respondError(w, derr.Wrap(derr.CodeInternal, "load open assignments", err))
		return
	}
	start := models.Coord{}
	if req.Start != nil {
		start = *req.Start
	} else if c, err := s.Store.GetCourier(r.Context(), req.CourierID); err == nil {
		start = c.Loc
	}
	route, err := s.Routing.Optimize(r.Context(), routeopt.OptimizeRequest{
		CourierID:   req.CourierID,
		Start:       start,
		Assignments: open,
		Prefs:       req.Prefs,
		Traffic:     req.Traffic,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, route)
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	route, err := s.Store.GetRoute(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, derr.Newf(derr.CodeNotFound, "route %s not found", id))
		return
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	if route.IsExpired(time.Now()) {
		s.respondError(w, derr.Newf(derr.CodeRouteExpired, "route %s has expired, re-optimize", id).
			With("expired_at", route.ExpiresAt))
		return
	}
	s.respond(w, http.StatusOK, route)
}

type adjustRouteRequest struct {
	Reason      models.AdjustReason      `json:"reason"`
	Traffic     models.TrafficCondition  `json:"traffic,omitempty"`
	CourierLoc  *models.Coord            `json:"courier_loc,omitempty"`
	CancelJobID string                   `json:"cancel_job_id,omitempty"`
	AddJobIDs   []string                 `json:"add_job_ids,omitempty"`
	Prefs       *models.RoutePreferences `json:"preferences,omitempty"`
}

func (s *Server) handleAdjustRoute(w http.ResponseWriter, r *http.Request) {
	var req adjustRouteRequest
	if !s.decode(w, r, &req) {
		return
	}
	var add []*models.DeliveryAssignment
	for _, jobID := range req.AddJobIDs {
		a, err := s.Store.ActiveAssignmentByJob(r.Context(), jobID)
		if err != nil {
			s.respondError(w, derr.Newf(derr.CodeNotFound, "no active assignment for job %s", jobID))
			return
		}
		add = append(add, a)
	}
	route, err := s.Routing.Adjust(r.Context(), mux.Vars(r)["id"], routeopt.AdjustRequest{
		Reason:      req.Reason,
		Traffic:     req.Traffic,
		CourierLoc:  req.CourierLoc,
		CancelJobID: req.CancelJobID,
		Add:         add,
		Prefs:       req.Prefs,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, route)
}

// handleUpsertCourier registers or refreshes a courier profile and seeds
// the geo index.
func (s *Server) handleUpsertCourier(w http.ResponseWriter, r *http.Request) {
	var c models.CourierProfile
	if !s.decode(w, r, &c) {
		return
	}
	c.ID = mux.Vars(r)["id"]
	if c.ID == "" {
		s.respondError(w, derr.New(derr.CodeInvalidArgument, "courier id is required"))
		return
	}
	if c.LocUpdated.IsZero() {
		c.LocUpdated = time.Now()
	}
	if err := s.Store.SaveCourier(r.Context(), &c); err != nil {
		s.respondError(w, derr.Wrap(derr.CodeInternal, "save courier", err))
		return
	}
	if s.Matching != nil && s.Matching.Geo != nil {
		if err := s.Matching.Geo.Upsert(r.Context(), c); err != nil {
			s.respondError(w, derr.Wrap(derr.CodeInternal, "geo upsert", err))
			return
		}
	}
	if c.Online {
		observability.CouriersOnline.Inc()
	}
	s.respond(w, http.StatusOK, &c)
}

// identity extracts and verifies the bearer token, when one is present.
func (s *Server) identity(r *http.Request) (auth.Identity, bool) {
	if s.Auth == nil {
		return auth.Identity{}, false
	}
	token := bearerToken(r)
	if token == "" {
		return auth.Identity{}, false
	}
	id, err := s.Auth.Verify(token)
	if err != nil {
		return auth.Identity{}, false
	}
	return id, true
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("token")
}
