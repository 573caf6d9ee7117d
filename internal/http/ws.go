package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/courier-dispatch/internal/auth"
	"github.com/example/courier-dispatch/internal/derr"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/tracking"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the envelope for every client frame.
type wsMessage struct {
	Type         string          `json:"type"` // authenticate, join_room, leave_room, location_update, broadcast
	Token        string          `json:"token,omitempty"`
	AssignmentID string          `json:"assignment_id,omitempty"`
	Ping         json.RawMessage `json:"ping,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// wsClient adapts one socket to the tracking hub's Observer.
type wsClient struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex

	identity *auth.Identity
	rooms    map[string]bool
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Send(ev tracking.RoomEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(ev)
}

func (c *wsClient) sendJSON(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = c.conn.WriteJSON(v)
}

func (c *wsClient) sendError(err error) {
	code := derr.CodeOf(err)
	c.sendJSON(map[string]any{"type": "error", "code": string(code), "message": err.Error()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // upgrader already wrote the response
	}
	client := &wsClient{id: uuid.NewString(), conn: conn, rooms: make(map[string]bool)}

	// token may arrive on the query string instead of an authenticate frame
	if tok := r.URL.Query().Get("token"); tok != "" {
		s.wsAuthenticate(client, tok)
	}

	defer s.wsDisconnect(client)
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.wsDispatch(r, client, msg)
	}
}

func (s *Server) wsDispatch(r *http.Request, c *wsClient, msg wsMessage) {
	switch msg.Type {
	case "authenticate":
		s.wsAuthenticate(c, msg.Token)
	case "join_room":
		s.wsJoinRoom(r, c, msg.AssignmentID)
	case "leave_room":
		s.wsLeaveRoom(c, msg.AssignmentID)
	case "location_update":
		s.wsLocationUpdate(r, c, msg.Ping)
	case "broadcast":
		s.wsBroadcast(r, c, msg)
	default:
		c.sendError(derr.Newf(derr.CodeInvalidArgument, "unknown message type %q", msg.Type))
	}
}

func (s *Server) wsAuthenticate(c *wsClient, token string) {
	if s.Auth == nil {
		c.sendError(derr.New(derr.CodeUnauthorized, "authentication is not configured"))
		return
	}
	id, err := s.Auth.Verify(token)
	if err != nil {
		c.sendError(err)
		return
	}
	c.identity = &id
	if id.Role == auth.RoleCourier && s.WSReg != nil {
		s.WSReg.Add(id.Subject, c.conn)
	}
	c.sendJSON(map[string]any{"type": "authenticated", "subject": id.Subject, "role": id.Role})
}

func (s *Server) wsJoinRoom(r *http.Request, c *wsClient, assignmentID string) {
	if c.identity == nil {
		c.sendError(derr.New(derr.CodeUnauthorized, "authenticate before joining a room"))
		return
	}
	if assignmentID == "" {
		c.sendError(derr.New(derr.CodeInvalidArgument, "assignment_id is required"))
		return
	}
	state, err := s.Tracking.SubscribeRoom(r.Context(), assignmentID, *c.identity, c)
	if err != nil {
		c.sendError(err)
		return
	}
	c.rooms[assignmentID] = true
	c.sendJSON(map[string]any{"type": "room_joined", "room": state})
}

func (s *Server) wsLeaveRoom(c *wsClient, assignmentID string) {
	if !c.rooms[assignmentID] {
		return
	}
	delete(c.rooms, assignmentID)
	s.Tracking.Hub.Unsubscribe(assignmentID, c.id)
	c.sendJSON(map[string]any{"type": "room_left", "assignment_id": assignmentID})
}

func (s *Server) wsLocationUpdate(r *http.Request, c *wsClient, raw json.RawMessage) {
	if c.identity == nil || c.identity.Role != auth.RoleCourier {
		c.sendError(derr.New(derr.CodeUnauthorized, "location updates require a courier token"))
		return
	}
	var ping models.TrackingPing
	if err := json.Unmarshal(raw, &ping); err != nil {
		c.sendError(derr.Wrap(derr.CodeInvalidArgument, "malformed ping", err))
		return
	}
	ping.CourierID = c.identity.Subject
	enriched, err := s.Tracking.Ingest(r.Context(), ping)
	if err != nil {
		c.sendError(err)
		return
	}
	c.sendJSON(map[string]any{"type": "ping_accepted", "update": enriched})
}

func (s *Server) wsBroadcast(r *http.Request, c *wsClient, msg wsMessage) {
	if c.identity == nil {
		c.sendError(derr.New(derr.CodeUnauthorized, "authenticate before broadcasting"))
		return
	}
	if msg.AssignmentID == "" {
		c.sendError(derr.New(derr.CodeInvalidArgument, "assignment_id is required"))
		return
	}
	var payload any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.sendError(derr.Wrap(derr.CodeInvalidArgument, "malformed payload", err))
			return
		}
	}
	if err := s.Tracking.Announce(r.Context(), msg.AssignmentID, *c.identity, payload); err != nil {
		c.sendError(err)
		return
	}
	c.sendJSON(map[string]any{"type": "broadcast_sent", "assignment_id": msg.AssignmentID})
}

func (s *Server) wsDisconnect(c *wsClient) {
	for assignmentID := range c.rooms {
		s.Tracking.Hub.Unsubscribe(assignmentID, c.id)
	}
	if c.identity != nil && c.identity.Role == auth.RoleCourier && s.WSReg != nil {
		s.WSReg.Remove(c.identity.Subject)
	}
	c.conn.Close()
}
