package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrNoSession = errors.New("no ws session")

// Message is the envelope written to clients over websocket or push.
type Message struct {
	Type   string `json:"type"`
	RideID string `json:"ride_id,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Conn is the part of *websocket.Conn the hub needs.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Session is one connected client. Writes are serialized per session.
type Session struct {
	UserID string
	conn   Conn
	mu     sync.Mutex
}

func (s *Session) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Hub holds one session per user and the ride rooms users have joined.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]struct{}),
		logger:   logger,
	}
}

// Add registers conn for userID, closing any session it replaces.
func (h *Hub) Add(userID string, conn Conn) *Session {
	s := &Session{UserID: userID, conn: conn}
	h.mu.Lock()
	old := h.sessions[userID]
	h.sessions[userID] = s
	h.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

// Remove drops s if it is still the user's current session. Room
// membership survives so a reconnecting client keeps its rooms.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	if cur, ok := h.sessions[s.UserID]; ok && cur == s {
		delete(h.sessions, s.UserID)
	}
	h.mu.Unlock()
	_ = s.conn.Close()
}

func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[userID]
	return ok
}

func (h *Hub) Join(rideID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[rideID]
	if !ok {
		room = make(map[string]struct{})
		h.rooms[rideID] = room
	}
	room[userID] = struct{}{}
}

func (h *Hub) Leave(rideID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[rideID]; ok {
		delete(room, userID)
		if len(room) == 0 {
			delete(h.rooms, rideID)
		}
	}
}

// CloseRoom forgets every member of a finished ride's room.
func (h *Hub) CloseRoom(rideID string) {
	h.mu.Lock()
	delete(h.rooms, rideID)
	h.mu.Unlock()
}

func (h *Hub) Members(rideID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[rideID]))
	for id := range h.rooms[rideID] {
		out = append(out, id)
	}
	return out
}

func (h *Hub) SendTo(userID string, msg Message) error {
	h.mu.RLock()
	s, ok := h.sessions[userID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(msg); err != nil {
		h.logger.Warn("ws send error", "user_id", userID, "type", msg.Type, "err", err)
		return err
	}
	return nil
}

// clientFrame is what clients send over the socket.
type clientFrame struct {
	Action string `json:"action"`
	RideID string `json:"ride_id"`
}

// RoomCheck reports whether userID may join the room of rideID.
type RoomCheck func(ctx context.Context, rideID, userID string) (bool, error)

const roomCheckTimeout = 2 * time.Second

// Serve registers conn and reads room commands until the client goes away.
// Room joins are admitted only when allow approves them; a nil allow admits
// nobody.
func (h *Hub) Serve(userID string, conn Conn, allow RoomCheck) {
	s := h.Add(userID, conn)
	defer h.Remove(s)
	for {
		var f clientFrame
		if err := conn.ReadJSON(&f); err != nil {
			h.logger.Debug("ws session closed", "user_id", userID, "err", err)
			return
		}
		switch f.Action {
		case "join:ride":
			if !h.admit(allow, f.RideID, userID) {
				_ = s.Send(Message{Type: "error", RideID: f.RideID, Data: map[string]string{"error": "not a participant of this ride"}})
				continue
			}
			h.Join(f.RideID, userID)
		case "leave:ride":
			h.Leave(f.RideID, userID)
		case "ping":
			_ = s.Send(Message{Type: "pong"})
		default:
			_ = s.Send(Message{Type: "error", Data: map[string]string{"error": "unknown action " + f.Action}})
		}
	}
}

func (h *Hub) admit(allow RoomCheck, rideID, userID string) bool {
	if allow == nil || rideID == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), roomCheckTimeout)
	defer cancel()
	ok, err := allow(ctx, rideID, userID)
	if err != nil {
		h.logger.Warn("room check failed", "ride_id", rideID, "user_id", userID, "err", err)
		return false
	}
	if !ok {
		h.logger.Info("room join refused", "ride_id", rideID, "user_id", userID)
	}
	return ok
}
