// Package hub maps authenticated users to their live websocket sessions
// and fans lifecycle events out to them. Delivery is fire-and-forget:
// no acknowledgment, no retry, no queuing for offline users.
package hub

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/observability"
)

// Event is the wire envelope: an event name plus one JSON payload.
// Clients must tolerate unknown additional fields.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload"`
}

// WelcomeEvent is emitted on every new connection.
const WelcomeEvent = "Welcome"

// Conn is the subset of a websocket connection the hub needs.
// *websocket.Conn satisfies it; tests substitute fakes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Identity is the authenticated caller, supplied by the auth collaborator.
// The hub trusts it and never re-derives the user id.
type Identity struct {
	UserID int64
}

// Session is one live channel for one user. A user may hold several
// concurrent sessions (multi-device).
type Session struct {
	ID     string
	UserID int64

	conn Conn
	send chan Event
	done chan struct{}
	once sync.Once
}

// Hub is the lifecycle-scoped connection registry. Construct one per
// process and tear it down with the server; there is no global state.
type Hub struct {
	mu     sync.RWMutex
	groups map[int64]map[*Session]struct{}
	logger *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		groups: make(map[int64]map[*Session]struct{}),
		logger: logger,
	}
}

// Connect registers a new session under the identity's user id, starts
// its writer, and immediately emits a Welcome event on that channel.
func (h *Hub) Connect(id Identity, c Conn) *Session {
	s := &Session{
		ID:     newSessionID(),
		UserID: id.UserID,
		conn:   c,
		send:   make(chan Event, 16),
		done:   make(chan struct{}),
	}
	h.JoinGroup(s)
	go h.writeLoop(s)

	s.enqueue(Event{Name: WelcomeEvent, Payload: models.WelcomePayload{
		ConnectionID: s.ID,
		UserID:       s.UserID,
	}})
	observability.WSConnections.Inc()
	return s
}

// JoinGroup idempotently associates the session with its user's group.
func (h *Hub) JoinGroup(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.groups[s.UserID]
	if !ok {
		set = make(map[*Session]struct{})
		h.groups[s.UserID] = set
	}
	set[s] = struct{}{}
}

// Publish pushes an event to every session in the user's group and
// returns immediately. A user with no connected session receives
// nothing; a session whose buffer is full has the event dropped.
func (h *Hub) Publish(userID int64, event string, payload any) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.groups[userID]))
	for s := range h.groups[userID] {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	ev := Event{Name: event, Payload: payload}
	for _, s := range sessions {
		if !s.enqueue(ev) {
			observability.EventsDropped.WithLabelValues(event).Inc()
			h.logger.Debug("event dropped", "event", event, "user_id", userID, "session", s.ID)
		}
	}
	observability.EventsPublished.WithLabelValues(event).Inc()
}

// Disconnect removes the session from its group and closes the channel.
// The group itself stays; an empty group is simply unused.
func (h *Hub) Disconnect(s *Session) {
	h.mu.Lock()
	if set, ok := h.groups[s.UserID]; ok {
		if _, present := set[s]; present {
			delete(set, s)
			observability.WSConnections.Dec()
		}
	}
	h.mu.Unlock()

	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Connections reports how many sessions a user currently holds.
func (h *Hub) Connections(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[userID])
}

func (h *Hub) writeLoop(s *Session) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.send:
			if err := s.conn.WriteJSON(ev); err != nil {
				h.logger.Debug("ws write failed", "session", s.ID, "error", err)
				h.Disconnect(s)
				return
			}
		}
	}
}

func (s *Session) enqueue(ev Event) bool {
	select {
	case s.send <- ev:
		return true
	default:
		return false
	}
}

func newSessionID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
