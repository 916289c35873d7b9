package relay

import (
	"sync"

	"github.com/google/uuid"
)

// Hub tracks connected sessions and room membership for this process.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[uuid.UUID]map[string]*Session // conversation -> session id -> session
	joined   map[string]map[uuid.UUID]struct{} // session id -> conversations
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		rooms:    make(map[uuid.UUID]map[string]*Session),
		joined:   make(map[string]map[uuid.UUID]struct{}),
	}
}

func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
	h.joined[s.ID] = make(map[uuid.UUID]struct{})
}

// Unregister removes the session from every room it joined.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for convID := range h.joined[s.ID] {
		h.removeFromRoomLocked(convID, s.ID)
	}
	delete(h.joined, s.ID)
	delete(h.sessions, s.ID)
}

// Join adds a registered session to a room. Joining twice is a no-op.
func (h *Hub) Join(conversationID uuid.UUID, s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.joined[s.ID]
	if !ok {
		return false
	}
	members, ok := h.rooms[conversationID]
	if !ok {
		members = make(map[string]*Session)
		h.rooms[conversationID] = members
	}
	members[s.ID] = s
	rooms[conversationID] = struct{}{}
	return true
}

func (h *Hub) Leave(conversationID uuid.UUID, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoomLocked(conversationID, s.ID)
	if rooms, ok := h.joined[s.ID]; ok {
		delete(rooms, conversationID)
	}
}

func (h *Hub) removeFromRoomLocked(conversationID uuid.UUID, sessionID string) {
	members, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(h.rooms, conversationID)
	}
}

// Deliver queues frame on every session in the room and returns how many accepted it.
func (h *Hub) Deliver(conversationID uuid.UUID, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.rooms[conversationID] {
		if s.Enqueue(frame) {
			n++
		}
	}
	return n
}

// InRoom reports whether the session is joined to the conversation.
func (h *Hub) InRoom(conversationID uuid.UUID, s *Session) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[conversationID][s.ID]
	return ok
}

func (h *Hub) RoomSize(conversationID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseAll closes every session; their connections shut down on their own.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		s.Close()
	}
}
