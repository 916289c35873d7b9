package relay

import (
	"sync"

	"github.com/google/uuid"
)

// Session is one connected client. Outbound frames are queued on a bounded
// buffer drained by the connection's writer goroutine.
type Session struct {
	ID     string
	UserID uuid.UUID

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(userID uuid.UUID, buffer int) *Session {
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Enqueue queues frame without blocking. It returns false when the session is
// closed or its buffer is full; the frame is dropped for this session only.
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Outbound returns the queue of frames waiting to be written.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close marks the session closed. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
