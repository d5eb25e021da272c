package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"xproxy-go/internal/model"
)

// closeWriteWait bounds how long a close frame write may block.
const closeWriteWait = 2 * time.Second

// maxCloseReason is the largest reason that fits in a close frame next to the code.
const maxCloseReason = 123

// Socket is one side of a relayed WebSocket session. *websocket.Conn satisfies it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Status is the lifecycle state of a Session.
type Status int32

const (
	StatusConnecting Status = iota
	StatusOpen
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session pairs the client-facing and target-facing sockets of one relay.
type Session struct {
	id       string
	Target   *model.ProxyTarget
	Inbound  Socket
	Outbound Socket
	Opened   time.Time

	status    atomic.Int32
	closeOnce sync.Once
	done      chan struct{}
	onClose   func(*Session)

	closeMu     sync.Mutex
	closeCode   int
	closeReason string
}

// NewSession returns a connecting session for an accepted inbound socket.
func NewSession(t *model.ProxyTarget, inbound Socket) *Session {
	return &Session{
		Target:  t,
		Inbound: inbound,
		done:    make(chan struct{}),
	}
}

// ID returns the registry-assigned id, empty until the session is registered.
func (s *Session) ID() string {
	return s.id
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

// Open attaches the outbound socket and moves the session to StatusOpen.
func (s *Session) Open(outbound Socket) {
	s.Outbound = outbound
	s.Opened = time.Now()
	s.status.CompareAndSwap(int32(StatusConnecting), int32(StatusOpen))
}

// Done is closed once both sockets have been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseStatus returns the code and reason the session was closed with.
func (s *Session) CloseStatus() (int, string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeCode, s.closeReason
}

// Close sends a close frame with code and reason to both sides, closes both
// sockets and removes the session from its registry. Only the first call has
// any effect.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.status.Store(int32(StatusClosing))
		if s.onClose != nil {
			s.onClose(s)
		}

		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		s.closeMu.Lock()
		s.closeCode, s.closeReason = code, reason
		s.closeMu.Unlock()

		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(closeWriteWait)
		for _, sock := range []Socket{s.Inbound, s.Outbound} {
			if sock == nil {
				continue
			}
			_ = sock.WriteControl(websocket.CloseMessage, msg, deadline)
			_ = sock.Close()
		}

		s.status.Store(int32(StatusClosed))
		close(s.done)
	})
}
