package quic

import (
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/dcrodman/gameport/internal/peer"
	"github.com/dcrodman/gameport/internal/transport"
)

// session is an admitted connection.
type session struct {
	id     peer.ID
	conn   *quic.Conn
	stream *quic.Stream

	outbound chan []byte
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newSession(id peer.ID, conn *quic.Conn, stream *quic.Stream, queueSize int) *session {
	return &session{
		id:       id,
		conn:     conn,
		stream:   stream,
		outbound: make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
}

func (s *session) enqueue(payload []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("peer %s: %w", s.id, transport.ErrUnknownPeer)
	default:
	}

	select {
	case s.outbound <- payload:
		return nil
	default:
		return fmt.Errorf("peer %s: %w", s.id, transport.ErrSendQueueFull)
	}
}

// writeLoop writes queued frames in order until the session closes.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.outbound:
			if err := writeFrame(s.stream, payload); err != nil {
				_ = s.close(CodeClosed, "")
				return
			}
		}
	}
}

func (s *session) close(code quic.ApplicationErrorCode, reason string) error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.conn.CloseWithError(code, reason)
	})
	return s.closeErr
}
