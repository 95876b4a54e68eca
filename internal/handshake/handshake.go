// Package handshake sends the welcome message every newly connected peer
// receives before any other traffic.
package handshake

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/gameport/internal/peer"
	"github.com/dcrodman/gameport/internal/transport"
)

// Sender transmits the fixed welcome payload over the transport's
// reliable-ordered channel.
type Sender struct {
	transport transport.Transport
	payload   []byte
	logger    *logrus.Entry
}

func NewSender(t transport.Transport, payload []byte, logger *logrus.Logger) *Sender {
	return &Sender{
		transport: t,
		payload:   append([]byte(nil), payload...),
		logger:    logger.WithField("component", "handshake"),
	}
}

// OnPeerConnected sends the welcome payload to p. Delivery is the transport's
// concern; a failed send is logged and otherwise ignored since the peer may
// already be gone. It reports whether the transport took the message.
func (s *Sender) OnPeerConnected(p peer.Peer) bool {
	// Copy so a transport that holds on to the slice cannot alter later handshakes.
	payload := append([]byte(nil), s.payload...)

	err := s.transport.Send(p.ID, payload, transport.ReliableOrdered)
	if err == nil {
		s.logger.WithFields(logrus.Fields{"peer": p.ID, "bytes": len(payload)}).Debug("sent welcome message")
		return true
	}

	entry := s.logger.WithFields(logrus.Fields{"peer": p.ID, "endpoint": p.EndpointString()}).WithError(err)
	if errors.Is(err, transport.ErrUnknownPeer) {
		entry.Warn("peer disconnected before the welcome message was sent")
	} else {
		entry.Error("failed to send welcome message")
	}
	return false
}
