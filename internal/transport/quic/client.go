package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

// RejectedError is returned by a Client whose connection request was refused.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("connection rejected: %s", e.Reason)
}

// Client is a connection to a gameport server.
type Client struct {
	conn   *quic.Conn
	stream *quic.Stream
}

// Dial connects to addr and presents key. The server's decision is only
// known once the first Receive returns: either the welcome message or a
// *RejectedError.
func Dial(ctx context.Context, addr, key string, tlsConf *tls.Config) (*Client, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: 3 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(CodeClosed, "")
		return nil, fmt.Errorf("error opening stream: %w", err)
	}
	if err := writeFrame(stream, []byte(key)); err != nil {
		_ = conn.CloseWithError(CodeClosed, "")
		return nil, fmt.Errorf("error sending connection key: %w", err)
	}

	return &Client{conn: conn, stream: stream}, nil
}

// Receive blocks for the next reliable message or until ctx is done.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	_ = c.stream.SetReadDeadline(deadline)

	payload, err := readFrame(c.stream)
	if err != nil {
		return nil, closeError(err)
	}
	return payload, nil
}

// ReceiveDatagram blocks for the next unreliable message.
func (c *Client) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	payload, err := c.conn.ReceiveDatagram(ctx)
	if err != nil {
		return nil, closeError(err)
	}
	return payload, nil
}

func (c *Client) Send(payload []byte) error {
	return writeFrame(c.stream, payload)
}

func (c *Client) SendDatagram(payload []byte) error {
	return c.conn.SendDatagram(payload)
}

func (c *Client) Close() error {
	return c.conn.CloseWithError(CodeClosed, "client closed")
}

func closeError(err error) error {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == CodeRejected {
		return &RejectedError{Reason: appErr.ErrorMessage}
	}
	return err
}
