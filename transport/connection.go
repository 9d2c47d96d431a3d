// Package transport provides the WebSocket legs joined by the relay.
//
// An inbound Connection is upgraded from a telephony client request; an outbound
// Connection is dialed to a Vapi session URL with a bearer token. Both carry
// whole frames, serialize their writes and close idempotently.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed for the close handshake frame on shutdown.
	closeWait = time.Second

	// DefaultHandshakeTimeout bounds the outbound opening handshake.
	DefaultHandshakeTimeout = 10 * time.Second
)

// ErrClosed is returned when reading from or writing to a closed Connection.
var ErrClosed = errors.New("connection closed")

// MessageType is the WebSocket data frame type.
type MessageType int

// Data frame types.
const (
	TextMessage   MessageType = websocket.TextMessage
	BinaryMessage MessageType = websocket.BinaryMessage
)

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Frame is one WebSocket data message.
type Frame struct {
	Type MessageType
	Data []byte
}

// Side identifies which leg of a relay a Connection is.
type Side string

// Connection sides.
const (
	Inbound  Side = "inbound"
	Outbound Side = "outbound"
)

// ConnectionError is a transport failure on one leg.
type ConnectionError struct {
	Side   Side
	ConnID string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.ConnID == "" {
		return fmt.Sprintf("%s connection: %s: %v", e.Side, e.Op, e.Err)
	}
	return fmt.Sprintf("%s connection %s: %s: %v", e.Side, e.ConnID, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Connection is one WebSocket leg.
type Connection struct {
	id         string
	side       Side
	url        string
	wsConn     *websocket.Conn
	logger     logrus.FieldLogger
	remoteAddr net.Addr

	writeMu   sync.Mutex
	open      atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(wsConn *websocket.Conn, side Side, url string, logger logrus.FieldLogger) *Connection {
	if logger == nil {
		logger, _ = nullLog.NewNullLogger()
	}
	id := uuid.New().String()
	c := &Connection{
		id:         id,
		side:       side,
		url:        url,
		wsConn:     wsConn,
		remoteAddr: wsConn.RemoteAddr(),
		done:       make(chan struct{}),
		logger: logger.WithFields(logrus.Fields{
			"connection-id": id,
			"side":          side,
		}),
	}
	c.open.Store(true)
	return c
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// telephony clients connect without an Origin policy
		return true
	},
}

// Upgrade accepts an inbound WebSocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, logger logrus.FieldLogger) (*Connection, error) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, &ConnectionError{Side: Inbound, Op: "upgrade", Err: err}
	}
	return newConnection(wsConn, Inbound, "", logger), nil
}

// DialOptions configures an outbound connection.
type DialOptions struct {
	// Token is sent as an Authorization bearer header when set.
	Token string

	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	Logger logrus.FieldLogger
}

// Dial opens an outbound WebSocket connection to url.
func Dial(ctx context.Context, url string, opts DialOptions) (*Connection, error) {
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	header := make(http.Header)
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	wsConn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (http status %d)", err, resp.StatusCode)
		}
		return nil, &ConnectionError{Side: Outbound, Op: "dial", Err: err}
	}
	return newConnection(wsConn, Outbound, url, opts.Logger), nil
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// Side returns which leg this connection is.
func (c *Connection) Side() Side {
	return c.side
}

// URL returns the dialed URL of an outbound connection.
func (c *Connection) URL() string {
	return c.url
}

// RemoteAddr returns the remote address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// IsOpen reports whether the connection can still carry frames.
func (c *Connection) IsOpen() bool {
	return c.open.Load()
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ReadFrame blocks for the next data frame. A normal close by the peer is
// reported as io.EOF and a local close as ErrClosed.
func (c *Connection) ReadFrame() (Frame, error) {
	msgType, data, err := c.wsConn.ReadMessage()
	if err != nil {
		if !c.IsOpen() {
			return Frame{}, ErrClosed
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return Frame{}, io.EOF
		}
		return Frame{}, &ConnectionError{Side: c.side, ConnID: c.id, Op: "read", Err: err}
	}
	return Frame{Type: MessageType(msgType), Data: data}, nil
}

// WriteFrame sends a frame. It is safe for concurrent use and returns
// ErrClosed once Close has started.
func (c *Connection) WriteFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.IsOpen() {
		return ErrClosed
	}

	_ = c.wsConn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.wsConn.WriteMessage(int(f.Type), f.Data); err != nil {
		return &ConnectionError{Side: c.side, ConnID: c.id, Op: "write", Err: err}
	}
	return nil
}

// Close closes the connection. Calling Close more than once is a no-op.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.open.Store(false)

		// waits for an in-flight write so none starts after this point
		c.writeMu.Lock()
		_ = c.wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		_ = c.wsConn.Close()
		c.writeMu.Unlock()

		close(c.done)
		c.logger.Debug("connection closed")
	})
	return nil
}
