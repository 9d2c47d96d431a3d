package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// startInbound serves one upgrade and hands the resulting Connection to the test.
func startInbound(t *testing.T) (*websocket.Conn, *Connection) {
	t.Helper()
	conns := make(chan *Connection, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		conns <- c
	}))
	t.Cleanup(server.Close)

	peer, _, err := websocket.DefaultDialer.Dial(wsURL(server.URL), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })

	select {
	case c := <-conns:
		t.Cleanup(func() { _ = c.Close() })
		return peer, c
	case <-time.After(5 * time.Second):
		t.Fatal("upgrade did not complete")
		return nil, nil
	}
}

func TestUpgradeReadWrite(t *testing.T) {
	peer, conn := startInbound(t)
	assert.Equal(t, Inbound, conn.Side())
	assert.NotEmpty(t, conn.ID())
	assert.True(t, conn.IsOpen())

	audio := make([]byte, 320)
	for i := range audio {
		audio[i] = byte(i)
	}
	require.NoError(t, peer.WriteMessage(websocket.BinaryMessage, audio))

	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, BinaryMessage, frame.Type)
	assert.Equal(t, audio, frame.Data)

	require.NoError(t, conn.WriteFrame(Frame{Type: TextMessage, Data: []byte(`{"type":"hello"}`)}))
	msgType, data, err := peer.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, `{"type":"hello"}`, string(data))
}

func TestCloseIsIdempotent(t *testing.T) {
	peer, conn := startInbound(t)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.False(t, conn.IsOpen())

	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed after Close")
	}

	// peer sees a normal closure
	_, _, err := peer.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWriteAfterClose(t *testing.T) {
	_, conn := startInbound(t)
	require.NoError(t, conn.Close())
	err := conn.WriteFrame(Frame{Type: BinaryMessage, Data: []byte{1}})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadAfterLocalClose(t *testing.T) {
	_, conn := startInbound(t)
	errs := make(chan error, 1)
	go func() {
		_, err := conn.ReadFrame()
		errs <- err
	}()
	require.NoError(t, conn.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("read did not unblock after close")
	}
}

func TestReadPeerNormalClose(t *testing.T) {
	peer, conn := startInbound(t)
	require.NoError(t, peer.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	_, err := conn.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadPeerAbnormalClose(t *testing.T) {
	peer, conn := startInbound(t)
	require.NoError(t, peer.UnderlyingConn().Close())

	_, err := conn.ReadFrame()
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr), "got %v", err)
	assert.Equal(t, Inbound, connErr.Side)
	assert.Equal(t, "read", connErr.Op)
}

func TestDialSendsBearerToken(t *testing.T) {
	auth := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, _, _ = ws.ReadMessage()
	}))
	defer server.Close()

	url := wsURL(server.URL) + "/session/abc"
	conn, err := Dial(context.Background(), url, DialOptions{Token: "secret"})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "Bearer secret", <-auth)
	assert.Equal(t, Outbound, conn.Side())
	assert.Equal(t, url, conn.URL())
	assert.NotNil(t, conn.RemoteAddr())
}

func TestDialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	_, err := Dial(context.Background(), wsURL(server.URL), DialOptions{Token: "secret"})
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, Outbound, connErr.Side)
	assert.Equal(t, "dial", connErr.Op)
	assert.Contains(t, err.Error(), "403")
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "binary", BinaryMessage.String())
	assert.Equal(t, "text", TextMessage.String())
	assert.Equal(t, "unknown(9)", MessageType(9).String())
}
