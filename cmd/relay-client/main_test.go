package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStreamsChunksAndLogsReplies(t *testing.T) {
	sizes := make(chan int, 8)
	upgrader := websocket.Upgrader{}
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		for i := 0; i < 3; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			sizes <- len(data)
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, 160))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"call.ended"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("bye"))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), time.Now().Add(time.Second))
		time.Sleep(100 * time.Millisecond)
	}))
	defer relay.Close()

	path := filepath.Join(t.TempDir(), "sample.pcm")
	require.NoError(t, os.WriteFile(path, make([]byte, 700), 0o600))

	logger, hook := test.NewNullLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, logger, "ws"+strings.TrimPrefix(relay.URL, "http"), path, 320))

	assert.Equal(t, 320, <-sizes)
	assert.Equal(t, 320, <-sizes)
	assert.Equal(t, 60, <-sizes)

	var messages []string
	var disconnect map[string]any
	for _, e := range hook.AllEntries() {
		messages = append(messages, e.Message)
		if e.Message == "disconnected" {
			disconnect = e.Data
		}
	}
	assert.Contains(t, messages, "received binary audio")
	assert.Contains(t, messages, "received JSON message")
	assert.Contains(t, messages, "received text message")
	require.NotNil(t, disconnect)
	assert.Equal(t, websocket.CloseNormalClosure, disconnect["code"])
	assert.Equal(t, "done", disconnect["reason"])
}

func TestRunMissingFile(t *testing.T) {
	logger, _ := test.NewNullLogger()
	err := run(context.Background(), logger, "ws://localhost:1", filepath.Join(t.TempDir(), "absent.pcm"), 320)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open audio")
}
