// Command relay-client streams a raw PCM file to a running vapi-relay and logs
// whatever comes back. The file should be 16-bit mono 8 kHz raw PCM.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	vapirelay "github.com/agentplexus/vapi-relay"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "relay-client: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		url   string
		file  string
		chunk int
	)

	cmd := &cobra.Command{
		Use:           "relay-client",
		Short:         "Send PCM audio through a vapi-relay and log the replies",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if chunk <= 0 {
				return fmt.Errorf("chunk size must be positive, got %d", chunk)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, logrus.New(), url, file, chunk)
		},
	}

	cmd.Flags().StringVar(&url, "url", fmt.Sprintf("ws://localhost:%d", vapirelay.DefaultPort), "relay WebSocket URL")
	cmd.Flags().StringVarP(&file, "file", "f", "sample.pcm", "raw PCM file to stream")
	cmd.Flags().IntVar(&chunk, "chunk", vapirelay.DefaultChunkSize, "bytes per binary frame")

	return cmd
}

func run(ctx context.Context, logger *logrus.Logger, url, file string, chunk int) error {
	audio, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer audio.Close()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	logger.WithField("url", url).Info("connected to relay")

	done := make(chan struct{})
	go func() {
		defer close(done)
		receive(conn, logger)
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	sent, err := send(conn, audio, chunk)
	logger.WithField("chunks", sent).Info("audio stream completed")
	if err != nil {
		_ = conn.Close()
		<-done
		return err
	}

	<-done
	return nil
}

// send writes the file as consecutive binary frames of at most chunk bytes.
func send(conn *websocket.Conn, r io.Reader, chunk int) (int, error) {
	buf := make([]byte, chunk)
	sent := 0
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return sent, fmt.Errorf("send audio: %w", werr)
			}
			sent++
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return sent, nil
		}
		if err != nil {
			return sent, fmt.Errorf("read audio: %w", err)
		}
	}
}

// receive logs every message until the connection closes.
func receive(conn *websocket.Conn, logger *logrus.Logger) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				logger.WithFields(logrus.Fields{
					"code":   closeErr.Code,
					"reason": closeErr.Text,
				}).Info("disconnected")
			} else {
				logger.WithError(err).Info("connection ended")
			}
			return
		}
		logMessage(logger, mt, data)
	}
}

func logMessage(logger *logrus.Logger, mt int, data []byte) {
	if mt == websocket.BinaryMessage {
		logger.WithField("bytes", len(data)).Info("received binary audio")
		return
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.WithField("text", string(data)).Info("received text message")
		return
	}
	logger.WithField("message", msg).Info("received JSON message")
}
