// Package relay forwards frames between a telephony connection and a voice-AI
// connection.
//
// A Pair runs one pump per direction. Frames are forwarded in arrival order
// with a single frame in flight. A frame whose destination is no longer open is
// dropped, never queued. The first pump to stop closes both connections.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/sync/errgroup"

	"github.com/agentplexus/vapi-relay/transport"
)

// Conn is one leg of a Pair. *transport.Connection implements it.
type Conn interface {
	ID() string
	ReadFrame() (transport.Frame, error)
	WriteFrame(transport.Frame) error
	IsOpen() bool
	Close() error
}

// Direction names the flow of a pump.
type Direction string

// Pump directions.
const (
	InboundToOutbound Direction = "inbound->outbound"
	OutboundToInbound Direction = "outbound->inbound"
)

// ParseError reports a text frame from the voice-AI leg that is not a JSON
// object. It never stops the frame from being forwarded.
type ParseError struct {
	Data []byte
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("inspect control frame: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Stats counts forwarded and dropped frames per direction.
type Stats struct {
	FramesInToOut  int64 `json:"framesInToOut"`
	BytesInToOut   int64 `json:"bytesInToOut"`
	FramesOutToIn  int64 `json:"framesOutToIn"`
	BytesOutToIn   int64 `json:"bytesOutToIn"`
	DroppedInToOut int64 `json:"droppedInToOut"`
	DroppedOutToIn int64 `json:"droppedOutToIn"`
}

type counters struct {
	frames  atomic.Int64
	bytes   atomic.Int64
	dropped atomic.Int64
}

// Pair binds one inbound and one outbound connection.
type Pair struct {
	inbound  Conn
	outbound Conn
	encoder  Encoder
	logger   logrus.FieldLogger
	onEvent  func(eventType string)

	inToOut counters
	outToIn counters

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Pair.
type Option func(*Pair)

// WithEncoder sets how voice-AI audio is encoded for the telephony leg.
func WithEncoder(e Encoder) Option {
	return func(p *Pair) {
		if e != nil {
			p.encoder = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(p *Pair) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithEventHook registers a function called with the type of every JSON
// control frame received from the voice-AI leg. It runs on the pump goroutine.
func WithEventHook(fn func(eventType string)) Option {
	return func(p *Pair) {
		p.onEvent = fn
	}
}

// New creates a Pair. Both connections must already be open.
func New(inbound, outbound Conn, opts ...Option) *Pair {
	logger, _ := nullLog.NewNullLogger()
	p := &Pair{
		inbound:  inbound,
		outbound: outbound,
		encoder:  RawEncoder{},
		logger:   logger,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run forwards frames until either connection closes, fails or ctx is done.
// Both connections are closed when Run returns. The error is the first
// transport failure; a clean close by either peer returns nil.
func (p *Pair) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.pump(p.inbound, p.outbound, InboundToOutbound, &p.inToOut)
	})
	g.Go(func() error {
		return p.pump(p.outbound, p.inbound, OutboundToInbound, &p.outToIn)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-p.done:
		}
		return p.Close()
	})

	err := g.Wait()
	stats := p.Stats()
	entry := p.logger.WithFields(logrus.Fields{
		"frames-in-out":  stats.FramesInToOut,
		"frames-out-in":  stats.FramesOutToIn,
		"dropped-in-out": stats.DroppedInToOut,
		"dropped-out-in": stats.DroppedOutToIn,
	})
	if err != nil {
		entry.WithError(err).Warn("relay pair torn down on error")
		return err
	}
	entry.Info("relay pair closed")
	return nil
}

// Close tears the pair down by closing both connections. It is idempotent.
func (p *Pair) Close() error {
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		_ = p.inbound.Close()
		_ = p.outbound.Close()
		close(p.done)
	})
	return nil
}

// Done is closed once teardown has begun.
func (p *Pair) Done() <-chan struct{} {
	return p.done
}

// Stats returns a snapshot of the forwarding counters.
func (p *Pair) Stats() Stats {
	return Stats{
		FramesInToOut:  p.inToOut.frames.Load(),
		BytesInToOut:   p.inToOut.bytes.Load(),
		FramesOutToIn:  p.outToIn.frames.Load(),
		BytesOutToIn:   p.outToIn.bytes.Load(),
		DroppedInToOut: p.inToOut.dropped.Load(),
		DroppedOutToIn: p.outToIn.dropped.Load(),
	}
}

func (p *Pair) pump(src, dst Conn, dir Direction, c *counters) error {
	defer func() { _ = p.Close() }()
	log := p.logger.WithField("direction", dir)

	for {
		frame, err := src.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
				log.Debug("source closed")
				return nil
			}
			log.WithError(err).Error("read failed")
			return err
		}

		if dir == OutboundToInbound {
			frame, err = p.fromVoiceAI(frame)
			if err != nil {
				log.WithError(err).Warn("dropping frame that could not be encoded")
				c.dropped.Add(1)
				continue
			}
		}

		if err := p.forward(dst, frame, c); err != nil {
			log.WithError(err).Error("write failed")
			return err
		}
	}
}

// forward writes frame to dst unless the pair is closing or dst is no longer
// open, in which case the frame is dropped.
func (p *Pair) forward(dst Conn, frame transport.Frame, c *counters) error {
	if p.closing.Load() || !dst.IsOpen() {
		c.dropped.Add(1)
		return nil
	}
	if err := dst.WriteFrame(frame); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			c.dropped.Add(1)
			return nil
		}
		return err
	}
	c.frames.Add(1)
	c.bytes.Add(int64(len(frame.Data)))
	return nil
}

// fromVoiceAI prepares a frame from the voice-AI leg. Audio goes through the
// encoder; text frames are inspected and passed on unchanged.
func (p *Pair) fromVoiceAI(frame transport.Frame) (transport.Frame, error) {
	if frame.Type == transport.BinaryMessage {
		return p.encoder.Encode(frame.Data)
	}

	eventType, err := inspect(frame.Data)
	if err != nil {
		p.logger.WithError(err).Debug("non-JSON Vapi message")
		return frame, nil
	}
	if eventType != "" {
		p.logger.WithField("event-type", eventType).Info("Vapi event")
		if p.onEvent != nil {
			p.onEvent(eventType)
		}
	}
	return frame, nil
}

// inspect returns the type field of a JSON control message.
func inspect(data []byte) (string, error) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", &ParseError{Data: data, Err: err}
	}
	eventType, _ := msg["type"].(string)
	return eventType, nil
}
