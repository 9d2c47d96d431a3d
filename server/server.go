// Package server accepts telephony WebSocket connections and pairs each one
// with its own Vapi session.
//
// Every accepted connection runs the pairing protocol on its own goroutine:
// provision a Vapi call, dial the returned URL, then relay frames until either
// side closes. A failure ends only the session it happened in.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"

	"github.com/agentplexus/vapi-relay/relay"
	"github.com/agentplexus/vapi-relay/transport"
)

// shutdownTimeout bounds graceful HTTP shutdown in ListenAndServe.
const shutdownTimeout = 5 * time.Second

// Provisioner creates a remote voice-AI session and returns its WebSocket URL.
// *provision.Provisioner implements it.
type Provisioner interface {
	Provision(ctx context.Context, assistantID string) (string, error)
}

// ProvisionerFunc adapts a function to a Provisioner.
type ProvisionerFunc func(ctx context.Context, assistantID string) (string, error)

// Provision calls f.
func (f ProvisionerFunc) Provision(ctx context.Context, assistantID string) (string, error) {
	return f(ctx, assistantID)
}

// Config configures a Server.
type Config struct {
	// Provisioner is required.
	Provisioner Provisioner

	// AssistantID is passed to the Provisioner for every call. Required.
	AssistantID string

	// APIKey is attached as a bearer token to outbound connections.
	APIKey string

	// Encoder encodes voice-AI audio for the telephony side. Defaults to raw.
	Encoder relay.Encoder

	// HandshakeTimeout bounds the outbound opening handshake.
	HandshakeTimeout time.Duration

	// Logger is used to log server and session events.
	Logger *logrus.Logger
}

// Server is the relay server.
type Server struct {
	provisioner      Provisioner
	assistantID      string
	apiKey           string
	encoder          relay.Encoder
	handshakeTimeout time.Duration
	logger           *logrus.Logger
	router           chi.Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Provisioner == nil {
		return nil, errors.New("server: provisioner is required")
	}
	if cfg.AssistantID == "" {
		return nil, errors.New("server: assistant ID is required")
	}

	encoder := cfg.Encoder
	if encoder == nil {
		encoder = relay.RawEncoder{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger, _ = nullLog.NewNullLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		provisioner:      cfg.Provisioner,
		assistantID:      cfg.AssistantID,
		apiKey:           cfg.APIKey,
		encoder:          encoder,
		handshakeTimeout: cfg.HandshakeTimeout,
		logger:           logger,
		ctx:              ctx,
		cancel:           cancel,
		sessions:         make(map[string]*Session),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/sessions", s.handleSessions)
	// telephony clients may connect on any path
	r.HandleFunc("/*", s.handleRelay)
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down and closes
// every live session.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("server-addr", addr).Info("WebSocket relay listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	s.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close terminates every live session and waits for their handlers to
// return. New connections are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	s.cancel()
	for _, sess := range sessions {
		sess.terminate()
	}
	s.wg.Wait()
}

// GetSession returns a live session by ID.
func (s *Server) GetSession(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// ListSessions returns snapshots of all live sessions, oldest first.
func (s *Server) ListSessions() []SessionInfo {
	s.mu.RLock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.Info())
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartTime.Before(infos[j].StartTime)
	})
	return infos
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.ListSessions()); err != nil {
		s.logger.WithError(err).Error("could not encode sessions")
	}
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	inbound, err := transport.Upgrade(w, r, s.logger)
	if err != nil {
		s.logger.WithError(err).WithField("remote-addr", r.RemoteAddr).Error("could not upgrade telephony connection")
		return
	}

	sess, err := s.register(inbound)
	if err != nil {
		s.logger.WithError(err).WithField("remote-addr", r.RemoteAddr).Warn("refusing connection")
		_ = inbound.Close()
		return
	}
	defer s.wg.Done()
	defer s.unregister(sess)

	s.serveSession(sess)
}

// register adds a session for the connection. The caller must call wg.Done
// when a session was returned.
func (s *Server) register(inbound *transport.Connection) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("server closed")
	}
	sess := newSession(inbound)
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	return sess, nil
}

func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

// serveSession runs the pairing protocol for one accepted connection and
// returns once the session is terminated.
func (s *Server) serveSession(sess *Session) {
	log := s.logger.WithFields(logrus.Fields{
		"session-id":  sess.id,
		"remote-addr": sess.remoteAddr,
	})
	log.Info("telephony client connected")

	defer func() {
		s.setState(sess, StateTerminated, log)
		log.WithField("duration", sess.Duration().String()).Info("session terminated")
	}()

	sessionURL, err := s.provisioner.Provision(s.ctx, s.assistantID)
	if err != nil {
		log.WithError(err).Error("provisioning failed, closing telephony connection")
		_ = sess.inbound.Close()
		return
	}
	sess.setSessionURL(sessionURL)
	s.setState(sess, StatePairing, log)

	outbound, err := transport.Dial(s.ctx, sessionURL, transport.DialOptions{
		Token:            s.apiKey,
		HandshakeTimeout: s.handshakeTimeout,
		Logger:           log,
	})
	if err != nil {
		log.WithError(err).Error("could not connect to Vapi, closing telephony connection")
		_ = sess.inbound.Close()
		return
	}

	pair := relay.New(sess.inbound, outbound,
		relay.WithEncoder(s.encoder),
		relay.WithLogger(log),
	)
	sess.setPair(pair)
	s.setState(sess, StateActive, log)
	log.WithField("encoding", s.encoder.Name()).Info("connected to Vapi, relaying")

	if err := pair.Run(s.ctx); err != nil {
		log.WithError(err).Warn("relay ended with connection error")
	}
}

func (s *Server) setState(sess *Session, next State, log logrus.FieldLogger) {
	if err := sess.transition(next); err != nil {
		log.WithError(err).Error("session state")
		return
	}
	log.WithField("state", next.String()).Debug("session state changed")
}
