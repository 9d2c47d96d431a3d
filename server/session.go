package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentplexus/vapi-relay/relay"
	"github.com/agentplexus/vapi-relay/transport"
)

// Session tracks one accepted telephony connection through the pairing
// protocol.
type Session struct {
	id         string
	remoteAddr string
	startTime  time.Time
	inbound    *transport.Connection

	mu         sync.RWMutex
	state      State
	endTime    time.Time
	sessionURL string
	pair       *relay.Pair
}

// SessionInfo is a snapshot of a Session.
type SessionInfo struct {
	ID         string        `json:"id"`
	State      State         `json:"state"`
	RemoteAddr string        `json:"remoteAddr"`
	StartTime  time.Time     `json:"startTime"`
	Duration   time.Duration `json:"duration"`
	Stats      *relay.Stats  `json:"stats,omitempty"`
}

func newSession(inbound *transport.Connection) *Session {
	remote := ""
	if addr := inbound.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Session{
		id:         inbound.ID(),
		remoteAddr: remote,
		startTime:  time.Now(),
		inbound:    inbound,
		state:      StateAccepted,
	}
}

// ID returns the session identifier, which is the inbound connection ID.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SessionURL returns the provisioned Vapi websocket URL, if any.
func (s *Session) SessionURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionURL
}

// Duration returns how long the session has been, or was, alive.
func (s *Session) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.endTime.IsZero() {
		return time.Since(s.startTime)
	}
	return s.endTime.Sub(s.startTime)
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:         s.id,
		State:      s.State(),
		RemoteAddr: s.remoteAddr,
		StartTime:  s.startTime,
		Duration:   s.Duration(),
	}
	s.mu.RLock()
	pair := s.pair
	s.mu.RUnlock()
	if pair != nil {
		stats := pair.Stats()
		info.Stats = &stats
	}
	return info
}

func (s *Session) transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransitionTo(next) {
		return fmt.Errorf("invalid session transition %s -> %s", s.state, next)
	}
	s.state = next
	if next.IsTerminal() {
		s.endTime = time.Now()
	}
	return nil
}

func (s *Session) setSessionURL(url string) {
	s.mu.Lock()
	s.sessionURL = url
	s.mu.Unlock()
}

func (s *Session) setPair(p *relay.Pair) {
	s.mu.Lock()
	s.pair = p
	s.mu.Unlock()
}

// terminate closes every connection the session owns.
func (s *Session) terminate() {
	s.mu.RLock()
	pair := s.pair
	s.mu.RUnlock()
	if pair != nil {
		_ = pair.Close()
	}
	_ = s.inbound.Close()
}
