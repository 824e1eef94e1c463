package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionState is the protocol state of a single MCP conversation.
type SessionState int

const (
	StateNew SessionState = iota
	StateInitializing
	StateReady
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// outboundDepth bounds the per-session queue of framed responses waiting for
// the transport writer.
const outboundDepth = 64

// Session is a logical MCP conversation over a single transport connection.
// State transitions only move forward, except that any state may jump to
// Closing/Closed when the transport goes away.
type Session struct {
	ID string

	mu              sync.Mutex
	state           SessionState
	authToken       string
	protocolVersion string
	client          clientInfo
	created         time.Time
	lastSeen        time.Time
	buffered        []*MCPRequest
	pending         map[string]context.CancelFunc

	outbound chan *MCPResponse
	sem      chan struct{}

	// inflight counts dispatched tool calls that have not yet queued their
	// response, including those still waiting on a concurrency slot.
	inflight atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(perSessionConcurrency int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		ID:       uuid.NewString(),
		state:    StateNew,
		created:  now,
		lastSeen: now,
		pending:  make(map[string]context.CancelFunc),
		outbound: make(chan *MCPResponse, outboundDepth),
		sem:      make(chan struct{}, perSessionConcurrency),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// State returns the current FSM state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Context is cancelled when the session enters Closing.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Outbound exposes the queue the transport writer drains.
func (s *Session) Outbound() <-chan *MCPResponse {
	return s.outbound
}

// ProtocolVersion returns the version negotiated at initialize, or empty.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// bindAuthToken records the bearer token the stream was opened with. HTTP
// transports set it once at handshake; stdio sessions carry none.
func (s *Session) bindAuthToken(token string) {
	s.mu.Lock()
	s.authToken = token
	s.mu.Unlock()
}

// authTokenMatches reports whether a posted frame carries the same bearer
// the session was opened with. Unbound sessions accept any caller.
func (s *Session) authTokenMatches(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authToken == "" || s.authToken == token
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// transition moves the FSM forward. Backward transitions are rejected except
// into Closing/Closed, which are reachable from anywhere.
func (s *Session) transition(to SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	if to < s.state && to != StateClosing && to != StateClosed {
		return false
	}
	s.state = to
	return true
}

// send queues a framed response for the transport writer. Frames queued
// after the session starts closing are discarded: an abandoned tool's
// eventual result must not reach the peer.
func (s *Session) send(resp *MCPResponse) bool {
	if resp == nil {
		return false
	}
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.lastSeen = time.Now()
	s.mu.Unlock()

	select {
	case s.outbound <- resp:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func requestKey(id interface{}) string {
	return fmt.Sprintf("%v", id)
}

func (s *Session) registerPending(id interface{}, cancel context.CancelFunc) {
	s.mu.Lock()
	s.pending[requestKey(id)] = cancel
	s.mu.Unlock()
}

func (s *Session) completePending(id interface{}) {
	s.mu.Lock()
	delete(s.pending, requestKey(id))
	s.mu.Unlock()
}

// cancelPending fires the cancel signal of one in-flight request.
func (s *Session) cancelPending(id interface{}) bool {
	s.mu.Lock()
	cancel, ok := s.pending[requestKey(id)]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// drainInflight waits until every dispatched tool call has produced its
// response, or the deadline passes.
func (s *Session) drainInflight(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for s.inflight.Load() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

// SessionManager owns the session map and the idle sweeper. Individual
// sessions use their own lock for state transitions; the manager lock only
// guards the map.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	cancelGrace time.Duration
	perSession  int
}

func NewSessionManager(idleTimeout, cancelGrace time.Duration, perSessionConcurrency int) *SessionManager {
	if perSessionConcurrency <= 0 {
		perSessionConcurrency = 8
	}
	return &SessionManager{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		cancelGrace: cancelGrace,
		perSession:  perSessionConcurrency,
	}
}

// Create allocates a session in the New state and registers it.
func (m *SessionManager) Create() *Session {
	sess := newSession(m.perSession)
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	slog.Debug("session created", "session_id", sess.ID)
	return sess
}

// Get looks up a session by id.
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close moves a session to Closing, fires the cancel signal for all pending
// requests, and finishes the transition to Closed once the pending set
// drains or the grace period elapses, whichever comes first.
func (m *SessionManager) Close(sess *Session) {
	if !sess.transition(StateClosing) {
		return
	}
	slog.Debug("session closing", "session_id", sess.ID, "pending", sess.pendingCount())
	sess.cancel()

	go func() {
		deadline := time.After(m.cancelGrace)
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for sess.pendingCount() > 0 {
			select {
			case <-deadline:
				slog.Warn("abandoning tool invocations that ignored cancel",
					"session_id", sess.ID, "abandoned", sess.pendingCount())
				goto done
			case <-tick.C:
			}
		}
	done:
		sess.transition(StateClosed)
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		m.mu.Unlock()
		slog.Debug("session closed", "session_id", sess.ID)
	}()
}

// Run sweeps idle sessions until ctx is cancelled. A session with no inbound
// or outbound traffic for the idle timeout is closed.
func (m *SessionManager) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sweepIdle(now)
		}
	}
}

// sweepIdle closes every session whose last traffic predates the idle
// timeout as of now.
func (m *SessionManager) sweepIdle(now time.Time) {
	cutoff := now.Add(-m.idleTimeout)
	m.mu.RLock()
	var idle []*Session
	for _, sess := range m.sessions {
		sess.mu.Lock()
		if sess.lastSeen.Before(cutoff) && sess.state != StateClosing && sess.state != StateClosed {
			idle = append(idle, sess)
		}
		sess.mu.Unlock()
	}
	m.mu.RUnlock()
	for _, sess := range idle {
		slog.Info("closing idle session", "session_id", sess.ID)
		m.Close(sess)
	}
}

// CloseAll drains every session, used on shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.mu.RUnlock()
	for _, sess := range all {
		m.Close(sess)
	}
}
