package server

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/tessenger/pkg/protocol"
)

// SessionState is the lifecycle state of a control connection
type SessionState int32

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session represents one control connection
type Session struct {
	ID      uint64
	Conn    *SafeConn
	Address string // remote IP, without port

	mu       sync.RWMutex // Protects the fields below
	username string
	udpPort  int
	joinedAt time.Time
	state    SessionState
}

// Username returns the authenticated username, or "" before login
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// UDPPort returns the data-channel port announced at login
func (s *Session) UDPPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.udpPort
}

// JoinedAt returns the time of the successful login
func (s *Session) JoinedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joinedAt
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) authenticate(username string, udpPort int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.udpPort = udpPort
	s.joinedAt = at
	s.state = StateAuthenticated
}

func (s *Session) terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateTerminated
}

// Send writes one reply record to the session
func (s *Session) Send(text string) error {
	return s.Conn.WriteText(text)
}

// SafeConn serializes frame writes to a connection. Deliveries from other
// sessions and replies from the owning session share the same socket.
type SafeConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewSafeConn wraps conn
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteText writes a reply frame
func (c *SafeConn) WriteText(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return net.ErrClosed
	}
	return protocol.WriteText(c.conn, protocol.TypeReply, text)
}

// Close closes the underlying connection once
func (c *SafeConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// RemoteAddr returns the peer address
func (c *SafeConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SessionManager tracks every open connection and the registry of
// authenticated usernames
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session // all connections
	byUser   map[string]*Session // authenticated registry
	nextID   uint64
	metrics  *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		byUser:   make(map[string]*Session),
		nextID:   1,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.metrics = metrics
}

// CreateSession creates an unauthenticated session for conn
func (sm *SessionManager) CreateSession(conn net.Conn) *Session {
	address := ""
	if addr := conn.RemoteAddr(); addr != nil {
		address = addr.String()
		if host, _, err := net.SplitHostPort(address); err == nil {
			address = host
		}
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess := &Session{
		ID:      sm.nextID,
		Conn:    NewSafeConn(conn),
		Address: address,
		state:   StateUnauthenticated,
	}
	sm.nextID++
	sm.sessions[sess.ID] = sess

	sm.metrics.RecordConnections(len(sm.sessions))
	return sess
}

// GetSession returns a connection by session ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// RemoveSession forgets a connection and closes it. Registry entries are
// handled by Unregister.
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	sm.metrics.RecordConnections(len(sm.sessions))
	sm.mu.Unlock()

	sess.Conn.Close()
}

// Register maps sess.Username() to sess. If another session held the
// username it is returned so the caller can close it.
func (sm *SessionManager) Register(sess *Session) *Session {
	username := sess.Username()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	displaced := sm.byUser[username]
	if displaced == sess {
		displaced = nil
	}
	sm.byUser[username] = sess
	sm.metrics.RecordActiveSessions(len(sm.byUser))
	return displaced
}

// Lookup returns the authenticated session for username
func (sm *SessionManager) Lookup(username string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.byUser[username]
	return sess, ok
}

// IsOnline implements Presence
func (sm *SessionManager) IsOnline(username string) bool {
	_, ok := sm.Lookup(username)
	return ok
}

// Remove deletes the registry entry for username. Removing an absent
// username is a no-op.
func (sm *SessionManager) Remove(username string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.byUser[username]; !ok {
		return
	}
	delete(sm.byUser, username)
	sm.metrics.RecordActiveSessions(len(sm.byUser))
}

// Unregister deletes the registry entry for sess.Username() only if it
// still points at sess. It reports whether an entry was removed.
func (sm *SessionManager) Unregister(sess *Session) bool {
	username := sess.Username()

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if current, ok := sm.byUser[username]; !ok || current != sess {
		return false
	}
	delete(sm.byUser, username)
	sm.metrics.RecordActiveSessions(len(sm.byUser))
	return true
}

// ListOthers returns every registered session except excluding, ordered by
// login time. With fewer than two registered sessions it returns nil, which
// callers surface as "no other active users".
func (sm *SessionManager) ListOthers(excluding string) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if len(sm.byUser) < 2 {
		return nil
	}

	others := make([]*Session, 0, len(sm.byUser)-1)
	for username, sess := range sm.byUser {
		if username == excluding {
			continue
		}
		others = append(others, sess)
	}
	sort.Slice(others, func(i, j int) bool {
		ti, tj := others[i].JoinedAt(), others[j].JoinedAt()
		if ti.Equal(tj) {
			return others[i].ID < others[j].ID
		}
		return ti.Before(tj)
	})
	return others
}

// CountOnline returns the number of authenticated users
func (sm *SessionManager) CountOnline() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.byUser)
}

// CountConnections returns the number of open connections
func (sm *SessionManager) CountConnections() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes every connection. Session loops observe the closed
// sockets and clean up after themselves.
func (sm *SessionManager) CloseAll() {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	sm.mu.RUnlock()

	for _, sess := range sessions {
		sess.Conn.Close()
	}
}
