package server

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/tessenger/pkg/protocol"
)

// mockAudit is an in-memory AuditLog for testing
type mockAudit struct {
	mu          sync.Mutex
	activeUsers []activeRow
	direct      []directRow
	groups      map[string][]string
	groupMsgs   map[string][]directRow
	cleared     bool
	closed      bool
}

type activeRow struct {
	username string
	address  string
	udpPort  int
}

type directRow struct {
	seq       int64
	sender    string
	recipient string
	content   string
}

func newMockAudit() *mockAudit {
	return &mockAudit{
		groups:    make(map[string][]string),
		groupMsgs: make(map[string][]directRow),
	}
}

func (m *mockAudit) AddActiveUser(loggedAt time.Time, username, address string, udpPort int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeUsers = append(m.activeUsers, activeRow{username, address, udpPort})
	return int64(len(m.activeUsers)), nil
}

func (m *mockAudit) RemoveActiveUser(username string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.activeUsers[:0]
	var removed int64
	for _, row := range m.activeUsers {
		if row.username == username {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	m.activeUsers = kept
	return removed, nil
}

func (m *mockAudit) AppendDirectMessage(ts time.Time, sender, recipient, content string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := int64(len(m.direct) + 1)
	m.direct = append(m.direct, directRow{seq, sender, recipient, content})
	return seq, nil
}

func (m *mockAudit) CreateGroupLog(name string, members []string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// A new stream replaces any earlier one with the same name
	m.groups[name] = append([]string(nil), members...)
	delete(m.groupMsgs, name)
	return nil
}

func (m *mockAudit) AppendGroupMessage(group string, ts time.Time, sender, content string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[group]; !ok {
		return 0, errors.New("group log not found")
	}
	seq := int64(len(m.groupMsgs[group]) + 1)
	m.groupMsgs[group] = append(m.groupMsgs[group], directRow{seq, sender, "", content})
	return seq, nil
}

func (m *mockAudit) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeUsers = nil
	m.direct = nil
	m.groups = make(map[string][]string)
	m.groupMsgs = make(map[string][]directRow)
	m.cleared = true
	return nil
}

func (m *mockAudit) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockAudit) activeUsernames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.activeUsers))
	for _, row := range m.activeUsers {
		names = append(names, row.username)
	}
	return names
}

func (m *mockAudit) directMessages() []directRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]directRow(nil), m.direct...)
}

func (m *mockAudit) groupMessages(group string) []directRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]directRow(nil), m.groupMsgs[group]...)
}

// mockConn records written frames
type mockConn struct {
	mu       sync.Mutex
	readBuf  *bytes.Buffer
	writeBuf *bytes.Buffer
	addr     net.Addr
	closed   bool
	failing  bool
}

func newMockConn() *mockConn {
	return &mockConn{
		readBuf:  &bytes.Buffer{},
		writeBuf: &bytes.Buffer{},
		addr:     &mockAddr{addr: "10.0.0.1:50000"},
	}
}

func (m *mockConn) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBuf.Read(b)
}

func (m *mockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.failing {
		return 0, io.ErrClosedPipe
	}
	return m.writeBuf.Write(b)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) LocalAddr() net.Addr                { return &mockAddr{addr: "127.0.0.1:6470"} }
func (m *mockConn) RemoteAddr() net.Addr               { return m.addr }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

// replies drains and decodes every reply frame written so far
func (m *mockConn) replies(t *testing.T) []string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for m.writeBuf.Len() > 0 {
		text, err := protocol.ReadText(m.writeBuf, protocol.TypeReply)
		if err != nil {
			t.Fatalf("Failed to decode reply: %v", err)
		}
		out = append(out, text)
	}
	return out
}

type mockAddr struct {
	addr string
}

func (m *mockAddr) Network() string { return "tcp" }
func (m *mockAddr) String() string  { return m.addr }

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// initTestLoggers initializes package-level loggers for testing
func initTestLoggers() {
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(io.Discard)
}

var testCredentials = map[string]string{
	"alice": "pw1",
	"bob":   "pw2",
	"carol": "pw3",
	"dave":  "pw4",
	"erin":  "pw5",
}

// testServer creates a server over an in-memory audit log and a fake clock
func testServer(t *testing.T) (*Server, *mockAudit, *fakeClock) {
	t.Helper()
	initTestLoggers()

	audit := newMockAudit()
	clock := newFakeClock()

	cfg := DefaultConfig()
	srv := newServer(audit, NewCredentials(testCredentials), cfg)
	srv.now = clock.Now
	srv.guard.now = clock.Now
	srv.groups.now = clock.Now
	srv.router.now = clock.Now

	return srv, audit, clock
}

// testSession creates a connection-level session on srv
func testSession(srv *Server, remote string) (*Session, *mockConn) {
	conn := newMockConn()
	conn.addr = &mockAddr{addr: remote}
	return srv.sessions.CreateSession(conn), conn
}

// loginSession creates a session and logs it in as username
func loginSession(t *testing.T, srv *Server, username string, udpPort int) (*Session, *mockConn) {
	t.Helper()
	sess, conn := testSession(srv, "10.0.0.1:50000")
	send(t, srv, sess, (&protocol.Credentials{Username: username, Password: testCredentials[username], UDPPort: udpPort}).Encode())
	replies := conn.replies(t)
	if len(replies) != 1 || replies[0] != protocol.ReplyLoginSuccess {
		t.Fatalf("login %s: got %q", username, replies)
	}
	return sess, conn
}

// send dispatches one command line on behalf of sess
func send(t *testing.T, srv *Server, sess *Session, line string) {
	t.Helper()
	if err := srv.handleCommand(sess, line); err != nil {
		t.Fatalf("handleCommand(%q): %v", line, err)
	}
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
