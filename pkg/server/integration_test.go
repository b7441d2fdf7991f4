package server

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/tessenger/pkg/database"
	"github.com/aeolun/tessenger/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration test helpers

// startTestServer starts a real server on a random port and returns the
// server, its address and the audit database path
func startTestServer(t *testing.T, mutate func(*ServerConfig)) (*Server, string, string) {
	t.Helper()
	initTestLoggers()

	tmpDir := t.TempDir()
	credPath := filepath.Join(tmpDir, "credentials.txt")
	var lines []string
	for user, pass := range testCredentials {
		lines = append(lines, user+" "+pass)
	}
	require.NoError(t, os.WriteFile(credPath, []byte(strings.Join(lines, "\n")+"\n"), 0600))

	config := DefaultConfig()
	config.BindHost = "127.0.0.1"
	config.TCPPort = 0
	config.HTTPPort = 0
	config.CredentialsPath = credPath
	config.DatabasePath = filepath.Join(tmpDir, "audit.db")
	config.ClearLogsOnShutdown = false
	if mutate != nil {
		mutate(&config)
	}

	srv, err := NewServer(config)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	t.Cleanup(func() {
		srv.Stop()
	})

	return srv, srv.Addr().String(), config.DatabasePath
}

// testClient is a raw control-channel client
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if err := protocol.WriteText(c.conn, protocol.TypeCommand, line); err != nil {
		c.t.Fatalf("Failed to send %q: %v", line, err)
	}
}

func (c *testClient) expect() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})

	text, err := protocol.ReadText(c.conn, protocol.TypeReply)
	if err != nil {
		c.t.Fatalf("Failed to read reply: %v", err)
	}
	return text
}

func (c *testClient) login(username string, udpPort int) {
	c.t.Helper()
	c.send((&protocol.Credentials{Username: username, Password: testCredentials[username], UDPPort: udpPort}).Encode())
	if reply := c.expect(); reply != protocol.ReplyLoginSuccess {
		c.t.Fatalf("login %s: %q", username, reply)
	}
	c.send((&protocol.UserLog{Username: username, UDPPort: udpPort}).Encode())
}

// expectClosed waits for the server to close the connection
func (c *testClient) expectClosed() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := c.conn.Read(buf); err == nil {
		c.t.Fatal("expected connection to be closed")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		c.t.Fatal("connection still open")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestIntegrationDirectMessage(t *testing.T) {
	srv, addr, _ := startTestServer(t, nil)

	alice := dialTestClient(t, addr)
	bob := dialTestClient(t, addr)
	alice.login("alice", 7001)
	bob.login("bob", 7002)

	alice.send("/msgto alice bob are you there?")
	assert.True(t, strings.HasPrefix(alice.expect(), "msg_sent message sent at "))

	delivered := protocol.ParseReply(bob.expect())
	assert.Equal(t, protocol.KindMsgReceive, delivered.Kind)
	assert.True(t, strings.HasSuffix(delivered.Body, ", alice: are you there?"))

	bob.send("/activeuser")
	listing := bob.expect()
	assert.True(t, strings.HasPrefix(listing, "activeuser alice; 127.0.0.1; 7001; active since "), listing)

	assert.Equal(t, 2, srv.sessions.CountOnline())
}

func TestIntegrationDisconnectRemovesRegistration(t *testing.T) {
	srv, addr, dbPath := startTestServer(t, nil)

	alice := dialTestClient(t, addr)
	bob := dialTestClient(t, addr)
	alice.login("alice", 7001)
	bob.login("bob", 7002)

	// Round trip so both Log records are processed
	alice.send("/activeuser")
	alice.expect()
	bob.send("/activeuser")
	bob.expect()

	db, err := database.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	users, err := db.ListActiveUsers()
	require.NoError(t, err)
	require.Len(t, users, 2)

	alice.conn.Close()
	waitFor(t, func() bool {
		users, err := db.ListActiveUsers()
		return err == nil && len(users) == 1
	})
	assert.False(t, srv.sessions.IsOnline("alice"))

	bob.send("/msgto bob alice still there?")
	assert.Equal(t, "msgto Error: User alice is not online.", bob.expect())

	// bob moved up to the first position
	users, err = db.ListActiveUsers()
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].Username)
	assert.Equal(t, int64(1), users[0].Seq)
}

func TestIntegrationLockoutClosesConnection(t *testing.T) {
	_, addr, _ := startTestServer(t, func(c *ServerConfig) {
		c.MaxInvalidAttempts = 2
	})

	c := dialTestClient(t, addr)
	c.send("credentials alice nope 7001")
	assert.Equal(t, "login failed", c.expect())
	c.send("credentials alice nope 7001")
	assert.Equal(t, "account locked", c.expect())
	c.expectClosed()

	retry := dialTestClient(t, addr)
	retry.send("credentials alice pw1 7001")
	assert.Equal(t, "client blocked", retry.expect())
}

func TestIntegrationLogout(t *testing.T) {
	srv, addr, _ := startTestServer(t, nil)

	alice := dialTestClient(t, addr)
	alice.login("alice", 7001)
	alice.send("/logout alice")
	assert.Equal(t, "logout Bye, alice!", alice.expect())
	alice.expectClosed()

	assert.False(t, srv.sessions.IsOnline("alice"))
}

func TestIntegrationGroupMessaging(t *testing.T) {
	_, addr, dbPath := startTestServer(t, nil)

	bob := dialTestClient(t, addr)
	carol := dialTestClient(t, addr)
	bob.login("bob", 7002)
	carol.login("carol", 7003)

	bob.send("/creategroup team bob carol")
	assert.Equal(t, "creategroup Group team created successfully. Group members: bob carol", bob.expect())

	carol.send("/joingroup team carol")
	assert.Equal(t, "joingroup team joined successfully.", carol.expect())

	bob.send("/groupmsg team bob hello team")
	assert.True(t, strings.HasPrefix(bob.expect(), "groupmsg Group message sent to team at "))
	assert.True(t, strings.HasSuffix(carol.expect(), ", team, bob: hello team"))

	db, err := database.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	header, err := db.GetGroupLog("team")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, header.Members)

	msgs, err := db.ListGroupMessages("team")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].Seq)
	assert.Equal(t, "hello team", msgs[0].Content)
}

func TestIntegrationClearLogsOnShutdown(t *testing.T) {
	srv, addr, dbPath := startTestServer(t, func(c *ServerConfig) {
		c.ClearLogsOnShutdown = true
	})

	alice := dialTestClient(t, addr)
	bob := dialTestClient(t, addr)
	alice.login("alice", 7001)
	bob.login("bob", 7002)
	alice.send("/msgto alice bob hi")
	alice.expect()

	require.NoError(t, srv.Stop())

	db, err := database.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	msgs, err := db.ListDirectMessages()
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestIntegrationWebSocketControlChannel(t *testing.T) {
	srv, addr, _ := startTestServer(t, nil)

	httpSrv := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	wsConn := NewWebSocketConn(ws)
	defer wsConn.Close()
	alice := &testClient{t: t, conn: wsConn}

	bob := dialTestClient(t, addr)
	alice.login("alice", 7001)
	bob.login("bob", 7002)

	bob.send("/msgto bob alice over tcp")
	bob.expect()
	assert.True(t, strings.HasSuffix(alice.expect(), ", bob: over tcp"))
}

func TestIntegrationWebSocketAfterStopIsClosed(t *testing.T) {
	srv, _, _ := startTestServer(t, nil)

	httpSrv := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	defer httpSrv.Close()

	require.NoError(t, srv.Stop())
	assert.False(t, srv.track(), "no connection may be tracked once Stop has begun")

	// An upgrade finishing after Stop gets a closed connection instead of
	// a session nobody waits for
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatal("connection was left open after Stop")
	}
}
