package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aeolun/tessenger/pkg/database"
	"github.com/aeolun/tessenger/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	debugLog = log.New(io.Discard, "DEBUG: ", log.Ldate|log.Ltime|log.Lmicroseconds)
)

// ErrInvalidAttempts is returned for a lockout threshold outside 1..5
var ErrInvalidAttempts = errors.New("max invalid attempts must be an integer between 1 and 5")

// Server is the chat and transfer-broker server
type Server struct {
	audit      AuditLog
	listener   net.Listener
	httpServer *http.Server
	sessions   *SessionManager
	guard      *LoginGuard
	groups     *GroupDirectory
	router     *Router
	broker     *TransferBroker
	metrics    *Metrics
	config     ServerConfig
	startTime  time.Time
	now        func() time.Time
	shutdown   chan struct{}
	stopOnce   sync.Once

	// trackMu orders wg.Add for new connections against Stop's wg.Wait
	trackMu  sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// ServerConfig holds server configuration
type ServerConfig struct {
	BindHost            string
	TCPPort             int
	HTTPPort            int // 0 disables the WebSocket/metrics listener
	CredentialsPath     string
	DatabasePath        string
	MaxInvalidAttempts  int
	LockDuration        time.Duration
	ClearLogsOnShutdown bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		BindHost:            "127.0.0.1",
		TCPPort:             6470,
		HTTPPort:            6471,
		CredentialsPath:     "credentials.txt",
		DatabasePath:        "~/.tessenger/audit.db",
		MaxInvalidAttempts:  3,
		LockDuration:        10 * time.Second,
		ClearLogsOnShutdown: true,
	}
}

// Validate checks the configuration before the server starts
func (c ServerConfig) Validate() error {
	if c.MaxInvalidAttempts < 1 || c.MaxInvalidAttempts > 5 {
		return fmt.Errorf("%w (got %d)", ErrInvalidAttempts, c.MaxInvalidAttempts)
	}
	if c.TCPPort < 0 || c.TCPPort > 65535 {
		return fmt.Errorf("invalid tcp port %d", c.TCPPort)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTPPort)
	}
	if c.LockDuration <= 0 {
		return fmt.Errorf("lock duration must be positive (got %s)", c.LockDuration)
	}
	return nil
}

// NewServer loads the credential file, opens the audit database and
// creates a server instance
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	credPath, err := expandHome(config.CredentialsPath)
	if err != nil {
		return nil, err
	}
	creds, err := LoadCredentials(credPath)
	if err != nil {
		return nil, err
	}
	log.Printf("Loaded %d credential entries from %s", creds.Len(), credPath)

	dbPath, err := expandHome(config.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return newServer(db, creds, config), nil
}

func newServer(audit AuditLog, creds CredentialStore, config ServerConfig) *Server {
	sessions := NewSessionManager()
	groups := NewGroupDirectory(sessions)

	s := &Server{
		audit:    audit,
		sessions: sessions,
		guard:    NewLoginGuard(creds, config.MaxInvalidAttempts, config.LockDuration),
		groups:   groups,
		router:   NewRouter(sessions, groups, audit),
		broker:   NewTransferBroker(sessions),
		config:   config,
		now:      time.Now,
		shutdown: make(chan struct{}),
	}
	return s
}

// SetMetrics attaches metrics to the server and its components
func (s *Server) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
	s.sessions.SetMetrics(metrics)
	s.router.metrics = metrics
	s.broker.metrics = metrics
}

// EnableDebugLogging sends per-command debug output to stderr
func (s *Server) EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// Start starts the TCP listener and, when configured, the HTTP listener
// serving /ws, /metrics and /health
func (s *Server) Start() error {
	s.startTime = s.now()

	addr := net.JoinHostPort(s.config.BindHost, strconv.Itoa(s.config.TCPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", listener.Addr())

	if s.config.HTTPPort > 0 {
		if err := s.startHTTPServer(); err != nil {
			s.listener.Close()
			return err
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) startHTTPServer() error {
	addr := net.JoinHostPort(s.config.BindHost, strconv.Itoa(s.config.HTTPPort))
	httpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", s.HealthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()
	log.Printf("HTTP server listening on %s (ws, metrics, health)", httpListener.Addr())
	return nil
}

// Addr returns the control-channel listen address once started
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server and closes the audit log, clearing it
// first when ClearLogsOnShutdown is set. Later calls return net.ErrClosed.
func (s *Server) Stop() error {
	err := net.ErrClosed
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	close(s.shutdown)

	s.trackMu.Lock()
	s.stopping = true
	s.trackMu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errorLog.Printf("HTTP shutdown error: %v", err)
		}
		cancel()
	}

	// Closing every connection unblocks the per-session read loops
	s.sessions.CloseAll()
	s.wg.Wait()

	if s.config.ClearLogsOnShutdown {
		if err := s.audit.Clear(); err != nil {
			errorLog.Printf("Failed to clear audit logs: %v", err)
		} else {
			log.Printf("All audit logs cleared")
		}
	}

	return s.audit.Close()
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		if !s.track() {
			conn.Close()
			return
		}
		go s.serveConn(conn)
	}
}

// track registers a connection goroutine with the shutdown wait group. It
// reports false once Stop has begun; the caller must then close the
// connection itself.
func (s *Server) track() bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// serveConn owns one control channel until it is terminated
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	sess := s.sessions.CreateSession(conn)
	defer s.endSession(sess)

	// Stop may have run CloseAll before this session existed
	select {
	case <-s.shutdown:
		return
	default:
	}

	log.Printf("New connection from %s (session %d)", conn.RemoteAddr(), sess.ID)
	s.messageLoop(sess, conn)
}

// messageLoop decodes one command per frame and dispatches it
func (s *Server) messageLoop(sess *Session, conn net.Conn) {
	for {
		frame, err := protocol.DecodeFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				debugLog.Printf("Session %d disconnected", sess.ID)
			} else {
				debugLog.Printf("Session %d read error: %v", sess.ID, err)
			}
			return
		}

		if frame.Type != protocol.TypeCommand {
			s.metrics.RecordError(ErrorTransport)
			if err := sess.Send(protocol.ErrorReply(protocol.KindError, "Unexpected frame type 0x%02X.", frame.Type)); err != nil {
				return
			}
			continue
		}

		if err := s.handleCommand(sess, string(frame.Payload)); err != nil {
			debugLog.Printf("Session %d write error: %v", sess.ID, err)
			return
		}

		if sess.State() == StateTerminated {
			return
		}
	}
}

// endSession tears down a connection. A disconnect counts as an implicit
// logout, but the registry entry is only removed while it still belongs to
// this session; a newer login for the same username keeps its entry.
func (s *Server) endSession(sess *Session) {
	if username := sess.Username(); username != "" && s.sessions.Unregister(sess) {
		if _, err := s.audit.RemoveActiveUser(username); err != nil {
			errorLog.Printf("Failed to remove %s from active user log: %v", username, err)
		}
		log.Printf("User %s disconnected", username)
	}
	sess.terminate()
	s.sessions.RemoveSession(sess.ID)
}
