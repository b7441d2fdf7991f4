package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/tessenger/pkg/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrQueueFull    = errors.New("outgoing queue full")
)

// Connection is the client end of a control channel. A reader goroutine
// decodes reply frames onto Incoming and a writer goroutine drains the
// outgoing queue; both stop when the connection closes.
type Connection struct {
	addr      string
	dial      func() (net.Conn, error)
	conn      net.Conn
	mu        sync.RWMutex
	connected bool

	incoming chan protocol.Reply
	outgoing chan string
	errors   chan error

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger

	// done is closed once the reader has stopped
	done      chan struct{}
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection creates a new client connection. addr is host:port for
// TCP, or a tcp://, ws:// or wss:// URL.
func NewConnection(addr string) (*Connection, error) {
	dialConfig, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:     dialConfig.display,
		dial:     dialConfig.dial,
		incoming: make(chan protocol.Reply, 100),
		outgoing: make(chan string, 100),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
		shutdown: make(chan struct{}),
	}, nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect establishes the connection and starts the reader and writer
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	c.logf("Connecting to %s...", c.addr)

	conn, err := c.dial()
	if err != nil {
		c.logf("Connection failed: %v", err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logf("Connected successfully to %s", c.addr)

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.writeLoop(conn)

	return nil
}

// Close shuts the connection down and waits for both goroutines. It is
// safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.disconnect()
		c.wg.Wait()
		close(c.incoming)
		close(c.errors)
	})
}

func (c *Connection) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
}

// Send queues a command for the writer
func (c *Connection) Send(cmd protocol.Command) error {
	return c.SendLine(cmd.Encode())
}

// SendLine queues a raw control record
func (c *Connection) SendLine(line string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	select {
	case c.outgoing <- line:
		return nil
	case <-c.shutdown:
		return ErrNotConnected
	default:
		return ErrQueueFull
	}
}

// Incoming returns the channel of replies from the server. It is closed
// by Close.
func (c *Connection) Incoming() <-chan protocol.Reply {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// Done is closed when the server side of the connection has gone away
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Await returns the next reply, or an error when ctx ends or the
// connection drops first
func (c *Connection) Await(ctx context.Context) (protocol.Reply, error) {
	select {
	case reply, ok := <-c.incoming:
		if !ok {
			return protocol.Reply{}, ErrNotConnected
		}
		return reply, nil
	case <-c.done:
		// Drain anything the reader queued before stopping
		select {
		case reply, ok := <-c.incoming:
			if ok {
				return reply, nil
			}
		default:
		}
		return protocol.Reply{}, ErrNotConnected
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAddress returns the server address
func (c *Connection) GetAddress() string {
	return c.addr
}

// ServerHost returns the host part of the server address, used as the
// fallback data-channel address
func (c *Connection) ServerHost() string {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			return host
		}
	}
	if host, _, err := net.SplitHostPort(c.addr); err == nil {
		return host
	}
	return c.addr
}

func (c *Connection) GetBytesSent() uint64     { return c.bytesSent.Load() }
func (c *Connection) GetBytesReceived() uint64 { return c.bytesReceived.Load() }

// readLoop reads reply frames from the connection
func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.done)

	reader := &countingReader{r: conn, counter: &c.bytesReceived}
	for {
		text, err := protocol.ReadText(reader, protocol.TypeReply)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.logf("Connection closed")
			} else {
				c.logf("Read error: %v", err)
				c.reportError(fmt.Errorf("read error: %w", err))
			}
			c.disconnect()
			return
		}

		c.logf("← RECV: %q", text)

		select {
		case c.incoming <- protocol.ParseReply(text):
		case <-c.shutdown:
			return
		}
	}
}

// writeLoop sends queued records to the connection
func (c *Connection) writeLoop(conn net.Conn) {
	defer c.wg.Done()

	writer := &countingWriter{w: conn, counter: &c.bytesSent}
	for {
		select {
		case line := <-c.outgoing:
			if err := protocol.WriteText(writer, protocol.TypeCommand, line); err != nil {
				c.logf("Write error: %v", err)
				c.reportError(fmt.Errorf("write error: %w", err))
				c.disconnect()
				return
			}
			c.logf("→ SEND: %q", line)

		case <-c.done:
			return
		case <-c.shutdown:
			return
		}
	}
}

func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.counter != nil {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

type dialConfig struct {
	display string
	dial    func() (net.Conn, error)
}

const defaultTCPPort = "6470"

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	var parsed *url.URL
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		parsed = u
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		hostPort = u.Host
	}

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: address,
			dial: func() (net.Conn, error) {
				return net.DialTimeout("tcp", address, 10*time.Second)
			},
		}, nil

	case "ws", "wss":
		if parsed.Host == "" {
			return nil, errors.New("missing host in server address")
		}
		return &dialConfig{
			display: parsed.String(),
			dial: func() (net.Conn, error) {
				return DialWebSocket(parsed)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
