package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/aeolun/tessenger/pkg/protocol"
)

// ErrLoginRejected is returned by Login for any reply other than success
var ErrLoginRejected = errors.New("login rejected")

type pendingTransfer struct {
	audience string
	file     string
}

// Client ties a control connection to a data-channel sender for one
// logged-in user
type Client struct {
	conn     *Connection
	sender   *Sender
	username string
	udpPort  int

	mu sync.Mutex
	// p2pvideo requests awaiting their reply, in send order. The server
	// answers commands in order, so each p2pvideo reply pops the front.
	pending []pendingTransfer
}

// NewClient creates a client. udpPort is the local data-channel port
// announced to the server at login.
func NewClient(conn *Connection, sender *Sender, udpPort int) *Client {
	return &Client{conn: conn, sender: sender, udpPort: udpPort}
}

// Username returns the logged-in username, or "" before login
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Login sends credentials and waits for the verdict. On success the
// active-user registration follows immediately. The raw login reply is
// returned in every case; err is ErrLoginRejected when it is not a success.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	if err := ValidateLogin(username, password); err != nil {
		return "", err
	}

	if err := c.conn.Send(&protocol.Credentials{Username: username, Password: password, UDPPort: c.udpPort}); err != nil {
		return "", err
	}
	reply, err := c.conn.Await(ctx)
	if err != nil {
		return "", err
	}

	text := reply.String()
	if text != protocol.ReplyLoginSuccess {
		return text, ErrLoginRejected
	}

	c.mu.Lock()
	c.username = username
	c.mu.Unlock()

	if err := c.conn.Send(&protocol.UserLog{Username: username, UDPPort: c.udpPort}); err != nil {
		return text, err
	}
	return text, nil
}

// Execute validates a typed line and sends it. A /p2pvideo request is
// remembered so the file can be sent when the endpoint reply arrives.
func (c *Client) Execute(line string) error {
	username := c.Username()
	if username == "" {
		return &InputError{Message: "Error: Please log in first."}
	}

	cmd, err := ParseInput(line, username)
	if err != nil {
		return err
	}

	if p2p, ok := cmd.(*protocol.P2PVideo); ok {
		info, err := os.Stat(p2p.File)
		if err != nil || info.IsDir() {
			return &InputError{Message: fmt.Sprintf("Error: File %s does not exist.", p2p.File)}
		}
		c.mu.Lock()
		c.pending = append(c.pending, pendingTransfer{audience: p2p.Audience, file: p2p.File})
		c.mu.Unlock()
	}

	if err := c.conn.Send(cmd); err != nil {
		if _, ok := cmd.(*protocol.P2PVideo); ok {
			c.popPending()
		}
		return err
	}
	return nil
}

func (c *Client) popPending() (pendingTransfer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return pendingTransfer{}, false
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	return p, true
}

// HandleReply processes one server record and returns the lines to show.
// A successful /p2pvideo reply triggers the file transfer.
func (c *Client) HandleReply(ctx context.Context, r protocol.Reply) []string {
	if r.Kind != protocol.KindP2PVideo {
		text, show := FormatReply(r)
		if !show {
			return nil
		}
		return []string{text}
	}

	p, ok := c.popPending()
	if r.IsError() || !ok {
		return []string{r.Body}
	}

	endpoint, err := protocol.ParseEndpoint(r.Body)
	if err != nil {
		return []string{fmt.Sprintf("Error: bad p2pvideo reply: %v", err)}
	}
	if endpoint.Username != p.audience {
		return []string{fmt.Sprintf("Error: p2pvideo reply for %s does not match request for %s.", endpoint.Username, p.audience)}
	}
	if endpoint.Address == "" {
		endpoint.Address = c.conn.ServerHost()
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(endpoint.Address, strconv.Itoa(endpoint.Port)))
	if err != nil {
		return []string{fmt.Sprintf("Error: cannot resolve %s: %v", endpoint, err)}
	}

	if _, err := c.sender.SendFile(ctx, addr, c.Username(), p.audience, p.file); err != nil {
		return []string{fmt.Sprintf("Error: sending %s to %s failed: %v", p.file, p.audience, err)}
	}
	return []string{"File sent successfully"}
}

// DescribeResult is the line shown when a transfer arrives
func DescribeResult(r TransferResult) string {
	if r.Complete() {
		return fmt.Sprintf("File (%s) received from %s", r.Header.FileName, r.Header.Presenter)
	}
	return fmt.Sprintf("File (%s) received from %s with %d of %d chunks missing",
		r.Header.FileName, r.Header.Presenter, len(r.Missing), r.Header.Chunks)
}
