package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the human-readable timestamp used in replies and logs
const TimestampLayout = "02 Jan 2006 15:04:05"

// Login replies
const (
	ReplyLoginSuccess  = "login success"
	ReplyLoginFailed   = "login failed"
	ReplyAccountLocked = "account locked"
	ReplyClientBlocked = "client blocked"
)

// Reply kinds (first token of every server record)
const (
	KindLogin           = "login"
	KindAccount         = "account"
	KindClient          = "client"
	KindMsgSent         = "msg_sent"
	KindMsgReceive      = "msg_recieve"
	KindMsgTo           = "msgto"
	KindActiveUser      = "activeuser"
	KindCreateGroup     = "creategroup"
	KindJoinGroup       = "joingroup"
	KindGroupMsg        = "groupmsg"
	KindGroupMsgReceive = "groupmsg_recieve"
	KindP2PVideo        = "p2pvideo"
	KindLogout          = "logout"
	KindError           = "error"
)

// NoOtherActiveUsers is the /activeuser body when the caller is alone
const NoOtherActiveUsers = "No other active users."

// Reply is a decoded server record
type Reply struct {
	Kind string
	Body string
}

// ParseReply splits a server record into its kind and body
func ParseReply(text string) Reply {
	kind, body := splitToken(text)
	return Reply{Kind: kind, Body: body}
}

// String reassembles the record as sent
func (r Reply) String() string {
	if r.Body == "" {
		return r.Kind
	}
	return r.Kind + " " + r.Body
}

// IsError reports whether the reply body carries an error status
func (r Reply) IsError() bool {
	return strings.HasPrefix(r.Body, "Error:")
}

// FormatTimestamp renders t in TimestampLayout
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// ErrorReply builds "<kind> Error: <message>"
func ErrorReply(kind, format string, args ...interface{}) string {
	return fmt.Sprintf("%s Error: %s", kind, fmt.Sprintf(format, args...))
}

// DirectDelivery is the record pushed to a direct-message recipient
func DirectDelivery(ts time.Time, sender, content string) string {
	return fmt.Sprintf("%s %s, %s: %s", KindMsgReceive, FormatTimestamp(ts), sender, content)
}

// DirectAck is the record returned to a direct-message sender
func DirectAck(ts time.Time) string {
	return fmt.Sprintf("%s message sent at %s", KindMsgSent, FormatTimestamp(ts))
}

// GroupDelivery is the record pushed to each joined group member
func GroupDelivery(ts time.Time, group, sender, content string) string {
	return fmt.Sprintf("%s %s, %s, %s: %s", KindGroupMsgReceive, FormatTimestamp(ts), group, sender, content)
}

// Endpoint is a data-channel endpoint handed out by /p2pvideo
type Endpoint struct {
	Username string
	Address  string
	Port     int
}

// String renders host:port
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// EndpointReply is the successful /p2pvideo reply:
// p2pvideo <audience> <udpPort> <address>
func EndpointReply(e Endpoint) string {
	return fmt.Sprintf("%s %s %d %s", KindP2PVideo, e.Username, e.Port, e.Address)
}

// ParseEndpoint decodes the body of a successful /p2pvideo reply. The address
// token is optional; when absent the caller falls back to the server host.
func ParseEndpoint(body string) (Endpoint, error) {
	fields := strings.Fields(body)
	if len(fields) != 2 && len(fields) != 3 {
		return Endpoint{}, fmt.Errorf("%w: p2pvideo reply %q", ErrUsage, body)
	}
	port, err := parsePort(fields[1])
	if err != nil {
		return Endpoint{}, fmt.Errorf("p2pvideo reply port: %w", err)
	}
	e := Endpoint{Username: fields[0], Port: port}
	if len(fields) == 3 {
		e.Address = fields[2]
	}
	return e, nil
}

// ActiveUserEntry is one line of an /activeuser listing
type ActiveUserEntry struct {
	Username    string
	Address     string
	UDPPort     int
	ActiveSince time.Time
}

// ActiveUserReply renders an /activeuser listing. An empty listing yields
// the NoOtherActiveUsers sentinel.
func ActiveUserReply(entries []ActiveUserEntry) string {
	if len(entries) == 0 {
		return KindActiveUser + " " + NoOtherActiveUsers
	}
	var b strings.Builder
	b.WriteString(KindActiveUser)
	b.WriteByte(' ')
	for _, e := range entries {
		b.WriteString(e.Username)
		b.WriteString("; ")
		b.WriteString(e.Address)
		b.WriteString("; ")
		b.WriteString(strconv.Itoa(e.UDPPort))
		b.WriteString("; active since ")
		b.WriteString(FormatTimestamp(e.ActiveSince))
		b.WriteString(".\n")
	}
	return b.String()
}
