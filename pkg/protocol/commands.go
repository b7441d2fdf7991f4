package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Command names (Client → Server)
const (
	CmdCredentials = "credentials"
	CmdLog         = "Log"
	CmdMsgTo       = "/msgto"
	CmdActiveUser  = "/activeuser"
	CmdCreateGroup = "/creategroup"
	CmdJoinGroup   = "/joingroup"
	CmdGroupMsg    = "/groupmsg"
	CmdP2PVideo    = "/p2pvideo"
	CmdLogout      = "/logout"
)

var (
	ErrEmptyCommand   = errors.New("empty command")
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("invalid command syntax")
)

// UsageError reports a command with the wrong number or shape of arguments
type UsageError struct {
	Command string
	Usage   string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: usage: %s", e.Command, e.Usage)
}

func (e *UsageError) Unwrap() error { return ErrUsage }

// Command is one decoded control-channel record
type Command interface {
	Name() string
	Encode() string
}

// Credentials is the login request: credentials <user> <pass> <udpPort>
type Credentials struct {
	Username string
	Password string
	UDPPort  int
}

func (c *Credentials) Name() string { return CmdCredentials }

func (c *Credentials) Encode() string {
	return fmt.Sprintf("%s %s %s %d", CmdCredentials, c.Username, c.Password, c.UDPPort)
}

// UserLog is the post-login registration: Log <user> <udpPort>
type UserLog struct {
	Username string
	UDPPort  int
}

func (c *UserLog) Name() string { return CmdLog }

func (c *UserLog) Encode() string {
	return fmt.Sprintf("%s %s %d", CmdLog, c.Username, c.UDPPort)
}

// MsgTo is a direct message: /msgto <sender> <recipient> <content...>
type MsgTo struct {
	Sender    string
	Recipient string
	Content   string
}

func (c *MsgTo) Name() string { return CmdMsgTo }

func (c *MsgTo) Encode() string {
	return fmt.Sprintf("%s %s %s %s", CmdMsgTo, c.Sender, c.Recipient, c.Content)
}

// ActiveUser lists the other online users: /activeuser
type ActiveUser struct{}

func (c *ActiveUser) Name() string   { return CmdActiveUser }
func (c *ActiveUser) Encode() string { return CmdActiveUser }

// CreateGroup creates a group: /creategroup <name> <creator> <member>...
type CreateGroup struct {
	Group   string
	Creator string
	Members []string
}

func (c *CreateGroup) Name() string { return CmdCreateGroup }

func (c *CreateGroup) Encode() string {
	return fmt.Sprintf("%s %s %s %s", CmdCreateGroup, c.Group, c.Creator, strings.Join(c.Members, " "))
}

// JoinGroup joins a group the user is a roster member of: /joingroup <name> <user>
type JoinGroup struct {
	Group    string
	Username string
}

func (c *JoinGroup) Name() string { return CmdJoinGroup }

func (c *JoinGroup) Encode() string {
	return fmt.Sprintf("%s %s %s", CmdJoinGroup, c.Group, c.Username)
}

// GroupMsg posts to a joined group: /groupmsg <name> <user> <content...>
type GroupMsg struct {
	Group    string
	Username string
	Content  string
}

func (c *GroupMsg) Name() string { return CmdGroupMsg }

func (c *GroupMsg) Encode() string {
	return fmt.Sprintf("%s %s %s %s", CmdGroupMsg, c.Group, c.Username, c.Content)
}

// P2PVideo requests the data-channel endpoint of an audience member:
// /p2pvideo <audience> <file> <presenter>
type P2PVideo struct {
	Audience  string
	File      string
	Presenter string
}

func (c *P2PVideo) Name() string { return CmdP2PVideo }

func (c *P2PVideo) Encode() string {
	return fmt.Sprintf("%s %s %s %s", CmdP2PVideo, c.Audience, c.File, c.Presenter)
}

// Logout ends the session: /logout <user>
type Logout struct {
	Username string
}

func (c *Logout) Name() string { return CmdLogout }

func (c *Logout) Encode() string {
	return fmt.Sprintf("%s %s", CmdLogout, c.Username)
}

// ParseCommand decodes one control record into a typed command.
// Unknown command names return ErrUnknownCommand; wrong argument shapes
// return a *UsageError.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmptyCommand
	}

	name, rest := splitToken(line)

	switch name {
	case CmdCredentials:
		args := strings.Fields(rest)
		if len(args) != 3 {
			return nil, usage(name, "credentials <user> <pass> <udpPort>")
		}
		port, err := parsePort(args[2])
		if err != nil {
			return nil, usage(name, "credentials <user> <pass> <udpPort>")
		}
		return &Credentials{Username: args[0], Password: args[1], UDPPort: port}, nil

	case CmdLog:
		args := strings.Fields(rest)
		if len(args) != 2 {
			return nil, usage(name, "Log <user> <udpPort>")
		}
		port, err := parsePort(args[1])
		if err != nil {
			return nil, usage(name, "Log <user> <udpPort>")
		}
		return &UserLog{Username: args[0], UDPPort: port}, nil

	case CmdMsgTo:
		args, content := splitArgs(rest, 2)
		if len(args) != 2 || content == "" {
			return nil, usage(name, "/msgto <sender> <recipient> <content>")
		}
		return &MsgTo{Sender: args[0], Recipient: args[1], Content: content}, nil

	case CmdActiveUser:
		if strings.TrimSpace(rest) != "" {
			return nil, usage(name, "/activeuser")
		}
		return &ActiveUser{}, nil

	case CmdCreateGroup:
		args := strings.Fields(rest)
		if len(args) < 3 {
			return nil, usage(name, "/creategroup <name> <creator> <member>...")
		}
		return &CreateGroup{Group: args[0], Creator: args[1], Members: args[2:]}, nil

	case CmdJoinGroup:
		args := strings.Fields(rest)
		if len(args) != 2 {
			return nil, usage(name, "/joingroup <name> <user>")
		}
		return &JoinGroup{Group: args[0], Username: args[1]}, nil

	case CmdGroupMsg:
		args, content := splitArgs(rest, 2)
		if len(args) != 2 || content == "" {
			return nil, usage(name, "/groupmsg <name> <user> <content>")
		}
		return &GroupMsg{Group: args[0], Username: args[1], Content: content}, nil

	case CmdP2PVideo:
		args := strings.Fields(rest)
		if len(args) != 3 {
			return nil, usage(name, "/p2pvideo <audience> <file> <presenter>")
		}
		return &P2PVideo{Audience: args[0], File: args[1], Presenter: args[2]}, nil

	case CmdLogout:
		args := strings.Fields(rest)
		if len(args) != 1 {
			return nil, usage(name, "/logout <user>")
		}
		return &Logout{Username: args[0]}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
}

func usage(name, text string) error {
	return &UsageError{Command: name, Usage: text}
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

// splitToken returns the first whitespace-delimited token and the remainder
func splitToken(s string) (string, string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeftFunc(s[i:], unicode.IsSpace)
}

// splitArgs takes n leading tokens and returns the untouched remainder as
// free text, so message content keeps its inner spacing.
func splitArgs(s string, n int) ([]string, string) {
	args := make([]string, 0, n)
	rest := s
	for len(args) < n {
		var tok string
		tok, rest = splitToken(rest)
		if tok == "" {
			break
		}
		args = append(args, tok)
	}
	return args, strings.TrimRightFunc(rest, unicode.IsSpace)
}

// IsAlphanumeric reports whether s is non-empty and made only of letters and digits
func IsAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
