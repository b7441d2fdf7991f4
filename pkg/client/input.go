package client

import (
	"fmt"
	"strings"

	"github.com/aeolun/tessenger/pkg/protocol"
)

// Prompt lists the commands a logged-in user can type
const Prompt = "Enter one of the following commands (/msgto, /activeuser, /creategroup, /joingroup, /groupmsg, /p2pvideo, /logout):"

// InputError is a command rejected before it is sent to the server
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

func syntaxError(form string) error {
	return &InputError{Message: "Error: Invalid syntax. Command should be in the form of " + form}
}

// ParseInput turns a line typed by username into the wire command. The
// user never types their own name; it is filled in here.
func ParseInput(line, username string) (protocol.Command, error) {
	line = strings.TrimSpace(line)
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch name {
	case protocol.CmdMsgTo:
		recipient, content := cutField(rest)
		if recipient == "" || content == "" {
			return nil, syntaxError("/msgto USERNAME MESSAGE_CONTENT")
		}
		return &protocol.MsgTo{Sender: username, Recipient: recipient, Content: content}, nil

	case protocol.CmdActiveUser:
		if len(args) != 0 {
			return nil, syntaxError("/activeuser")
		}
		return &protocol.ActiveUser{}, nil

	case protocol.CmdCreateGroup:
		if len(args) < 2 {
			return nil, syntaxError("/creategroup GROUPNAME USERNAMES")
		}
		return &protocol.CreateGroup{Group: args[0], Creator: username, Members: args[1:]}, nil

	case protocol.CmdJoinGroup:
		if len(args) != 1 {
			return nil, syntaxError("/joingroup GROUPNAME")
		}
		return &protocol.JoinGroup{Group: args[0], Username: username}, nil

	case protocol.CmdGroupMsg:
		group, content := cutField(rest)
		if group == "" || content == "" {
			return nil, syntaxError("/groupmsg GROUPNAME MESSAGE_CONTENT")
		}
		return &protocol.GroupMsg{Group: group, Username: username, Content: content}, nil

	case protocol.CmdP2PVideo:
		if len(args) != 2 {
			return nil, syntaxError("/p2pvideo USERNAME FILENAME")
		}
		return &protocol.P2PVideo{Audience: args[0], File: args[1], Presenter: username}, nil

	case protocol.CmdLogout:
		if len(args) != 0 {
			return nil, syntaxError("/logout")
		}
		return &protocol.Logout{Username: username}, nil
	}

	return nil, &InputError{Message: "Error: Invalid command. Please try again."}
}

// cutField splits off the first whitespace-delimited token. The remainder
// keeps its inner spacing.
func cutField(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i+1:], " \t")
}

// ValidateLogin checks a username/password pair before it is sent
func ValidateLogin(username, password string) error {
	if username == "" || password == "" || strings.ContainsAny(username, " \t") || strings.ContainsAny(password, " \t") {
		return &InputError{Message: "Error: Invalid username or password. Please try again."}
	}
	return nil
}

// FormatReply renders a server record for the terminal. Successful
// p2pvideo replies are consumed by the transfer logic and are not shown.
func FormatReply(r protocol.Reply) (string, bool) {
	switch {
	case r.Kind == protocol.KindP2PVideo && !r.IsError():
		return "", false
	case r.Kind == protocol.KindActiveUser:
		return strings.TrimRight(r.Body, "\n"), true
	case r.Body == "":
		return r.Kind, true
	}
	return r.Body, true
}

// LoginMessage is the text shown for a login reply
func LoginMessage(reply string) string {
	switch reply {
	case protocol.ReplyLoginSuccess:
		return "Welcome to TESSENGER!"
	case protocol.ReplyLoginFailed:
		return "Login failed. Please try again."
	case protocol.ReplyAccountLocked:
		return "Your account has been locked. Please try again later."
	case protocol.ReplyClientBlocked:
		return "Your account is blocked due to multiple login failures. Please try again later"
	}
	return fmt.Sprintf("Unexpected login reply: %s", reply)
}
