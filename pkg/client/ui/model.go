package ui

import (
	"context"
	"time"

	"github.com/aeolun/tessenger/pkg/client"
	"github.com/aeolun/tessenger/pkg/protocol"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// loginTimeout bounds the wait for a credentials verdict
const loginTimeout = 10 * time.Second

// notificationTitle is the title of every desktop notification
const notificationTitle = "Tessenger"

// Chat is the command side of a session. *client.Client satisfies it.
type Chat interface {
	Login(ctx context.Context, username, password string) (string, error)
	Execute(line string) error
	HandleReply(ctx context.Context, r protocol.Reply) []string
}

// Feed delivers server records. *client.Connection satisfies it.
type Feed interface {
	Incoming() <-chan protocol.Reply
	Done() <-chan struct{}
}

// Stage is the part of the session the input line belongs to
type Stage int

const (
	StageUsername Stage = iota
	StagePassword
	StageCommands
	StageDone
)

// Model is the interactive client: a login prompt followed by a command
// line, with replies and received files printed above it
type Model struct {
	ctx      context.Context
	chat     Chat
	feed     Feed
	results  <-chan client.TransferResult
	notifier Notifier
	out      func(string) tea.Cmd

	input     textinput.Model
	stage     Stage
	username  string
	loggingIn bool
	loggedIn  bool
	loggedOut bool
}

// NewModel creates the model. results may be nil when no data channel is
// open.
func NewModel(ctx context.Context, chat Chat, feed Feed, results <-chan client.TransferResult, notifier Notifier) Model {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	m := Model{
		ctx:      ctx,
		chat:     chat,
		feed:     feed,
		results:  results,
		notifier: notifier,
		out:      func(s string) tea.Cmd { return tea.Println(s) },
		input:    textinput.New(),
	}
	m.input.Width = 60
	m.promptUsername()
	return m
}

// Stage returns the current stage
func (m Model) Stage() Stage {
	return m.stage
}

// LoggedOut reports whether a logout was sent, so the caller can give the
// server's goodbye time to arrive
func (m Model) LoggedOut() bool {
	return m.loggedOut
}

func (m *Model) promptUsername() {
	m.stage = StageUsername
	m.input.Reset()
	m.input.Prompt = "Username: "
	m.input.Placeholder = ""
	m.input.EchoMode = textinput.EchoNormal
	m.input.Focus()
}

func (m *Model) promptPassword() {
	m.stage = StagePassword
	m.input.Reset()
	m.input.Prompt = "Password: "
	m.input.EchoMode = textinput.EchoPassword
	m.input.EchoCharacter = '•'
	m.input.Focus()
}

func (m *Model) promptCommands() {
	m.stage = StageCommands
	m.input.Reset()
	m.input.Prompt = "> "
	m.input.Placeholder = "/msgto bob hello"
	m.input.EchoMode = textinput.EchoNormal
	m.input.Focus()
}

// Message types

// LoginResultMsg carries the verdict of a login attempt
type LoginResultMsg struct {
	Reply string
	Err   error
}

// ReplyMsg is one server record and the lines it produced
type ReplyMsg struct {
	Reply protocol.Reply
	Lines []string
}

// TransferMsg is a finished incoming file
type TransferMsg struct {
	Result client.TransferResult
}

// DisconnectedMsg is sent once every record from a closed connection has
// been handled
type DisconnectedMsg struct{}

// serverGoneMsg fires when the connection drops, whatever the stage
type serverGoneMsg struct{}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		waitForServerGone(m.feed),
		listenForTransfers(m.results),
	)
}

// login runs the credentials exchange off the update loop
func login(ctx context.Context, chat Chat, username, password string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, loginTimeout)
		defer cancel()
		reply, err := chat.Login(ctx, username, password)
		return LoginResultMsg{Reply: reply, Err: err}
	}
}

// listenForReplies waits for the next server record. It must not run
// before login succeeds, or it would take the reply Login is waiting for.
func listenForReplies(ctx context.Context, chat Chat, feed Feed) tea.Cmd {
	return func() tea.Msg {
		select {
		case reply, ok := <-feed.Incoming():
			if !ok {
				return DisconnectedMsg{}
			}
			return ReplyMsg{Reply: reply, Lines: chat.HandleReply(ctx, reply)}
		case <-feed.Done():
			// Drain what the reader queued before the connection closed
			select {
			case reply, ok := <-feed.Incoming():
				if ok {
					return ReplyMsg{Reply: reply, Lines: chat.HandleReply(ctx, reply)}
				}
			default:
			}
			return DisconnectedMsg{}
		}
	}
}

func listenForTransfers(results <-chan client.TransferResult) tea.Cmd {
	if results == nil {
		return nil
	}
	return func() tea.Msg {
		result, ok := <-results
		if !ok {
			return nil
		}
		return TransferMsg{Result: result}
	}
}

func waitForServerGone(feed Feed) tea.Cmd {
	return func() tea.Msg {
		<-feed.Done()
		return serverGoneMsg{}
	}
}
