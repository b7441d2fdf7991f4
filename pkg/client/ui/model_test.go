package ui

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/aeolun/tessenger/pkg/client"
	"github.com/aeolun/tessenger/pkg/protocol"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

type fakeChat struct {
	mu         sync.Mutex
	username   string
	password   string
	loginReply string
	loginErr   error
	executeErr error
	executed   []string
}

func (c *fakeChat) Login(ctx context.Context, username, password string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username, c.password = username, password
	return c.loginReply, c.loginErr
}

func (c *fakeChat) Execute(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed = append(c.executed, line)
	return c.executeErr
}

func (c *fakeChat) HandleReply(ctx context.Context, r protocol.Reply) []string {
	text, show := client.FormatReply(r)
	if !show {
		return nil
	}
	return []string{text}
}

type fakeFeed struct {
	incoming chan protocol.Reply
	done     chan struct{}
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{incoming: make(chan protocol.Reply, 8), done: make(chan struct{})}
}

func (f *fakeFeed) Incoming() <-chan protocol.Reply { return f.incoming }
func (f *fakeFeed) Done() <-chan struct{}           { return f.done }

type fakeNotifier struct {
	messages []string
}

func (n *fakeNotifier) Notify(title, message string) error {
	n.messages = append(n.messages, message)
	return nil
}

type printed struct {
	lines []string
}

func (p *printed) contains(s string) bool {
	for _, line := range p.lines {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

func setupTestModel(chat *fakeChat, feed *fakeFeed) (Model, *printed, *fakeNotifier) {
	notifier := &fakeNotifier{}
	out := &printed{}
	m := NewModel(context.Background(), chat, feed, nil, notifier)
	m.out = func(s string) tea.Cmd {
		out.lines = append(out.lines, s)
		return nil
	}
	return m, out, notifier
}

func typeText(m Model, text string) Model {
	newModel, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
	return newModel.(Model)
}

func pressEnter(m Model) (Model, tea.Cmd) {
	newModel, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return newModel.(Model), cmd
}

func loggedInModel(chat *fakeChat, feed *fakeFeed) (Model, *printed, *fakeNotifier) {
	m, out, notifier := setupTestModel(chat, feed)
	newModel, _ := m.Update(LoginResultMsg{Reply: protocol.ReplyLoginSuccess})
	return newModel.(Model), out, notifier
}

func TestLoginFlow(t *testing.T) {
	chat := &fakeChat{loginReply: protocol.ReplyLoginSuccess}
	m, out, _ := setupTestModel(chat, newFakeFeed())

	if m.Stage() != StageUsername {
		t.Fatalf("Expected username stage, got %v", m.Stage())
	}

	m = typeText(m, "alice")
	m, _ = pressEnter(m)
	if m.Stage() != StagePassword {
		t.Fatalf("Expected password stage, got %v", m.Stage())
	}
	if m.input.EchoMode != textinput.EchoPassword {
		t.Error("Password input should not echo")
	}

	m = typeText(m, "secret")
	m, cmd := pressEnter(m)
	if !m.loggingIn {
		t.Error("Submitting the password should start a login")
	}
	if cmd == nil {
		t.Fatal("Expected a login command")
	}

	// Typing is ignored while the verdict is pending
	m = typeText(m, "x")
	if m.input.Value() != "" {
		t.Errorf("Input should be locked during login, got %q", m.input.Value())
	}

	msg := cmd()
	result, ok := msg.(LoginResultMsg)
	if !ok {
		t.Fatalf("Expected LoginResultMsg, got %T", msg)
	}
	if chat.username != "alice" || chat.password != "secret" {
		t.Errorf("Login got %q/%q", chat.username, chat.password)
	}

	newModel, _ := m.Update(result)
	m = newModel.(Model)
	if m.Stage() != StageCommands || !m.loggedIn {
		t.Errorf("Expected command stage after login, got %v", m.Stage())
	}
	if !out.contains("Welcome to TESSENGER!") {
		t.Errorf("Expected welcome line, got %v", out.lines)
	}
}

func TestPasswordIsMasked(t *testing.T) {
	m, _, _ := setupTestModel(&fakeChat{}, newFakeFeed())
	m = typeText(m, "alice")
	m, _ = pressEnter(m)
	m = typeText(m, "secret")

	view := m.View()
	if strings.Contains(view, "secret") {
		t.Error("Password should not be rendered")
	}
	if !strings.Contains(view, "••••••") {
		t.Errorf("Expected masked password in view, got %q", view)
	}
}

func TestLoginFailedReturnsToUsername(t *testing.T) {
	chat := &fakeChat{}
	m, out, _ := setupTestModel(chat, newFakeFeed())
	m.loggingIn = true

	newModel, _ := m.Update(LoginResultMsg{Reply: protocol.ReplyLoginFailed, Err: client.ErrLoginRejected})
	m = newModel.(Model)

	if m.Stage() != StageUsername {
		t.Errorf("Expected username stage, got %v", m.Stage())
	}
	if m.loggingIn {
		t.Error("Login should no longer be pending")
	}
	if !out.contains("Login failed. Please try again.") {
		t.Errorf("Expected failure line, got %v", out.lines)
	}
}

func TestLoginBlockedQuits(t *testing.T) {
	for _, reply := range []string{protocol.ReplyClientBlocked, protocol.ReplyAccountLocked} {
		m, out, _ := setupTestModel(&fakeChat{}, newFakeFeed())
		newModel, cmd := m.Update(LoginResultMsg{Reply: reply, Err: client.ErrLoginRejected})
		m = newModel.(Model)

		if m.Stage() != StageDone {
			t.Errorf("%s: expected done stage, got %v", reply, m.Stage())
		}
		if cmd == nil {
			t.Errorf("%s: expected quit command", reply)
		}
		if !out.contains(client.LoginMessage(reply)) {
			t.Errorf("%s: expected lock message, got %v", reply, out.lines)
		}
	}
}

func TestLoginInputErrorReprompts(t *testing.T) {
	m, out, _ := setupTestModel(&fakeChat{}, newFakeFeed())
	m.promptPassword()

	newModel, _ := m.Update(LoginResultMsg{Err: &client.InputError{Message: "Error: Username cannot be empty."}})
	m = newModel.(Model)

	if m.Stage() != StageUsername {
		t.Errorf("Expected username stage, got %v", m.Stage())
	}
	if m.input.EchoMode != textinput.EchoNormal {
		t.Error("Username input should echo")
	}
	if !out.contains("Username cannot be empty") {
		t.Errorf("Expected input error, got %v", out.lines)
	}
}

func TestCommandIsExecutedAndEchoed(t *testing.T) {
	chat := &fakeChat{}
	m, out, _ := loggedInModel(chat, newFakeFeed())

	m = typeText(m, "/msgto bob hi there")
	m, _ = pressEnter(m)

	if len(chat.executed) != 1 || chat.executed[0] != "/msgto bob hi there" {
		t.Errorf("Unexpected executed commands: %v", chat.executed)
	}
	if !out.contains("/msgto bob hi there") {
		t.Errorf("Expected command echo, got %v", out.lines)
	}
	if m.input.Value() != "" {
		t.Errorf("Input should be cleared, got %q", m.input.Value())
	}
	if m.Stage() != StageCommands {
		t.Errorf("Expected command stage, got %v", m.Stage())
	}
}

func TestCtrlJSubmits(t *testing.T) {
	chat := &fakeChat{}
	m, _, _ := loggedInModel(chat, newFakeFeed())

	m = typeText(m, "/activeuser")
	newModel, _ := m.Update(tea.KeyMsg{Type: tea.KeyCtrlJ})
	m = newModel.(Model)

	if len(chat.executed) != 1 || chat.executed[0] != "/activeuser" {
		t.Errorf("Unexpected executed commands: %v", chat.executed)
	}
}

func TestBlankCommandIgnored(t *testing.T) {
	chat := &fakeChat{}
	m, out, _ := loggedInModel(chat, newFakeFeed())
	before := len(out.lines)

	m = typeText(m, "   ")
	pressEnter(m)

	if len(chat.executed) != 0 {
		t.Errorf("Blank line should not be sent: %v", chat.executed)
	}
	if len(out.lines) != before {
		t.Errorf("Blank line should print nothing, got %v", out.lines[before:])
	}
}

func TestInvalidCommandShowsError(t *testing.T) {
	chat := &fakeChat{executeErr: &client.InputError{Message: "Error: Invalid command. Please try again."}}
	m, out, _ := loggedInModel(chat, newFakeFeed())

	m = typeText(m, "/dance")
	m, _ = pressEnter(m)

	if !out.contains("Error: Invalid command. Please try again.") {
		t.Errorf("Expected input error, got %v", out.lines)
	}
	if m.Stage() != StageCommands {
		t.Errorf("Input errors should not end the session, got %v", m.Stage())
	}
}

func TestIncomingMessageNotifies(t *testing.T) {
	m, out, notifier := loggedInModel(&fakeChat{}, newFakeFeed())

	direct := protocol.Reply{Kind: protocol.KindMsgReceive, Body: "01 Jan 2026 12:00:00, bob: hi"}
	newModel, cmd := m.Update(ReplyMsg{Reply: direct, Lines: []string{direct.Body}})
	m = newModel.(Model)
	if cmd == nil {
		t.Error("Expected the reply listener to be re-armed")
	}

	group := protocol.Reply{Kind: protocol.KindGroupMsgReceive, Body: "01 Jan 2026 12:00:01, team, bob: hello all"}
	newModel, _ = m.Update(ReplyMsg{Reply: group, Lines: []string{group.Body}})
	m = newModel.(Model)

	users := protocol.Reply{Kind: protocol.KindActiveUser, Body: "no other active user"}
	m.Update(ReplyMsg{Reply: users, Lines: []string{users.Body}})

	if len(notifier.messages) != 2 {
		t.Fatalf("Expected 2 notifications, got %v", notifier.messages)
	}
	if notifier.messages[0] != direct.Body || notifier.messages[1] != group.Body {
		t.Errorf("Unexpected notifications: %v", notifier.messages)
	}
	for _, want := range []string{"bob: hi", "hello all", "no other active user"} {
		if !out.contains(want) {
			t.Errorf("Expected %q to be printed, got %v", want, out.lines)
		}
	}
}

func TestHiddenReplyPrintsNothing(t *testing.T) {
	m, out, notifier := loggedInModel(&fakeChat{}, newFakeFeed())
	before := len(out.lines)

	_, cmd := m.Update(ReplyMsg{Reply: protocol.Reply{Kind: protocol.KindP2PVideo, Body: "bob 10.0.0.2 6480"}})
	if cmd == nil {
		t.Error("Expected the reply listener to be re-armed")
	}
	if len(out.lines) != before || len(notifier.messages) != 0 {
		t.Errorf("Nothing should be shown, got %v / %v", out.lines[before:], notifier.messages)
	}
}

func TestTransferNotifies(t *testing.T) {
	m, out, notifier := loggedInModel(&fakeChat{}, newFakeFeed())

	result := client.TransferResult{
		Header:   protocol.TransferHeader{Presenter: "bob", Audience: "alice", FileName: "clip.mp4", Chunks: 3},
		Received: 2,
		Missing:  []uint32{1},
	}
	m.Update(TransferMsg{Result: result})

	want := "File (clip.mp4) received from bob with 1 of 3 chunks missing"
	if len(notifier.messages) != 1 || notifier.messages[0] != want {
		t.Errorf("Unexpected notifications: %v", notifier.messages)
	}
	if !out.contains(want) {
		t.Errorf("Expected transfer line, got %v", out.lines)
	}
}

func TestLogoutWaitsForServer(t *testing.T) {
	chat := &fakeChat{}
	m, out, _ := loggedInModel(chat, newFakeFeed())

	m = typeText(m, "/logout")
	m, _ = pressEnter(m)
	if !m.LoggedOut() || m.Stage() != StageDone {
		t.Fatalf("Expected logged out and done, got %v", m.Stage())
	}
	if m.View() != "" {
		t.Errorf("Nothing should render after logout, got %q", m.View())
	}

	newModel, _ := m.Update(ReplyMsg{Reply: protocol.Reply{Kind: protocol.KindLogout, Body: "Bye, alice!"}, Lines: []string{"Bye, alice!"}})
	m = newModel.(Model)
	if !out.contains("Bye, alice!") {
		t.Errorf("Goodbye should still be printed, got %v", out.lines)
	}

	_, cmd := m.Update(DisconnectedMsg{})
	if cmd == nil {
		t.Fatal("Expected quit")
	}
	if out.contains("Disconnected from server") {
		t.Error("A requested logout is not a lost connection")
	}
}

func TestCtrlCLogsOut(t *testing.T) {
	chat := &fakeChat{}
	m, _, _ := loggedInModel(chat, newFakeFeed())

	newModel, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	m = newModel.(Model)

	if len(chat.executed) != 1 || chat.executed[0] != protocol.CmdLogout {
		t.Errorf("Expected logout to be sent, got %v", chat.executed)
	}
	if !m.LoggedOut() {
		t.Error("Model should record the logout")
	}
	if cmd == nil {
		t.Fatal("Expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("Ctrl+C should quit")
	}
}

func TestCtrlCBeforeLoginSendsNothing(t *testing.T) {
	chat := &fakeChat{}
	m, _, _ := setupTestModel(chat, newFakeFeed())

	newModel, _ := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	m = newModel.(Model)

	if len(chat.executed) != 0 {
		t.Errorf("Nothing should be sent before login, got %v", chat.executed)
	}
	if m.LoggedOut() {
		t.Error("No logout was sent")
	}
}

func TestDisconnectWhileLoggedIn(t *testing.T) {
	m, out, _ := loggedInModel(&fakeChat{}, newFakeFeed())

	newModel, cmd := m.Update(DisconnectedMsg{})
	m = newModel.(Model)

	if m.Stage() != StageDone || cmd == nil {
		t.Errorf("Expected quit, got stage %v", m.Stage())
	}
	if !out.contains("Disconnected from server") {
		t.Errorf("Expected disconnect line, got %v", out.lines)
	}
}

func TestServerGoneBeforeLogin(t *testing.T) {
	m, out, _ := setupTestModel(&fakeChat{}, newFakeFeed())

	newModel, _ := m.Update(serverGoneMsg{})
	m = newModel.(Model)
	if m.Stage() != StageDone {
		t.Errorf("Expected done stage, got %v", m.Stage())
	}
	if !out.contains("Connection to server lost") {
		t.Errorf("Expected lost connection line, got %v", out.lines)
	}

	// After login the reply listener reports the drop instead
	m, out, _ = loggedInModel(&fakeChat{}, newFakeFeed())
	newModel, _ = m.Update(serverGoneMsg{})
	m = newModel.(Model)
	if m.Stage() != StageCommands || out.contains("Connection to server lost") {
		t.Error("A logged-in session should keep draining replies")
	}
}

func TestListenForRepliesDrainsClosedConnection(t *testing.T) {
	feed := newFakeFeed()
	feed.incoming <- protocol.Reply{Kind: protocol.KindLogout, Body: "Bye, alice!"}
	close(feed.done)

	cmd := listenForReplies(context.Background(), &fakeChat{}, feed)
	msg, ok := cmd().(ReplyMsg)
	if !ok {
		t.Fatal("Queued reply should be delivered before the disconnect")
	}
	if len(msg.Lines) != 1 || msg.Lines[0] != "Bye, alice!" {
		t.Errorf("Unexpected lines: %v", msg.Lines)
	}

	if _, ok := cmd().(DisconnectedMsg); !ok {
		t.Error("Expected DisconnectedMsg once drained")
	}
}

func TestListenForTransfers(t *testing.T) {
	if listenForTransfers(nil) != nil {
		t.Error("No data channel means no listener")
	}

	results := make(chan client.TransferResult, 1)
	results <- client.TransferResult{Header: protocol.TransferHeader{FileName: "a.bin"}}
	cmd := listenForTransfers(results)

	msg, ok := cmd().(TransferMsg)
	if !ok || msg.Result.Header.FileName != "a.bin" {
		t.Errorf("Unexpected message %#v", msg)
	}

	close(results)
	if cmd() != nil {
		t.Error("A closed result channel should end the listener")
	}
}

func TestViewStages(t *testing.T) {
	m, _, _ := setupTestModel(&fakeChat{}, newFakeFeed())
	if !strings.Contains(m.View(), "Username: ") {
		t.Errorf("Expected username prompt, got %q", m.View())
	}

	m.loggingIn = true
	m.username = "alice"
	if !strings.Contains(m.View(), "Logging in as alice") {
		t.Errorf("Expected login status, got %q", m.View())
	}

	m, _, _ = loggedInModel(&fakeChat{}, newFakeFeed())
	if !strings.Contains(m.View(), "/msgto") {
		t.Errorf("Expected command help, got %q", m.View())
	}
}
