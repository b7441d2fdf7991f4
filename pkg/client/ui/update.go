package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aeolun/tessenger/pkg/client"
	"github.com/aeolun/tessenger/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Update handles incoming messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		if w := msg.Width - lipgloss.Width(m.input.Prompt) - 1; w > 0 {
			m.input.Width = w
		}
		return m, nil

	case LoginResultMsg:
		return m.handleLoginResult(msg)

	case ReplyMsg:
		return m.handleReply(msg)

	case TransferMsg:
		return m.handleTransfer(msg)

	case DisconnectedMsg:
		if m.stage == StageDone {
			return m, tea.Quit
		}
		return m.quit(ErrorStyle.Render("Disconnected from server"))

	case serverGoneMsg:
		// Once logged in, the reply listener drains the connection first
		if m.loggedIn || m.loggingIn || m.stage == StageDone {
			return m, nil
		}
		return m.quit(ErrorStyle.Render("Connection to server lost"))
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleKeyPress handles keyboard input
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		if m.loggedIn && !m.loggedOut {
			if err := m.chat.Execute(protocol.CmdLogout); err == nil {
				m.loggedOut = true
			}
		}
		m.stage = StageDone
		m.input.Blur()
		return m, tea.Quit
	case "enter", "ctrl+j":
		if m.loggingIn || m.stage == StageDone {
			return m, nil
		}
		return m.submit()
	}

	if m.loggingIn || m.stage == StageDone {
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	value := strings.TrimSpace(m.input.Value())

	switch m.stage {
	case StageUsername:
		m.username = value
		m.promptPassword()
		return m, nil

	case StagePassword:
		m.input.Reset()
		m.input.Blur()
		m.loggingIn = true
		return m, login(m.ctx, m.chat, m.username, value)

	case StageCommands:
		m.input.Reset()
		if value == "" {
			return m, nil
		}
		echo := PromptStyle.Render("> ") + value

		if err := m.chat.Execute(value); err != nil {
			var inputErr *client.InputError
			if errors.As(err, &inputErr) {
				return m, m.emit(echo, ErrorStyle.Render(inputErr.Message))
			}
			return m.quit(echo, ErrorStyle.Render(fmt.Sprintf("Error: %v", err)))
		}

		if value == protocol.CmdLogout {
			// Stay up until the server's goodbye has been printed
			m.loggedOut = true
			m.stage = StageDone
			m.input.Blur()
		}
		return m, m.emit(echo)
	}
	return m, nil
}

func (m Model) handleLoginResult(msg LoginResultMsg) (tea.Model, tea.Cmd) {
	m.loggingIn = false

	var inputErr *client.InputError
	switch {
	case msg.Err == nil:
		m.loggedIn = true
		m.promptCommands()
		return m, tea.Sequence(
			m.emit(NoticeStyle.Render(client.LoginMessage(msg.Reply))),
			listenForReplies(m.ctx, m.chat, m.feed),
		)

	case errors.As(msg.Err, &inputErr):
		m.promptUsername()
		return m, m.emit(ErrorStyle.Render(inputErr.Message))

	case errors.Is(msg.Err, client.ErrLoginRejected):
		if msg.Reply == protocol.ReplyLoginFailed {
			m.promptUsername()
			return m, m.emit(ErrorStyle.Render(client.LoginMessage(msg.Reply)))
		}
		return m.quit(ErrorStyle.Render(client.LoginMessage(msg.Reply)))
	}

	return m.quit(ErrorStyle.Render(fmt.Sprintf("Login error: %v", msg.Err)))
}

func (m Model) handleReply(msg ReplyMsg) (tea.Model, tea.Cmd) {
	next := listenForReplies(m.ctx, m.chat, m.feed)
	if len(msg.Lines) == 0 {
		return m, next
	}

	style := PlainStyle
	switch {
	case msg.Reply.IsError():
		style = ErrorStyle
	case msg.Reply.Kind == protocol.KindMsgReceive, msg.Reply.Kind == protocol.KindGroupMsgReceive:
		style = MessageStyle
		m.notify(strings.Join(msg.Lines, "\n"))
	}

	lines := make([]string, len(msg.Lines))
	for i, line := range msg.Lines {
		lines[i] = style.Render(line)
	}
	return m, tea.Sequence(m.emit(lines...), next)
}

func (m Model) handleTransfer(msg TransferMsg) (tea.Model, tea.Cmd) {
	line := client.DescribeResult(msg.Result)
	m.notify(line)

	style := NoticeStyle
	if !msg.Result.Complete() {
		style = ErrorStyle
	}
	return m, tea.Sequence(m.emit(style.Render(line)), listenForTransfers(m.results))
}

// notify raises a desktop notification. Failures are ignored; a headless
// session has no notification service.
func (m Model) notify(message string) {
	_ = m.notifier.Notify(notificationTitle, message)
}

// emit prints lines above the input
func (m Model) emit(lines ...string) tea.Cmd {
	return m.out(strings.Join(lines, "\n"))
}

// quit prints lines and ends the program
func (m Model) quit(lines ...string) (tea.Model, tea.Cmd) {
	m.stage = StageDone
	m.input.Blur()
	return m, tea.Sequence(m.emit(lines...), tea.Quit)
}
