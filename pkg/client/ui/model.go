package ui

import (
	"fmt"
	"strings"

	"github.com/aeolun/lanchat/pkg/protocol"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Chat is the part of *client.Client the UI drives
type Chat interface {
	Username() string
	Addr() string
	Send(text string) error
	SendPrivate(target, text string) error
	Messages() <-chan protocol.Envelope
	Users() []string
	Err() error
	Close() error
}

// ServerMsg carries one message from the server
type ServerMsg protocol.Envelope

// DisconnectedMsg is sent once the server connection ends
type DisconnectedMsg struct {
	Err error
}

// Notifier is told about private messages addressed to this user
type Notifier func(from, text string)

const (
	userPaneWidth = 22
	maxScrollback = 1000
)

// Model is the bubbletea model for the chat screen
type Model struct {
	chat     Chat
	notify   Notifier
	input    textinput.Model
	viewport viewport.Model
	lines    []string
	users    []string

	width        int
	height       int
	ready        bool
	disconnected bool
	errorMessage string
}

// NewModel creates the chat screen for an already joined client
func NewModel(chat Chat, notify Notifier) Model {
	input := textinput.New()
	input.Placeholder = "Type a message, /help for commands"
	input.Prompt = "> "
	input.CharLimit = 4096
	input.Focus()

	return Model{
		chat:   chat,
		notify: notify,
		input:  input,
		users:  chat.Users(),
	}
}

// Init starts the cursor blink and the server listener
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, listenForMessages(m.chat))
}

func listenForMessages(chat Chat) tea.Cmd {
	return func() tea.Msg {
		env, ok := <-chat.Messages()
		if !ok {
			return DisconnectedMsg{Err: chat.Err()}
		}
		return ServerMsg(env)
	}
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		w, h := m.chatSize()
		if !m.ready {
			m.viewport = viewport.New(w, h)
			m.ready = true
		} else {
			m.viewport.Width = w
			m.viewport.Height = h
		}
		m.input.Width = msg.Width - 6
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case ServerMsg:
		m.handleServerMessage(protocol.Envelope(msg))
		return m, listenForMessages(m.chat)

	case DisconnectedMsg:
		m.disconnected = true
		if msg.Err != nil {
			m.errorMessage = fmt.Sprintf("Disconnected: %v", msg.Err)
		} else {
			m.errorMessage = "Disconnected"
		}
		m.input.Blur()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	line := m.input.Value()
	m.input.SetValue("")
	m.errorMessage = ""

	action := ParseInput(line)
	var err error
	switch action.Kind {
	case ActionNone:
		return m, nil
	case ActionQuit:
		return m, tea.Quit
	case ActionHelp:
		m.appendLine(StatusStyle.Render(action.Text))
	case ActionUsers:
		m.appendLine(StatusStyle.Render("Online: " + strings.Join(m.users, ", ")))
	case ActionInvalid:
		m.errorMessage = action.Text
	case ActionPrivate:
		if m.disconnected {
			m.errorMessage = "Not connected"
			return m, nil
		}
		err = m.chat.SendPrivate(action.Target, action.Text)
	case ActionBroadcast:
		if m.disconnected {
			m.errorMessage = "Not connected"
			return m, nil
		}
		err = m.chat.Send(action.Text)
	}
	if err != nil {
		m.errorMessage = err.Error()
	}
	return m, nil
}

func (m *Model) handleServerMessage(env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindUserList:
		m.users = env.Users
		return
	case protocol.KindPrivate:
		if m.notify != nil && env.Sender != m.chat.Username() {
			m.notify(env.Sender, env.Text)
		}
	}
	m.appendLine(m.formatEnvelope(env))
}

// formatEnvelope renders one chat line
func (m *Model) formatEnvelope(env protocol.Envelope) string {
	switch env.Kind {
	case protocol.KindBroadcast:
		if env.Sender == "" {
			return env.Text
		}
		author := MessageAuthorStyle
		if env.Sender == m.chat.Username() {
			author = MessageOwnAuthorStyle
		}
		return author.Render(env.Sender) + ": " + env.Text
	case protocol.KindPrivate:
		return PrivateStyle.Render(env.String())
	case protocol.KindPrivateRejected:
		return ErrorStyle.Render(env.String())
	case protocol.KindJoin:
		return JoinStyle.Render(env.String())
	case protocol.KindLeave:
		return LeaveStyle.Render(env.String())
	default:
		return env.String()
	}
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxScrollback {
		m.lines = m.lines[len(m.lines)-maxScrollback:]
	}
	m.refresh()
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

// chatSize is the inner size of the chat pane: header, input box and status
// line take six rows, borders and the user pane take the rest of the width
func (m Model) chatSize() (int, int) {
	w := m.width - userPaneWidth - 4
	h := m.height - 7
	if w < 10 {
		w = 10
	}
	if h < 3 {
		h = 3
	}
	return w, h
}

// View renders the chat screen
func (m Model) View() string {
	if !m.ready {
		return "Connecting..."
	}

	header := HeaderStyle.Render("LanChat") +
		StatusStyle.Render(fmt.Sprintf("%s as %s", m.chat.Addr(), m.chat.Username()))

	_, h := m.chatSize()
	chatPane := ChatPaneStyle.Render(m.viewport.View())
	userPane := UserPaneStyle.
		Width(userPaneWidth - 2).
		Height(h).
		Render(m.renderUsers())

	body := lipgloss.JoinHorizontal(lipgloss.Top, chatPane, userPane)
	input := InputStyle.Width(m.width - 2).Render(m.input.View())

	status := StatusStyle.Render(fmt.Sprintf("%d online", len(m.users)))
	if m.errorMessage != "" {
		status = ErrorStyle.Render(m.errorMessage)
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, input, status)
}

func (m Model) renderUsers() string {
	var b strings.Builder
	b.WriteString(UserTitleStyle.Render("Users"))
	for _, u := range m.users {
		b.WriteString("\n")
		if u == m.chat.Username() {
			b.WriteString(OwnUserStyle.Render(u))
			continue
		}
		b.WriteString(u)
	}
	return b.String()
}
