package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mingleapp/chatd/internal/config"
	"github.com/mingleapp/chatd/internal/protocol"
	"github.com/mingleapp/chatd/internal/storage"
)

// primaryView enumerates the client's screens.
type primaryView int

const (
	viewAuth primaryView = iota
	viewChat
)

// readReceiptBody fills the mandatory body field on chat_read frames; the
// server drops any frame without one.
const readReceiptBody = "read"

// App implements tea.Model for the terminal client.
type App struct {
	cfg     config.ClientConfig
	session *Session
	view    primaryView

	username textinput.Model
	password textinput.Model
	input    textinput.Model
	viewport viewport.Model

	rooms     []storage.RoomSummary
	activeIdx int
	lines     []string
	status    string

	width  int
	height int
}

// NewApp returns a Bubble Tea model pre-populated with defaults.
func NewApp(cfg config.ClientConfig) *App {
	username := textinput.New()
	username.Placeholder = "username"
	username.Focus()

	password := textinput.New()
	password.Placeholder = "password"
	password.EchoMode = textinput.EchoPassword

	input := textinput.New()
	input.Placeholder = "message, or /msg <user> <text> to start a chat"

	return &App{
		cfg:      cfg,
		session:  NewSession(cfg),
		view:     viewAuth,
		username: username,
		password: password,
		input:    input,
		viewport: viewport.New(0, 0),
		status:   "enter to log in, ctrl+n to register, ctrl+c to quit",
	}
}

// Init is part of the tea.Model interface.
func (a *App) Init() tea.Cmd {
	return textinput.Blink
}

type authResultMsg struct{ err error }

type roomsMsg struct {
	rooms []storage.RoomSummary
	err   error
}

type historyMsg struct {
	room     string
	messages []RoomMessage
	err      error
}

type frameMsg struct{ frame protocol.Frame }

type wsClosedMsg struct{ err error }

// Update handles user input and internal events.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = m.Width
		a.height = m.Height
		a.resize()
		return a, nil
	case tea.KeyMsg:
		return a.handleKey(m)
	case authResultMsg:
		return a.handleAuthResult(m)
	case roomsMsg:
		return a.handleRooms(m)
	case historyMsg:
		return a.handleHistory(m)
	case frameMsg:
		return a.handleFrame(m)
	case wsClosedMsg:
		a.status = "disconnected from server"
		if m.err != nil {
			a.status = "disconnected: " + m.err.Error()
		}
		return a, nil
	}
	return a.updateInputs(msg)
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		a.session.Close()
		return a, tea.Quit
	case tea.KeyTab:
		if a.view == viewAuth {
			a.toggleAuthFocus()
			return a, nil
		}
		return a, a.cycleRoom(1)
	case tea.KeyShiftTab:
		if a.view == viewChat {
			return a, a.cycleRoom(-1)
		}
		return a, nil
	case tea.KeyCtrlN:
		if a.view == viewAuth {
			return a, a.submitAuth(true)
		}
		return a, nil
	case tea.KeyEnter:
		if a.view == viewAuth {
			return a, a.submitAuth(false)
		}
		return a, a.submitInput()
	case tea.KeyPgUp:
		a.viewport.LineUp(a.viewport.Height)
		return a, nil
	case tea.KeyPgDown:
		a.viewport.LineDown(a.viewport.Height)
		return a, nil
	}
	return a.updateInputs(msg)
}

func (a *App) updateInputs(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd
	if a.view == viewAuth {
		a.username, cmd = a.username.Update(msg)
		cmds = append(cmds, cmd)
		a.password, cmd = a.password.Update(msg)
		cmds = append(cmds, cmd)
	} else {
		a.input, cmd = a.input.Update(msg)
		cmds = append(cmds, cmd)
		a.viewport, cmd = a.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return a, tea.Batch(cmds...)
}

func (a *App) toggleAuthFocus() {
	if a.username.Focused() {
		a.username.Blur()
		a.password.Focus()
	} else {
		a.password.Blur()
		a.username.Focus()
	}
}

func (a *App) submitAuth(register bool) tea.Cmd {
	username := strings.TrimSpace(a.username.Value())
	password := a.password.Value()
	if username == "" || password == "" {
		a.status = "username and password required"
		return nil
	}
	a.status = "authenticating..."
	return func() tea.Msg {
		var err error
		if register {
			err = a.session.Register(username, password)
		} else {
			err = a.session.Login(username, password)
		}
		if err != nil {
			return authResultMsg{err: err}
		}
		return authResultMsg{err: a.session.Connect()}
	}
}

func (a *App) handleAuthResult(msg authResultMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		a.status = msg.err.Error()
		return a, nil
	}
	a.view = viewChat
	a.input.Focus()
	a.username.Blur()
	a.password.Blur()
	a.status = fmt.Sprintf("connected as %s — tab to switch rooms", a.session.Username)
	a.resize()
	return a, tea.Batch(a.loadRooms(), a.listen())
}

func (a *App) listen() tea.Cmd {
	return func() tea.Msg {
		frame, err := a.session.ReadFrame()
		if err != nil {
			return wsClosedMsg{err: err}
		}
		return frameMsg{frame: frame}
	}
}

func (a *App) loadRooms() tea.Cmd {
	return func() tea.Msg {
		rooms, err := a.session.Rooms()
		return roomsMsg{rooms: rooms, err: err}
	}
}

func (a *App) loadHistory(room string) tea.Cmd {
	return func() tea.Msg {
		messages, err := a.session.RoomMessages(room)
		return historyMsg{room: room, messages: messages, err: err}
	}
}

func (a *App) markRead(room string) tea.Cmd {
	frame := protocol.Frame{
		From: a.session.Username,
		To:   room,
		Type: protocol.FrameTypeRead,
		Body: readReceiptBody,
	}
	return func() tea.Msg {
		_ = a.session.SendFrame(frame)
		return nil
	}
}

func (a *App) handleRooms(msg roomsMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		a.status = "room list: " + msg.err.Error()
		return a, nil
	}
	active := a.activeRoomName()
	a.rooms = msg.rooms
	a.activeIdx = 0
	for i, room := range a.rooms {
		if room.Name == active {
			a.activeIdx = i
		}
	}
	if active == "" && len(a.rooms) > 0 {
		name := a.rooms[a.activeIdx].Name
		return a, tea.Batch(a.loadHistory(name), a.markRead(name))
	}
	return a, nil
}

func (a *App) handleHistory(msg historyMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		a.status = "history: " + msg.err.Error()
		return a, nil
	}
	if msg.room != a.activeRoomName() {
		return a, nil
	}
	a.lines = a.lines[:0]
	for _, m := range msg.messages {
		a.lines = append(a.lines, a.formatHistoryLine(msg.room, m))
	}
	a.refreshViewport()
	return a, nil
}

func (a *App) handleFrame(msg frameMsg) (tea.Model, tea.Cmd) {
	frame := msg.frame
	cmds := []tea.Cmd{a.listen()}

	switch frame.Type {
	case protocol.FrameTypeMessage:
		if frame.To == a.activeRoomName() {
			a.lines = append(a.lines, formatLine(time.Now(), frame.From, frame.Body))
			a.refreshViewport()
			cmds = append(cmds, a.markRead(frame.To))
		}
		cmds = append(cmds, a.loadRooms())
	case protocol.FrameTypeNew:
		who := frame.From
		if frame.UserInfo != nil && frame.UserInfo.Name != "" {
			who = frame.UserInfo.Name
		}
		a.status = "new conversation with " + who
		if frame.From == a.session.Username {
			// Our own announcement: jump into the fresh room.
			a.setActiveRoom(frame.To)
			cmds = append(cmds, a.loadHistory(frame.To), a.markRead(frame.To))
		}
		cmds = append(cmds, a.loadRooms())
	}
	return a, tea.Batch(cmds...)
}

func (a *App) cycleRoom(step int) tea.Cmd {
	if len(a.rooms) == 0 {
		return nil
	}
	a.activeIdx = (a.activeIdx + step + len(a.rooms)) % len(a.rooms)
	name := a.rooms[a.activeIdx].Name
	a.lines = a.lines[:0]
	a.refreshViewport()
	return tea.Batch(a.loadHistory(name), a.markRead(name), a.loadRooms())
}

func (a *App) submitInput() tea.Cmd {
	text := strings.TrimSpace(a.input.Value())
	if text == "" {
		return nil
	}
	a.input.SetValue("")

	if target, body, ok := parseNewChat(text); ok {
		frame := protocol.Frame{
			From: a.session.Username,
			To:   protocol.RoomName(a.session.Username, target),
			Type: protocol.FrameTypeNew,
			Body: body,
		}
		return func() tea.Msg {
			_ = a.session.SendFrame(frame)
			return nil
		}
	}

	room := a.activeRoomName()
	if room == "" {
		a.status = "no room selected — use /msg <user> <text> to start one"
		return nil
	}
	frame := protocol.Frame{
		From: a.session.Username,
		To:   room,
		Type: protocol.FrameTypeMessage,
		Body: text,
	}
	a.lines = append(a.lines, formatLine(time.Now(), a.session.Username, text))
	a.refreshViewport()
	return func() tea.Msg {
		_ = a.session.SendFrame(frame)
		return nil
	}
}

// parseNewChat recognizes "/msg <user> <text>".
func parseNewChat(text string) (target, body string, ok bool) {
	if !strings.HasPrefix(text, "/msg ") {
		return "", "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(text, "/msg "))
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], strings.TrimSpace(parts[1]), true
}

func (a *App) activeRoomName() string {
	if a.activeIdx < 0 || a.activeIdx >= len(a.rooms) {
		return ""
	}
	return a.rooms[a.activeIdx].Name
}

func (a *App) setActiveRoom(name string) {
	for i, room := range a.rooms {
		if room.Name == name {
			a.activeIdx = i
			return
		}
	}
}

func (a *App) formatHistoryLine(room string, m RoomMessage) string {
	sender := a.session.Username
	if m.UserID != a.session.UserID {
		if other, ok := protocol.OtherParticipant(room, a.session.Username); ok {
			sender = other
		} else {
			sender = "?"
		}
	}
	return formatLine(m.Created, sender, m.Content)
}

func formatLine(at time.Time, sender, body string) string {
	return fmt.Sprintf("[%s] %s: %s", at.Local().Format("15:04"), sender, body)
}
