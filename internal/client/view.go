package client

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	figure "github.com/common-nighthawk/go-figure"
)

const sidebarWidth = 26

var (
	sidebarStyle = lipgloss.NewStyle().
			Width(sidebarWidth).
			BorderStyle(lipgloss.NormalBorder()).
			BorderRight(true).
			PaddingRight(1)

	activeRoomStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	unreadStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	statusStyle     = lipgloss.NewStyle().Faint(true)
	bannerStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
)

var banner = bannerStyle.Render(figure.NewFigure("chatd", "", true).String())

// View renders the current screen.
func (a *App) View() string {
	if a.view == viewAuth {
		return a.authView()
	}
	return a.chatView()
}

func (a *App) authView() string {
	var b strings.Builder
	b.WriteString(banner)
	b.WriteString("\n\n")
	b.WriteString("  " + a.username.View())
	b.WriteString("\n")
	b.WriteString("  " + a.password.View())
	b.WriteString("\n\n")
	b.WriteString("  " + statusStyle.Render(a.status))
	return b.String()
}

func (a *App) chatView() string {
	main := lipgloss.JoinHorizontal(
		lipgloss.Top,
		sidebarStyle.Render(a.roomListView()),
		a.viewport.View(),
	)

	var b strings.Builder
	b.WriteString(main)
	b.WriteString("\n")
	b.WriteString(a.input.View())
	b.WriteString("\n")
	b.WriteString(statusStyle.Render(a.status))
	return b.String()
}

func (a *App) roomListView() string {
	if len(a.rooms) == 0 {
		return "no conversations yet"
	}
	var b strings.Builder
	for i, room := range a.rooms {
		label := roomLabel(room.Name, a.session.Username)
		if room.Unread {
			label = unreadStyle.Render("● ") + label
		} else {
			label = "  " + label
		}
		if i == a.activeIdx {
			label = activeRoomStyle.Render(label)
		}
		b.WriteString(label)
		b.WriteString("\n")
	}
	return b.String()
}

// roomLabel shows the other party's name instead of the raw room name.
func roomLabel(room, self string) string {
	if idx := strings.Index(room, "-"); idx >= 0 {
		first, second := room[:idx], room[idx+1:]
		if first == self {
			return second
		}
		if second == self {
			return first
		}
	}
	return room
}

func (a *App) resize() {
	if a.width == 0 || a.height == 0 {
		return
	}
	// input + status + border padding
	const fixed = 3
	a.viewport.Width = a.width - sidebarWidth - 2
	a.viewport.Height = a.height - fixed
	a.input.Width = a.width - 4
	a.refreshViewport()
}

func (a *App) refreshViewport() {
	if len(a.lines) == 0 {
		a.viewport.SetContent("No messages yet. Type and press Enter to send.")
		return
	}
	width := a.viewport.Width
	if width <= 0 {
		width = 80
	}
	wrapped := make([]string, 0, len(a.lines))
	for _, line := range a.lines {
		wrapped = append(wrapped, wrapLine(line, width)...)
	}
	a.viewport.SetContent(strings.Join(wrapped, "\n"))
	a.viewport.GotoBottom()
}

func wrapLine(line string, width int) []string {
	if width <= 0 || len(line) <= width {
		return []string{line}
	}
	var out []string
	for len(line) > width {
		out = append(out, line[:width])
		line = line[width:]
	}
	if line != "" {
		out = append(out, line)
	}
	return out
}
