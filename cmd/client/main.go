package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mingleapp/chatd/internal/client"
	"github.com/mingleapp/chatd/internal/config"
)

func main() {
	cfg := config.LoadClientConfig()

	program := tea.NewProgram(client.NewApp(cfg), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "client error: %v\n", err)
		os.Exit(1)
	}
}
