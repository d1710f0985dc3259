package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ursafe/ursafe/vault"
)

type model struct {
	engine     *vault.Engine
	secrets    vault.SecretsMap
	names      []string
	cursor     int
	state      string // "table", "showRecord"
	textInputs []textinput.Model
	selected   string
	msg        string
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Underline(true)
	msgStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("57")).Foreground(lipgloss.Color("0"))
)

// RunTUI starts the interactive record browser over an unlocked vault.
func RunTUI(engine *vault.Engine, secrets vault.SecretsMap) {
	m := model{
		engine:  engine,
		secrets: secrets,
		names:   sortedNames(secrets),
		state:   "table",
	}

	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Println("Error starting TUI:", err)
	}
}

func sortedNames(secrets vault.SecretsMap) []string {
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --- Tea Model interface ---
func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m.state {
	case "table":
		return updateTable(m, msg)
	case "showRecord":
		return updateShowRecord(m, msg)
	default:
		return m, nil
	}
}

func (m model) View() string {
	switch m.state {
	case "table":
		return viewTable(m)
	case "showRecord":
		return viewShowRecord(m)
	default:
		return "Unknown state"
	}
}

// --- Table ---
func updateTable(m model, msg tea.Msg) (model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "j", "down":
			if m.cursor < len(m.names)-1 {
				m.cursor++
			}
		case "k", "up":
			if m.cursor > 0 {
				m.cursor--
			}
		case "enter":
			if len(m.names) > 0 {
				m.selected = m.names[m.cursor]
				m.state = "showRecord"
			}
		case "a":
			AddRecordCLI(m.engine, m.secrets)
			m.names = sortedNames(m.secrets)
		case "d":
			if len(m.names) == 0 {
				break
			}
			name := m.names[m.cursor]
			removed := m.secrets[name]
			delete(m.secrets, name)
			if err := m.engine.Save(m.secrets); err != nil {
				m.secrets[name] = removed
				m.msg = "Save failed: " + err.Error()
				break
			}
			m.names = sortedNames(m.secrets)
			if m.cursor >= len(m.names) && m.cursor > 0 {
				m.cursor--
			}
		case "c":
			if len(m.names) == 0 {
				break
			}
			record := m.secrets[m.names[m.cursor]]
			clipboard.WriteAll(record.Password)
			m.msg = "Password copied! (clears in 30s)"
			go func() {
				time.Sleep(30 * time.Second)
				clipboard.WriteAll("")
			}()
		}
	}
	return m, nil
}

func viewTable(m model) string {
	s := titleStyle.Render("Vault Records") + "\n\n"
	for i, name := range m.names {
		record := m.secrets[name]
		line := fmt.Sprintf("%-24s  %-10s  %-20s", name, record.Kind, record.Username)
		if i == m.cursor {
			line = selectedStyle.Render(line)
		}
		s += line + "\n"
	}
	if len(m.names) == 0 {
		s += "(empty vault)\n"
	}
	if m.msg != "" {
		s += "\n" + msgStyle.Render(m.msg)
	}
	s += "\nCommands: j/k=move, enter=show, a=add, d=delete, c=copy, q=quit"
	return s
}

// --- Show Record ---
func updateShowRecord(m model, msg tea.Msg) (model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			m.state = "table"
			m.selected = ""
			m.msg = ""
		case "v":
			record := m.secrets[m.selected]
			m.msg = fmt.Sprintf("Password: %s", record.Password)
		}
	}
	return m, nil
}

func viewShowRecord(m model) string {
	record := m.secrets[m.selected]
	s := fmt.Sprintf("Name: %s\nKind: %s\nUsername: %s\nNotes: %s\nPassword: %s\n",
		m.selected, record.Kind, record.Username, record.Note, "********")
	if record.Kind == vault.RecordKeyValue {
		for k, v := range record.Values {
			s += fmt.Sprintf("  %s = %s\n", k, v)
		}
	}
	if m.msg != "" {
		s += "\n" + msgStyle.Render(m.msg)
	}
	s += "\nPress 'v' to reveal, Esc to return"
	return s
}
