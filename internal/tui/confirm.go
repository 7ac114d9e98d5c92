package tui

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"
)

type confirmKeys struct {
	Yes    key.Binding
	No     key.Binding
	Accept key.Binding
	Quit   key.Binding
}

func defaultConfirmKeys() confirmKeys {
	return confirmKeys{
		Yes:    key.NewBinding(key.WithKeys("y", "Y"), key.WithHelp("y", "yes")),
		No:     key.NewBinding(key.WithKeys("n", "N"), key.WithHelp("n", "no")),
		Accept: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "confirm choice")),
		Quit:   key.NewBinding(key.WithKeys("esc", "ctrl+c", "q"), key.WithHelp("esc", "cancel")),
	}
}

// ConfirmModel is a yes/no prompt. The default selection is "no".
type ConfirmModel struct {
	prompt   string
	keys     confirmKeys
	selected bool
	answered bool
	result   bool
}

// NewConfirmModel builds a prompt model.
func NewConfirmModel(prompt string) ConfirmModel {
	return ConfirmModel{prompt: prompt, keys: defaultConfirmKeys()}
}

// Init implements tea.Model.
func (m ConfirmModel) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m ConfirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch {
	case key.Matches(keyMsg, m.keys.Yes):
		m.answered, m.result = true, true
		return m, tea.Quit
	case key.Matches(keyMsg, m.keys.No), key.Matches(keyMsg, m.keys.Quit):
		m.answered, m.result = true, false
		return m, tea.Quit
	case key.Matches(keyMsg, m.keys.Accept):
		m.answered, m.result = true, m.selected
		return m, tea.Quit
	}
	switch keyMsg.String() {
	case "left", "right", "tab", "h", "l":
		m.selected = !m.selected
	}
	return m, nil
}

// View implements tea.Model.
func (m ConfirmModel) View() string {
	if m.answered {
		answer := "no"
		if m.result {
			answer = "yes"
		}
		return fmt.Sprintf("%s %s\n", warnStyle.Render("?"), m.prompt+" "+dimStyle.Render(answer))
	}
	yes, no := dimStyle.Render(" yes "), dimStyle.Render(" no ")
	if m.selected {
		yes = successStyle.Reverse(true).Render(" yes ")
	} else {
		no = errorStyle.Reverse(true).Render(" no ")
	}
	help := dimStyle.Render(fmt.Sprintf("%s · %s · %s",
		m.keys.Yes.Help().Key+" "+m.keys.Yes.Help().Desc,
		m.keys.No.Help().Key+" "+m.keys.No.Help().Desc,
		m.keys.Quit.Help().Key+" "+m.keys.Quit.Help().Desc))
	return fmt.Sprintf("%s %s  %s %s\n%s\n", warnStyle.Render("?"), m.prompt, yes, no, help)
}

// Confirmed reports the user's choice. False until answered.
func (m ConfirmModel) Confirmed() bool { return m.answered && m.result }

// Confirm runs a prompt against in/out and returns the answer.
func Confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	program := tea.NewProgram(NewConfirmModel(prompt), tea.WithInput(in), tea.WithOutput(out))
	final, err := program.Run()
	if err != nil {
		return false, fmt.Errorf("confirm prompt: %w", err)
	}
	model, ok := final.(ConfirmModel)
	if !ok {
		return false, nil
	}
	return model.Confirmed(), nil
}

// IsInteractive reports whether f is attached to a terminal.
func IsInteractive(f *os.File) bool {
	if f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
