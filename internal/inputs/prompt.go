package inputs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrPromptCanceled is returned when the user aborts the prompt.
var ErrPromptCanceled = errors.New("input prompt canceled")

// Prompter asks the user for missing input values.
type Prompter interface {
	Ask(ctx context.Context, keys []string) (map[string]any, error)
}

// TerminalPrompter prompts on a terminal with a text input per key.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
}

// Ask prompts for each key in order. file:// answers are loaded from disk.
func (p TerminalPrompter) Ask(ctx context.Context, keys []string) (map[string]any, error) {
	if len(keys) == 0 {
		return map[string]any{}, nil
	}
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if p.In != nil {
		opts = append(opts, tea.WithInput(p.In))
	}
	if p.Out != nil {
		opts = append(opts, tea.WithOutput(p.Out))
	}
	final, err := tea.NewProgram(newPromptModel(keys), opts...).Run()
	if err != nil {
		return nil, fmt.Errorf("run prompt: %w", err)
	}
	m, ok := final.(promptModel)
	if !ok || m.canceled {
		return nil, ErrPromptCanceled
	}
	return m.resolve()
}

var labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))

type promptModel struct {
	keys     []string
	idx      int
	input    textinput.Model
	answers  map[string]string
	canceled bool
}

func newPromptModel(keys []string) promptModel {
	in := textinput.New()
	in.Placeholder = "value or file://path"
	in.Focus()
	return promptModel{keys: keys, input: in, answers: map[string]string{}}
}

func (m promptModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.canceled = true
			return m, tea.Quit
		case tea.KeyEnter:
			m.answers[m.keys[m.idx]] = m.input.Value()
			m.idx++
			if m.idx >= len(m.keys) {
				return m, tea.Quit
			}
			m.input.Reset()
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m promptModel) View() string {
	if m.idx >= len(m.keys) || m.canceled {
		return ""
	}
	var b strings.Builder
	b.WriteString(labelStyle.Render(fmt.Sprintf("Enter value for required input '%s':", m.keys[m.idx])))
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	return b.String()
}

func (m promptModel) resolve() (map[string]any, error) {
	out := make(map[string]any, len(m.answers))
	for _, k := range m.keys {
		answer, ok := m.answers[k]
		if !ok {
			continue
		}
		v, err := ResolveAnswer(answer)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
