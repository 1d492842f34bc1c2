package render

import (
	"context"
	"os"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

type spinDoneMsg struct{}

type spinnerModel struct {
	spinner     spinner.Model
	label       string
	done        bool
	interrupted bool
}

func newSpinnerModel(label string) spinnerModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle
	return spinnerModel{spinner: s, label: label}
}

func (m spinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m spinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinDoneMsg:
		m.done = true
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.interrupted = true
			m.done = true
			return m, tea.Quit
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m spinnerModel) View() string {
	if m.done {
		return ""
	}
	return m.spinner.View() + " " + m.label + "\n"
}

// Spin runs fn while a spinner with label is drawn on out. When out is not a
// terminal fn runs without decoration. Ctrl+C cancels the ctx passed to fn.
func Spin(ctx context.Context, out *os.File, label string, fn func(ctx context.Context) error) error {
	if !IsTerminal(out) {
		return fn(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newSpinnerModel(label), tea.WithOutput(out), tea.WithContext(ctx))
	errc := make(chan error, 1)
	go func() {
		err := fn(ctx)
		errc <- err
		p.Send(spinDoneMsg{})
	}()

	final, _ := p.Run()
	if m, ok := final.(spinnerModel); ok && m.interrupted {
		cancel()
	}
	return <-errc
}
