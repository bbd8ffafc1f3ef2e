package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/engine"
)

// Update handles keys and ticks. The view quits on its own once the run is
// done; q and ctrl+c request a stop first and quit when wind-down ends.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "+", "=":
			m.resize(m.snap.TargetWorkers + 1)
		case "-", "_":
			m.resize(m.snap.TargetWorkers - 1)
		case "s":
			m.stop()
		case "q", "ctrl+c":
			m.stop()
			if m.finished() {
				return m, tea.Quit
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case TickMsg:
		m.refresh()
		if m.finished() {
			return m, tea.Quit
		}
		return m, m.tick()
	}
	return m, nil
}

func (m *Model) resize(n int) {
	if n < 1 || n > m.cfg.MaxWorkers {
		m.notice = fmt.Sprintf("workers must stay within 1..%d", m.cfg.MaxWorkers)
		return
	}
	if err := m.ctrl.SetPoolTarget(n); err != nil {
		m.notice = err.Error()
		return
	}
	m.snap.TargetWorkers = n
	m.notice = fmt.Sprintf("target workers set to %d", n)
}

func (m *Model) stop() {
	if m.stopping || m.finished() {
		return
	}
	m.stopping = true
	if err := m.ctrl.Stop(); err != nil {
		m.notice = err.Error()
		return
	}
	m.notice = "stopping: waiting for workers and final checkpoint"
}

func (m Model) finished() bool {
	return m.snap.Phase == engine.PhaseDone || (m.snap.Phase == engine.PhaseIdle && m.snap.RunID == "")
}
