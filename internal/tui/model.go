// Package tui renders a live terminal view of a run: progress, speed, ETA,
// worker counts and a log tail, with keys to resize the pool or stop.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/engine"
)

// Controller is the slice of the engine the view drives.
type Controller interface {
	Snapshot() (engine.Snapshot, bool)
	Stop() error
	SetPoolTarget(n int) error
}

// LogSource supplies recent log lines.
type LogSource interface {
	Tail(n int) []string
}

// Config tunes the view.
type Config struct {
	Refresh    time.Duration
	LogLines   int
	MaxWorkers int
}

const (
	defaultRefresh    = 500 * time.Millisecond
	defaultLogLines   = 10
	defaultMaxWorkers = 64
	// speedAfter hides the rate until it has settled.
	speedAfter = 2 * time.Second
)

// Model is the bubbletea model.
type Model struct {
	ctrl Controller
	logs LogSource
	cfg  Config

	snap     engine.Snapshot
	lines    []string
	stopping bool
	notice   string
	width    int
}

// NewModel builds a Model. logs may be nil.
func NewModel(ctrl Controller, logs LogSource, cfg Config) Model {
	if cfg.Refresh <= 0 {
		cfg.Refresh = defaultRefresh
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = defaultLogLines
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	m := Model{ctrl: ctrl, logs: logs, cfg: cfg}
	m.refresh()
	return m
}

// Init starts the refresh ticker.
func (m Model) Init() tea.Cmd {
	return m.tick()
}

// TickMsg triggers a refresh.
type TickMsg time.Time

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.cfg.Refresh, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m *Model) refresh() {
	m.snap, _ = m.ctrl.Snapshot()
	if m.logs != nil {
		m.lines = m.logs.Tail(m.cfg.LogLines)
	}
}

// Run shows the view until the run finishes or the user quits.
func Run(ctrl Controller, logs LogSource, cfg Config, opts ...tea.ProgramOption) error {
	_, err := tea.NewProgram(NewModel(ctrl, logs, cfg), opts...).Run()
	return err
}
